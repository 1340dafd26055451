//go:build linux
// +build linux

package ebpf

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/vishvananda/netlink"

	"github.com/SkynetNext/xsk-fastpath/pkg/classifier"
	"github.com/SkynetNext/xsk-fastpath/pkg/xlog"
)

// XDPManager owns the kernel rendition of the classifier: the XSKMAP used as
// the redirect table, the per-queue status array and the attached program.
type XDPManager struct {
	xsks    *ebpf.Map
	status  *ebpf.Map
	prog    *ebpf.Program
	link    link.Link
	mode    classifier.ListenerCheck
	enabled bool

	mu      sync.Mutex
	sockets map[uint32]int // queue -> fd in xsks_map
}

// NewXDPManager creates the maps and loads the program. On systems without
// XDP support it returns a disabled manager and no error.
func NewXDPManager(mode classifier.ListenerCheck) (*XDPManager, error) {
	// Allow the current process to lock memory for eBPF resources.
	if err := rlimit.RemoveMemlock(); err != nil {
		xlog.Warnf("Failed to remove memlock limit: %v", err)
	}

	if !isXDPSupported() {
		xlog.Infof("XDP not supported on this system (need CAP_BPF/CAP_NET_ADMIN or root), using in-process fast path only")
		return &XDPManager{enabled: false}, nil
	}

	xsks, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "xsks_map",
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: classifier.MaxQueues,
	})
	if err != nil {
		return nil, fmt.Errorf("creating xsks_map: %w", err)
	}

	status, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "index_stat",
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: classifier.MaxQueues,
	})
	if err != nil {
		xsks.Close()
		return nil, fmt.Errorf("creating index_stat: %w", err)
	}

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "xsk_classify",
		Type:         ebpf.XDP,
		License:      "GPL",
		Instructions: Instructions(xsks.FD(), mode),
	})
	if err != nil {
		status.Close()
		xsks.Close()
		return nil, fmt.Errorf("loading XDP program: %w", err)
	}

	xlog.Infof("XDP classifier loaded: listener_check=%s", mode)
	return &XDPManager{
		xsks:    xsks,
		status:  status,
		prog:    prog,
		mode:    mode,
		enabled: true,
		sockets: make(map[uint32]int),
	}, nil
}

// AttachToInterface attaches the program to ifaceName. xdpMode is "driver",
// "generic" or "auto"; auto tries driver mode first. In literal mode every
// receive queue of the interface must already have a registered socket.
func (m *XDPManager) AttachToInterface(ifaceName, xdpMode string) error {
	if !m.enabled {
		return fmt.Errorf("XDP not enabled")
	}

	nl, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return fmt.Errorf("getting interface %s: %w", ifaceName, err)
	}
	attrs := nl.Attrs()
	if attrs.NumRxQueues > classifier.MaxQueues {
		xlog.Warnf("Interface %s has %d rx queues; only queues below %d can reach the fast path",
			ifaceName, attrs.NumRxQueues, classifier.MaxQueues)
	}
	if m.mode == classifier.ListenerCheckLiteral {
		m.mu.Lock()
		missing := UncoveredQueues(attrs.NumRxQueues, m.sockets)
		m.mu.Unlock()
		if len(missing) > 0 {
			return fmt.Errorf("attaching literal-mode XDP to %s: %w: %v", ifaceName, ErrQueuesUncovered, missing)
		}
	}

	attach := func(flags link.XDPAttachFlags) (link.Link, error) {
		return link.AttachXDP(link.XDPOptions{
			Program:   m.prog,
			Interface: attrs.Index,
			Flags:     flags,
		})
	}

	var l link.Link
	switch xdpMode {
	case "driver":
		l, err = attach(link.XDPDriverMode)
	case "generic":
		l, err = attach(link.XDPGenericMode)
	default:
		l, err = attach(link.XDPDriverMode)
		if err != nil {
			xlog.Warnf("Driver-mode XDP attach failed on %s, falling back to generic: %v", ifaceName, err)
			xdpMode = "generic"
			l, err = attach(link.XDPGenericMode)
		} else {
			xdpMode = "driver"
		}
	}
	if err != nil {
		return fmt.Errorf("attaching XDP to interface %s: %w", ifaceName, err)
	}

	m.link = l
	xlog.Infof("XDP program attached to interface: %s (mode=%s)", ifaceName, xdpMode)
	return nil
}

// RegisterSocket points queue at the AF_XDP socket fd.
func (m *XDPManager) RegisterSocket(queue uint32, fd int) error {
	if !m.enabled {
		return nil
	}
	if queue >= classifier.MaxQueues {
		return classifier.ErrQueueOutOfRange
	}
	if err := m.xsks.Update(queue, uint32(fd), ebpf.UpdateAny); err != nil {
		return fmt.Errorf("updating xsks_map[%d]: %w", queue, err)
	}
	m.mu.Lock()
	m.sockets[queue] = fd
	m.mu.Unlock()
	xlog.Debugf("Registered AF_XDP socket: queue=%d fd=%d", queue, fd)
	return nil
}

// UnregisterSocket removes the socket for queue. Removing an absent entry
// is not an error.
func (m *XDPManager) UnregisterSocket(queue uint32) error {
	if !m.enabled {
		return nil
	}
	if queue >= classifier.MaxQueues {
		return classifier.ErrQueueOutOfRange
	}
	if err := m.xsks.Delete(queue); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("deleting xsks_map[%d]: %w", queue, err)
	}
	m.mu.Lock()
	_, had := m.sockets[queue]
	delete(m.sockets, queue)
	m.mu.Unlock()
	if had && m.link != nil && m.mode == classifier.ListenerCheckLiteral {
		xlog.Warnf("AF_XDP socket removed from queue %d while attached in literal mode: frames on it are now dropped", queue)
	}
	return nil
}

// Detach removes the program from its interface and keeps the maps.
func (m *XDPManager) Detach() error {
	if m.link == nil {
		return nil
	}
	err := m.link.Close()
	m.link = nil
	xlog.Infof("XDP program detached")
	return err
}

// SetQueueStatus writes the status flags for queue.
func (m *XDPManager) SetQueueStatus(queue, value uint32) error {
	if !m.enabled {
		return nil
	}
	if queue >= classifier.MaxQueues {
		return classifier.ErrQueueOutOfRange
	}
	if err := m.status.Update(queue, value, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("updating index_stat[%d]: %w", queue, err)
	}
	return nil
}

// QueueStatus reads the status flags for queue.
func (m *XDPManager) QueueStatus(queue uint32) (uint32, error) {
	if !m.enabled {
		return 0, nil
	}
	if queue >= classifier.MaxQueues {
		return 0, classifier.ErrQueueOutOfRange
	}
	var v uint32
	if err := m.status.Lookup(queue, &v); err != nil {
		return 0, fmt.Errorf("reading index_stat[%d]: %w", queue, err)
	}
	return v, nil
}

// Program returns the loaded program, or nil when disabled.
func (m *XDPManager) Program() *ebpf.Program {
	return m.prog
}

// Close detaches the program and releases the maps.
func (m *XDPManager) Close() error {
	if !m.enabled {
		return nil
	}

	var errs []error
	if m.link != nil {
		errs = append(errs, m.link.Close())
		m.link = nil
	}
	errs = append(errs, m.prog.Close(), m.status.Close(), m.xsks.Close())
	m.enabled = false

	xlog.Infof("XDP manager closed")
	return errors.Join(errs...)
}

// IsEnabled returns whether XDP is enabled
func (m *XDPManager) IsEnabled() bool {
	return m.enabled
}

// isXDPSupported loads a trivial XDP program to test for support.
func isXDPSupported() bool {
	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Type: ebpf.XDP,
		Instructions: asm.Instructions{
			asm.Mov.Imm(asm.R0, int32(classifier.XDPPass)),
			asm.Return(),
		},
		License: "GPL",
	})
	if err != nil {
		xlog.Debugf("XDP test program failed to load: %v", err)
		return false
	}
	prog.Close()
	return true
}
