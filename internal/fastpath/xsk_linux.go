//go:build linux
// +build linux

package fastpath

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/asavie/xdp"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/SkynetNext/xsk-fastpath/pkg/xlog"
)

// XSK is an AF_XDP socket bound to one receive queue of an interface. The
// kernel program redirects into it once its FD is in the XSKMAP.
type XSK struct {
	sock  *xdp.Socket
	queue uint32
	opts  XSKOptions

	closeOnce sync.Once
	received  atomic.Uint64
}

// OpenXSK creates an AF_XDP socket on ifaceName bound to queue.
func OpenXSK(ifaceName string, queue uint32, opts XSKOptions) (*XSK, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	l, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("getting interface %s: %w", ifaceName, err)
	}

	sock, err := xdp.NewSocket(l.Attrs().Index, int(queue), &xdp.SocketOptions{
		NumFrames:              opts.NumFrames,
		FrameSize:              opts.FrameSize,
		FillRingNumDescs:       opts.RingSize,
		CompletionRingNumDescs: opts.RingSize,
		RxRingNumDescs:         opts.RingSize,
		TxRingNumDescs:         opts.RingSize,
	})
	if err != nil {
		return nil, fmt.Errorf("creating AF_XDP socket on %s queue %d: %w", ifaceName, queue, err)
	}

	xlog.Infof("AF_XDP socket opened: iface=%s queue=%d fd=%d", ifaceName, queue, sock.FD())
	return &XSK{sock: sock, queue: queue, opts: opts}, nil
}

// FD returns the socket descriptor to register in the XSKMAP.
func (x *XSK) FD() int {
	return x.sock.FD()
}

// Queue returns the receive queue the socket is bound to.
func (x *XSK) Queue() uint32 {
	return x.queue
}

// Received returns the number of frames taken off the rx ring.
func (x *XSK) Received() uint64 {
	return x.received.Load()
}

// Run keeps the fill ring stocked and hands every received frame to
// deliver until ctx is done. deliver owns the frame it is given.
func (x *XSK) Run(ctx context.Context, deliver func(frame []byte)) error {
	addrs := x.opts.fillAddrs()
	descs := make([]xdp.Desc, len(addrs))
	for i, a := range addrs {
		descs[i].Addr = a
	}
	x.sock.Fill(descs)

	timeout := int(x.opts.PollTimeout.Milliseconds())
	for {
		if ctx.Err() != nil {
			return nil
		}
		numRx, _, err := x.sock.Poll(timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("polling AF_XDP socket on queue %d: %w", x.queue, err)
		}
		if numRx == 0 {
			continue
		}

		rx := x.sock.Receive(numRx)
		for _, d := range rx {
			deliver(copyFrame(x.sock.GetFrame(d)))
		}
		x.received.Add(uint64(len(rx)))
		// Received slots go straight back to the kernel.
		x.sock.Fill(rx)
	}
}

// Close releases the socket and its UMEM. Run must have returned.
func (x *XSK) Close() error {
	var err error
	x.closeOnce.Do(func() {
		err = x.sock.Close()
		xlog.Infof("AF_XDP socket closed: queue=%d", x.queue)
	})
	return err
}
