//go:build !linux
// +build !linux

package ebpf

import (
	"errors"

	"github.com/cilium/ebpf"

	"github.com/SkynetNext/xsk-fastpath/pkg/classifier"
)

// XDPManager stub for non-Linux platforms
type XDPManager struct {
	enabled bool
}

// NewXDPManager returns a disabled manager on non-Linux platforms
func NewXDPManager(mode classifier.ListenerCheck) (*XDPManager, error) {
	return &XDPManager{enabled: false}, nil
}

// AttachToInterface is a no-op on non-Linux platforms
func (m *XDPManager) AttachToInterface(ifaceName, xdpMode string) error {
	return errors.New("XDP not supported on this platform")
}

// RegisterSocket is a no-op on non-Linux platforms
func (m *XDPManager) RegisterSocket(queue uint32, fd int) error {
	return nil
}

// UnregisterSocket is a no-op on non-Linux platforms
func (m *XDPManager) UnregisterSocket(queue uint32) error {
	return nil
}

// SetQueueStatus is a no-op on non-Linux platforms
func (m *XDPManager) SetQueueStatus(queue, value uint32) error {
	return nil
}

// QueueStatus returns zero on non-Linux platforms
func (m *XDPManager) QueueStatus(queue uint32) (uint32, error) {
	return 0, nil
}

// Program returns nil on non-Linux platforms
func (m *XDPManager) Program() *ebpf.Program {
	return nil
}

// Detach is a no-op on non-Linux platforms
func (m *XDPManager) Detach() error {
	return nil
}

// Close is a no-op on non-Linux platforms
func (m *XDPManager) Close() error {
	return nil
}

// IsEnabled always returns false on non-Linux platforms
func (m *XDPManager) IsEnabled() bool {
	return false
}
