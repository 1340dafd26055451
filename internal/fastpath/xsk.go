package fastpath

import (
	"errors"
	"fmt"
	"time"
)

// ErrXSKUnsupported is returned by OpenXSK where AF_XDP is not available.
var ErrXSKUnsupported = errors.New("fastpath: AF_XDP sockets not supported on this platform")

// XSKOptions sizes the UMEM and rings of an AF_XDP socket.
type XSKOptions struct {
	NumFrames int
	FrameSize int
	// Descriptors in each of the fill, completion, rx and tx rings; a
	// power of two.
	RingSize    int
	PollTimeout time.Duration
}

// DefaultXSKOptions returns the sizes used by the daemon.
func DefaultXSKOptions() XSKOptions {
	return XSKOptions{
		NumFrames:   2048,
		FrameSize:   2048,
		RingSize:    1024,
		PollTimeout: 100 * time.Millisecond,
	}
}

// Validate checks the ring and UMEM sizes. Receive uses the first half of
// the UMEM, so it must hold twice the ring.
func (o XSKOptions) Validate() error {
	if o.RingSize <= 0 || o.RingSize&(o.RingSize-1) != 0 {
		return fmt.Errorf("fastpath: xsk ring size %d is not a power of two", o.RingSize)
	}
	if o.NumFrames < 2*o.RingSize {
		return fmt.Errorf("fastpath: xsk needs at least %d frames for ring size %d, got %d",
			2*o.RingSize, o.RingSize, o.NumFrames)
	}
	if o.FrameSize < 2048 || o.FrameSize&(o.FrameSize-1) != 0 {
		return fmt.Errorf("fastpath: xsk frame size %d must be a power of two >= 2048", o.FrameSize)
	}
	if o.PollTimeout <= 0 {
		return fmt.Errorf("fastpath: xsk poll timeout must be positive")
	}
	return nil
}

// fillAddrs returns the UMEM offsets handed to the fill ring at start.
func (o XSKOptions) fillAddrs() []uint64 {
	addrs := make([]uint64, o.RingSize)
	for i := range addrs {
		addrs[i] = uint64(i * o.FrameSize)
	}
	return addrs
}

// copyFrame detaches a frame from UMEM before the slot is refilled.
func copyFrame(frame []byte) []byte {
	out := make([]byte, len(frame))
	copy(out, frame)
	return out
}
