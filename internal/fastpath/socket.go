// Package fastpath is the in-process fast-path layer: one bounded ring per
// receive queue, registered in the classifier's redirect table while a
// consumer is attached.
package fastpath

import (
	"sync/atomic"
)

// socketError is a fast-path failure that carries its own metrics label.
type socketError string

func (e socketError) Error() string  { return "fastpath: " + string(e) }
func (e socketError) Reason() string { return string(e) }

var (
	// ErrRingFull is returned when the consumer has not drained the ring.
	ErrRingFull error = socketError("ring_full")
	// ErrSocketClosed is returned by a socket after Close.
	ErrSocketClosed error = socketError("socket_closed")
)

// DefaultRingSize is the ring capacity used when none is configured.
const DefaultRingSize = 2048

// Socket is a fast-path consumer endpoint bound to one receive queue.
type Socket struct {
	queue  uint32
	ring   chan []byte
	closed atomic.Bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// SocketStats is a point-in-time view of a socket's counters.
type SocketStats struct {
	Queue     uint32 `json:"queue"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Pending   int    `json:"pending"`
}

// NewSocket returns a socket for queue with a ring of ringSize frames.
func NewSocket(queue uint32, ringSize int) *Socket {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	return &Socket{
		queue: queue,
		ring:  make(chan []byte, ringSize),
	}
}

// Queue returns the receive queue the socket is bound to.
func (s *Socket) Queue() uint32 {
	return s.queue
}

// Deliver enqueues frame without copying and without blocking. Ownership of
// frame passes to the socket.
func (s *Socket) Deliver(frame []byte) error {
	if s.closed.Load() {
		s.dropped.Add(1)
		return ErrSocketClosed
	}
	select {
	case s.ring <- frame:
		s.delivered.Add(1)
		return nil
	default:
		s.dropped.Add(1)
		return ErrRingFull
	}
}

// Frames returns the receive side of the ring.
func (s *Socket) Frames() <-chan []byte {
	return s.ring
}

// Close stops accepting frames. Frames already in the ring stay readable.
func (s *Socket) Close() {
	s.closed.Store(true)
}

// Closed reports whether Close was called.
func (s *Socket) Closed() bool {
	return s.closed.Load()
}

// Stats returns the socket counters.
func (s *Socket) Stats() SocketStats {
	return SocketStats{
		Queue:     s.queue,
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
		Pending:   len(s.ring),
	}
}
