package classifier

import (
	"errors"
	"sync/atomic"
)

// MaxQueues bounds the queue index domain of both control tables.
const MaxQueues = 128

var (
	// ErrNoListener is returned by a redirect to a queue with no sink.
	ErrNoListener = errors.New("classifier: no fast-path listener for queue")
	// ErrQueueOutOfRange is returned for queue indexes >= MaxQueues.
	ErrQueueOutOfRange = errors.New("classifier: queue index out of range")
)

// Sink receives frames redirected to a queue. Deliver takes ownership of
// frame; it must not block.
type Sink interface {
	Deliver(frame []byte) error
}

// Redirector is the view of the queue redirect table the classifier needs:
// an existence check and the redirect operation itself.
type Redirector interface {
	HasListener(queue uint32) bool
	Redirect(queue uint32, frame []byte) error
}

// StatusReader is the read side of the queue status table.
type StatusReader interface {
	Status(queue uint32) (uint32, bool)
}

// Tables is the read-only view of the shared control tables passed to
// Classify. Status is carried for completeness and is not consulted by the
// decision tree.
type Tables struct {
	Redirect Redirector
	Status   StatusReader
}

type redirectEntry struct {
	sink Sink
}

// RedirectTable maps queue indexes to fast-path sinks. Entries are replaced
// atomically, so lookups never block on control-plane writers.
type RedirectTable struct {
	slots [MaxQueues]atomic.Pointer[redirectEntry]
}

// Insert registers sink for queue, replacing any previous entry.
func (t *RedirectTable) Insert(queue uint32, sink Sink) error {
	if queue >= MaxQueues {
		return ErrQueueOutOfRange
	}
	if sink == nil {
		return errors.New("classifier: nil sink")
	}
	t.slots[queue].Store(&redirectEntry{sink: sink})
	return nil
}

// Remove deletes the entry for queue. Removing an absent entry is not an error.
func (t *RedirectTable) Remove(queue uint32) error {
	if queue >= MaxQueues {
		return ErrQueueOutOfRange
	}
	t.slots[queue].Store(nil)
	return nil
}

// Lookup returns the sink registered for queue. Out-of-range indexes report
// no entry.
func (t *RedirectTable) Lookup(queue uint32) (Sink, bool) {
	if queue >= MaxQueues {
		return nil, false
	}
	e := t.slots[queue].Load()
	if e == nil {
		return nil, false
	}
	return e.sink, true
}

// HasListener reports whether a sink is registered for queue.
func (t *RedirectTable) HasListener(queue uint32) bool {
	_, ok := t.Lookup(queue)
	return ok
}

// Redirect hands frame to the sink registered for queue. It fails cleanly
// with ErrNoListener or ErrQueueOutOfRange when there is nowhere to go.
func (t *RedirectTable) Redirect(queue uint32, frame []byte) error {
	if queue >= MaxQueues {
		return ErrQueueOutOfRange
	}
	sink, ok := t.Lookup(queue)
	if !ok {
		return ErrNoListener
	}
	return sink.Deliver(frame)
}

// Queues returns the indexes that currently have a sink, in ascending order.
func (t *RedirectTable) Queues() []uint32 {
	var out []uint32
	for q := uint32(0); q < MaxQueues; q++ {
		if t.slots[q].Load() != nil {
			out = append(out, q)
		}
	}
	return out
}

// StatusTable holds one flag word per queue.
type StatusTable struct {
	vals [MaxQueues]atomic.Uint32
}

// Set stores v for queue.
func (t *StatusTable) Set(queue, v uint32) error {
	if queue >= MaxQueues {
		return ErrQueueOutOfRange
	}
	t.vals[queue].Store(v)
	return nil
}

// Status returns the flag for queue; ok is false for out-of-range indexes.
func (t *StatusTable) Status(queue uint32) (uint32, bool) {
	if queue >= MaxQueues {
		return 0, false
	}
	return t.vals[queue].Load(), true
}

// Snapshot copies the whole table.
func (t *StatusTable) Snapshot() [MaxQueues]uint32 {
	var out [MaxQueues]uint32
	for i := range out {
		out[i] = t.vals[i].Load()
	}
	return out
}
