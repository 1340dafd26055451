package fastpath

import (
	"fmt"
	"sync"

	"github.com/SkynetNext/xsk-fastpath/internal/metrics"
	"github.com/SkynetNext/xsk-fastpath/pkg/classifier"
	"github.com/SkynetNext/xsk-fastpath/pkg/xlog"
)

// Pool opens and closes sockets and keeps the redirect table in step: a
// queue has a table entry exactly while it has an open socket.
type Pool struct {
	table    *classifier.RedirectTable
	ringSize int

	mu      sync.Mutex
	sockets [classifier.MaxQueues]*Socket
	open    int
}

// NewPool returns a pool that registers sockets in table.
func NewPool(table *classifier.RedirectTable, ringSize int) *Pool {
	return &Pool{table: table, ringSize: ringSize}
}

// Open creates a socket for queue and registers it. Opening a queue that
// already has a socket returns the existing one.
func (p *Pool) Open(queue uint32) (*Socket, error) {
	if queue >= classifier.MaxQueues {
		return nil, fmt.Errorf("open socket for queue %d: %w", queue, classifier.ErrQueueOutOfRange)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if s := p.sockets[queue]; s != nil {
		return s, nil
	}
	s := NewSocket(queue, p.ringSize)
	if err := p.table.Insert(queue, s); err != nil {
		return nil, fmt.Errorf("register socket for queue %d: %w", queue, err)
	}
	p.sockets[queue] = s
	p.open++
	metrics.SetListeners(p.open)

	xlog.Infof("Fast-path socket attached: queue=%d ring=%d", queue, cap(s.ring))
	return s, nil
}

// Close unregisters and closes the socket for queue. Closing a queue with
// no socket is a no-op.
func (p *Pool) Close(queue uint32) error {
	if queue >= classifier.MaxQueues {
		return fmt.Errorf("close socket for queue %d: %w", queue, classifier.ErrQueueOutOfRange)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.sockets[queue]
	if s == nil {
		return nil
	}
	if err := p.table.Remove(queue); err != nil {
		return fmt.Errorf("unregister socket for queue %d: %w", queue, err)
	}
	s.Close()
	p.sockets[queue] = nil
	p.open--
	metrics.SetListeners(p.open)

	xlog.Infof("Fast-path socket detached: queue=%d", queue)
	return nil
}

// Socket returns the open socket for queue.
func (p *Pool) Socket(queue uint32) (*Socket, bool) {
	if queue >= classifier.MaxQueues {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.sockets[queue]
	return s, s != nil
}

// Stats returns the counters of every open socket, by ascending queue.
func (p *Pool) Stats() []SocketStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []SocketStats
	for _, s := range p.sockets {
		if s != nil {
			out = append(out, s.Stats())
		}
	}
	return out
}

// CloseAll closes every open socket.
func (p *Pool) CloseAll() {
	for q := uint32(0); q < classifier.MaxQueues; q++ {
		if err := p.Close(q); err != nil {
			xlog.Warnf("Failed to close fast-path socket: %v", err)
		}
	}
}
