package ebpf

import (
	"errors"

	"github.com/SkynetNext/xsk-fastpath/pkg/classifier"
)

// ErrQueuesUncovered is returned when a literal-mode program would go live
// while a receive queue has no AF_XDP socket. The program drops every frame
// that arrives on such a queue.
var ErrQueuesUncovered = errors.New("ebpf: receive queues without an AF_XDP socket")

// UncoveredQueues returns, in ascending order, the queues below numRx that
// have no entry in registered. numRx is clamped to [1, MaxQueues].
func UncoveredQueues(numRx int, registered map[uint32]int) []uint32 {
	if numRx < 1 {
		numRx = 1
	}
	if numRx > classifier.MaxQueues {
		numRx = classifier.MaxQueues
	}
	var out []uint32
	for q := uint32(0); q < uint32(numRx); q++ {
		if _, ok := registered[q]; !ok {
			out = append(out, q)
		}
	}
	return out
}
