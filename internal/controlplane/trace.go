package controlplane

import (
	"errors"

	"golang.org/x/time/rate"

	"github.com/SkynetNext/xsk-fastpath/internal/metrics"
	"github.com/SkynetNext/xsk-fastpath/pkg/classifier"
	"github.com/SkynetNext/xsk-fastpath/pkg/xlog"
)

var (
	// ErrKernelDisabled is returned by kernel operations when no XDP program
	// is loaded.
	ErrKernelDisabled = errors.New("controlplane: kernel program not enabled")

	// ErrNotAttached is returned by kernel socket operations on a queue that
	// has no kernel socket.
	ErrNotAttached = errors.New("controlplane: queue has no kernel socket")

	errClosed = errors.New("controlplane: manager closed")
)

// NewListenerTracer returns the trace hook for the no-listener branch. Every
// miss is counted; log lines are limited to perSecond with the given burst.
// A non-positive perSecond disables the log line.
func NewListenerTracer(perSecond float64, burst int) classifier.TraceFunc {
	var limiter *rate.Limiter
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return func(queue uint32, err error) {
		metrics.RecordListenerMiss(queue)
		if limiter != nil && limiter.Allow() {
			xlog.Warnf("No fast-path listener on queue %d, redirect returned: %v", queue, err)
		}
	}
}
