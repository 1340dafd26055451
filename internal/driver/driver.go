// Package driver is the receive-side entry point: it hands each frame to the
// classifier together with the receive queue it arrived on and accounts for
// the outcome.
package driver

import (
	"sync/atomic"

	"github.com/SkynetNext/xsk-fastpath/internal/metrics"
	"github.com/SkynetNext/xsk-fastpath/pkg/classifier"
)

// Stats counts verdicts by action.
type Stats struct {
	Frames         uint64 `json:"frames"`
	FastPath       uint64 `json:"fast_path"`
	Pass           uint64 `json:"pass"`
	Drop           uint64 `json:"drop"`
	RedirectErrors uint64 `json:"redirect_errors"`
}

// Driver classifies frames against a fixed set of tables.
type Driver struct {
	cls    atomic.Pointer[classifier.Classifier]
	tables classifier.Tables

	frames    atomic.Uint64
	fastPath  atomic.Uint64
	pass      atomic.Uint64
	drop      atomic.Uint64
	redirErrs atomic.Uint64
}

// New returns a driver running cls over tables.
func New(cls *classifier.Classifier, tables classifier.Tables) *Driver {
	d := &Driver{tables: tables}
	d.cls.Store(cls)
	return d
}

// SetClassifier swaps the classifier used for subsequent frames. Frames
// already being classified finish with the previous one.
func (d *Driver) SetClassifier(cls *classifier.Classifier) {
	d.cls.Store(cls)
}

// Classifier returns the classifier in use.
func (d *Driver) Classifier() *classifier.Classifier {
	return d.cls.Load()
}

// Receive classifies one frame received on queue. The returned verdict is the
// disposition the receive path applies to the frame.
func (d *Driver) Receive(queue uint32, frame []byte) classifier.Verdict {
	v := d.cls.Load().Classify(queue, frame, d.tables)

	d.frames.Add(1)
	switch v.Action {
	case classifier.ActionFastPath:
		d.fastPath.Add(1)
	case classifier.ActionPass:
		d.pass.Add(1)
	default:
		d.drop.Add(1)
	}
	if v.Err != nil {
		d.redirErrs.Add(1)
	}
	metrics.RecordVerdict(v)
	return v
}

// Stats returns the verdict counters.
func (d *Driver) Stats() Stats {
	return Stats{
		Frames:         d.frames.Load(),
		FastPath:       d.fastPath.Load(),
		Pass:           d.pass.Load(),
		Drop:           d.drop.Load(),
		RedirectErrors: d.redirErrs.Load(),
	}
}
