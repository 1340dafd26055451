package classifier

import "errors"

// ListenerCheck selects how a queue without a registered listener is handled.
type ListenerCheck uint8

const (
	// ListenerCheckLiteral attempts a redirect to the queue when it has no
	// listener and returns whatever the redirect reports. Frames on queues
	// with a listener are parsed.
	ListenerCheckLiteral ListenerCheck = iota
	// ListenerCheckCorrected passes frames on queues without a listener to
	// the normal stack without attempting a redirect.
	ListenerCheckCorrected
)

func (l ListenerCheck) String() string {
	if l == ListenerCheckCorrected {
		return "corrected"
	}
	return "literal"
}

// ParseListenerCheck parses "literal" or "corrected".
func ParseListenerCheck(s string) (ListenerCheck, error) {
	switch s {
	case "", "literal":
		return ListenerCheckLiteral, nil
	case "corrected":
		return ListenerCheckCorrected, nil
	default:
		return ListenerCheckLiteral, errors.New("classifier: unknown listener check mode " + s)
	}
}

// TraceFunc receives the diagnostic trace emitted on the no-listener branch.
// It runs on the packet path and must not block.
type TraceFunc func(queue uint32, err error)

// Options configures a Classifier.
type Options struct {
	ListenerCheck ListenerCheck
	Trace         TraceFunc
}

// Classifier runs the decision tree. It holds no per-packet state and is safe
// for concurrent use.
type Classifier struct {
	opts Options
}

// New returns a Classifier configured with opts.
func New(opts Options) *Classifier {
	return &Classifier{opts: opts}
}

// Mode returns the listener-check mode in effect.
func (c *Classifier) Mode() ListenerCheck {
	return c.opts.ListenerCheck
}

var literal = New(Options{})

// Classify runs the literal decision tree with no trace hook.
func Classify(queue uint32, frame []byte, t Tables) Verdict {
	return literal.Classify(queue, frame, t)
}

// Classify decides the fate of frame, received on queue.
func (c *Classifier) Classify(queue uint32, frame []byte, t Tables) Verdict {
	if !t.Redirect.HasListener(queue) {
		if c.opts.ListenerCheck == ListenerCheckCorrected {
			return Verdict{Action: ActionPass, Queue: queue, Reason: ReasonNoListener}
		}
		v := redirect(queue, frame, t.Redirect, ReasonNoListener)
		if c.opts.Trace != nil {
			c.opts.Trace(queue, v.Err)
		}
		return v
	}

	var m PacketMeta
	m.FrameLen = len(frame)

	off, err := ParseEthernet(frame, 0, &m)
	if err != nil {
		return Verdict{Action: ActionDrop, Queue: queue, Reason: ReasonShortEthernet}
	}

	if m.L3Proto == EtherTypeIPv4 {
		off, err = ParseIPv4(frame, off, &m)
		switch {
		case errors.Is(err, ErrTruncated):
			return Verdict{Action: ActionDrop, Queue: queue, Reason: ReasonShortIPv4}
		case err != nil:
			return Verdict{Action: ActionPass, Queue: queue, Reason: ReasonIPOptions}
		}
	}

	if off > len(frame) {
		return Verdict{Action: ActionDrop, Queue: queue, Reason: ReasonShortIPv4}
	}

	if m.L4Proto == ProtocolICMP {
		return redirect(queue, frame, t.Redirect, ReasonICMP)
	}
	if m.L3Proto != EtherTypeIPv4 {
		return Verdict{Action: ActionPass, Queue: queue, Reason: ReasonNotIPv4}
	}
	return Verdict{Action: ActionPass, Queue: queue, Reason: ReasonNotICMP}
}

func redirect(queue uint32, frame []byte, r Redirector, reason Reason) Verdict {
	v := Verdict{Action: ActionFastPath, Queue: queue, Reason: reason, Redirected: true}
	if err := r.Redirect(queue, frame); err != nil {
		v.Action = ActionDrop
		v.Err = err
	}
	return v
}
