package classifier

// Action is the terminal outcome of classifying one frame.
type Action uint8

const (
	// ActionDrop discards the frame.
	ActionDrop Action = iota
	// ActionPass lets the frame continue to the normal stack.
	ActionPass
	// ActionFastPath hands the frame to the queue's fast-path socket.
	ActionFastPath
)

func (a Action) String() string {
	switch a {
	case ActionDrop:
		return "drop"
	case ActionPass:
		return "pass"
	case ActionFastPath:
		return "fast_path"
	default:
		return "unknown"
	}
}

// XDP return codes, as consumed by the driver.
const (
	XDPAborted uint32 = iota
	XDPDrop
	XDPPass
	XDPTx
	XDPRedirect
)

// Reason records which branch of the decision tree produced a verdict.
type Reason uint8

const (
	ReasonNoListener Reason = iota
	ReasonShortEthernet
	ReasonShortIPv4
	ReasonIPOptions
	ReasonNotIPv4
	ReasonNotICMP
	ReasonICMP
)

var reasonNames = [...]string{
	ReasonNoListener:    "no_listener",
	ReasonShortEthernet: "short_ethernet",
	ReasonShortIPv4:     "short_ipv4",
	ReasonIPOptions:     "ip_options",
	ReasonNotIPv4:       "not_ipv4",
	ReasonNotICMP:       "not_icmp",
	ReasonICMP:          "icmp",
}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return "unknown"
}

// Verdict is the result of Classify.
type Verdict struct {
	Action Action
	// Queue is the receive queue the frame arrived on, which is also the
	// redirect target when Redirected is set.
	Queue  uint32
	Reason Reason
	// Redirected reports that a redirect was attempted for this frame.
	Redirected bool
	// Err is the error reported by the redirect operation, if any. A failed
	// redirect yields ActionDrop.
	Err error
}

// XDPCode maps the verdict onto the return code a kernel hook would give the
// driver. Malformed frames and failed redirects abort, matching what
// bpf_redirect_map reports without fallback flags.
func (v Verdict) XDPCode() uint32 {
	switch v.Action {
	case ActionFastPath:
		return XDPRedirect
	case ActionPass:
		return XDPPass
	default:
		return XDPAborted
	}
}
