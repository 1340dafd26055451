// Package classifier implements the per-frame decision engine that runs on
// the receive path of an interface, before the general network stack.
//
// # Overview
//
// For every received frame the classifier decides, in a bounded number of
// steps, whether the frame is handed to the fast-path socket bound to its
// receive queue, continues to the normal stack, or is dropped as malformed:
//
//	START -> [queue has listener?] --no--> REDIRECT-ATTEMPT -> (FAST_PATH | error)
//	                 |yes
//	                 v
//	         PARSE ETH  --too short--> DROP
//	                 |ok
//	                 v
//	         [L3 == IPv4?] --no--> PASS
//	                 |yes
//	                 v
//	         PARSE IPv4 --too short--> DROP
//	                 |ok, no options (IHL == 5; otherwise PASS)
//	                 v
//	         [L4 == ICMP?] --no--> PASS
//	                 |yes
//	                 v
//	              FAST_PATH
//
// # Tables
//
// Two fixed-capacity tables keyed by queue index in [0, MaxQueues) are shared
// with the control plane: the RedirectTable (queue -> fast-path sink) and the
// StatusTable (queue -> flag). Both are read lock-free, one atomic load per
// entry. The classifier never writes them. They are handed to Classify as an
// explicit Tables value so callers can substitute their own implementations.
//
// # Listener check
//
// The kernel program this package models attempts a redirect when the queue
// has NO registered listener, and parses the frame only when one exists.
// ListenerCheckLiteral keeps that behavior. ListenerCheckCorrected passes the
// frame to the normal stack instead of attempting a redirect nobody can take.
//
// # Bounds
//
// Every header read is preceded by a length check against the frame slice.
// The header views (Ethernet, IPv4, TCP) are only constructed after that check
// and never index past the bytes they were sliced to.
package classifier
