// Package ebpf runs the queue classifier in the kernel as an XDP program.
//
// # Overview
//
// The program is assembled in Go from the same decision tree as
// pkg/classifier, so no C toolchain or generated object is needed. The
// redirect table becomes an XSKMAP keyed by receive queue; the status table
// becomes an ARRAY the control plane writes and the program never reads.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────┐
//	│                    User Space (Go)                      │
//	│  ┌──────────────┐                  ┌───────────────┐    │
//	│  │ AF_XDP socket│  RegisterSocket  │ control plane │    │
//	│  │  (queue N)   │─────────────┐    │ SetQueueStatus│    │
//	│  └──────────────┘             │    └──────┬────────┘    │
//	└───────────────────────────────┼───────────┼─────────────┘
//	                                │           │
//	┌───────────────────────────────┼───────────┼─────────────┐
//	│               Kernel Space (eBPF)         │             │
//	│                               ▼           ▼             │
//	│  ┌────────────────────────┐   ┌────────────────────┐    │
//	│  │ xsks_map (XSKMAP, 128) │   │ index_stat (ARRAY) │    │
//	│  └───────────┬────────────┘   └────────────────────┘    │
//	│              │                                          │
//	│  ┌───────────▼──────────────────────────────────────┐   │
//	│  │ xsk_classify (XDP)                               │   │
//	│  │  - listener check on rx_queue_index              │   │
//	│  │  - ethernet / IPv4 bounds checks                 │   │
//	│  │  - ICMP -> bpf_redirect_map(xsks_map, queue, 0)  │   │
//	│  └──────────────────────────────────────────────────┘   │
//	└─────────────────────────────────────────────────────────┘
//
// # Return codes
//
// Malformed frames return XDP_ABORTED, unsupported shapes XDP_PASS, and a
// redirect returns whatever bpf_redirect_map reports. With the literal
// listener check a queue without a socket still calls bpf_redirect_map,
// which fails and yields XDP_ABORTED.
//
// # Requirements
//
//   - Linux Kernel 4.18+ (for XSKMAP)
//   - CAP_BPF and CAP_NET_ADMIN, or root
//
// # Usage
//
//	mgr, err := ebpf.NewXDPManager(classifier.ListenerCheckLiteral)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Close()
//
//	if err := mgr.AttachToInterface("eth0", "auto"); err != nil {
//	    log.Fatal(err)
//	}
//	mgr.RegisterSocket(3, xskFD)
//
// On systems without XDP support NewXDPManager returns a disabled manager
// whose methods are no-ops, and the daemon runs the in-process fast path only.
package ebpf
