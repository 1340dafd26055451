// Command fastpath-replay classifies every frame of a pcap or pcapng capture
// as if it had been received on a given queue and prints the verdict counts.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/SkynetNext/xsk-fastpath/internal/controlplane"
	"github.com/SkynetNext/xsk-fastpath/internal/replay"
	"github.com/SkynetNext/xsk-fastpath/pkg/classifier"
	"github.com/SkynetNext/xsk-fastpath/pkg/xlog"
)

type report struct {
	Mode    string                   `json:"listener_check"`
	Summary replay.Summary           `json:"summary"`
	Queues  []controlplane.QueueInfo `json:"queues"`
}

func main() {
	var (
		pcapPath    = flag.String("pcap", "", "capture file to replay (pcap or pcapng)")
		queue       = flag.Uint("queue", 0, "receive queue every frame arrives on")
		listen      = flag.String("listen", "", "comma-separated queues with a fast-path listener")
		corrected   = flag.Bool("corrected", false, "check for a listener before redirecting")
		byInterface = flag.Bool("by-interface", false, "use the pcapng interface index as the queue")
		ringSize    = flag.Int("ring-size", 4096, "fast-path socket ring size")
		logLevel    = flag.String("log-level", "warn", "log level")
	)
	flag.Parse()

	if level, err := xlog.ParseLevel(*logLevel); err == nil {
		xlog.SetLevel(level)
	}
	if *pcapPath == "" {
		fmt.Fprintln(os.Stderr, "fastpath-replay: -pcap is required")
		flag.Usage()
		os.Exit(2)
	}
	if *queue >= classifier.MaxQueues {
		fmt.Fprintf(os.Stderr, "fastpath-replay: queue %d out of range [0,%d)\n", *queue, classifier.MaxQueues)
		os.Exit(2)
	}
	listenQueues, err := parseQueueList(*listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fastpath-replay: %v\n", err)
		os.Exit(2)
	}

	if err := run(*pcapPath, uint32(*queue), listenQueues, *corrected, *byInterface, *ringSize); err != nil {
		fmt.Fprintf(os.Stderr, "fastpath-replay: %v\n", err)
		os.Exit(1)
	}
}

func run(path string, queue uint32, listen []uint32, corrected, byInterface bool, ringSize int) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mode := classifier.ListenerCheckLiteral
	if corrected {
		mode = classifier.ListenerCheckCorrected
	}
	cp := controlplane.NewManager(controlplane.Options{
		ListenerCheck: mode,
		RingSize:      ringSize,
		TraceRate:     1,
		TraceBurst:    5,
	})
	defer cp.Close()

	for _, q := range listen {
		if err := cp.Attach(ctx, q); err != nil {
			return err
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	queueOf := replay.FixedQueue(queue)
	if byInterface {
		queueOf = replay.InterfaceQueue
	}
	sum, err := replay.Run(ctx, f, cp, queueOf)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report{Mode: mode.String(), Summary: sum, Queues: cp.Queues()})
}

func parseQueueList(s string) ([]uint32, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []uint32
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		q, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("listen queue %q: %w", part, err)
		}
		if q >= classifier.MaxQueues {
			return nil, fmt.Errorf("listen queue %d: %w", q, classifier.ErrQueueOutOfRange)
		}
		out = append(out, uint32(q))
	}
	return out, nil
}
