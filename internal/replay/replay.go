// Package replay drives the classifier offline from a capture file, standing
// in for the receive path of a real interface.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/SkynetNext/xsk-fastpath/pkg/classifier"
	"github.com/SkynetNext/xsk-fastpath/pkg/xlog"
)

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// ErrLinkType is returned for captures that are not Ethernet.
var ErrLinkType = errors.New("replay: capture is not ethernet")

// Receiver consumes frames on behalf of a receive queue.
type Receiver interface {
	Receive(queue uint32, frame []byte) classifier.Verdict
}

// QueueFunc picks the receive queue a captured frame is replayed on.
type QueueFunc func(ci gopacket.CaptureInfo, frame []byte) uint32

// FixedQueue replays every frame on queue.
func FixedQueue(queue uint32) QueueFunc {
	return func(gopacket.CaptureInfo, []byte) uint32 { return queue }
}

// InterfaceQueue maps the pcapng interface index onto the queue index, so a
// capture taken per queue replays on the queue it came from.
func InterfaceQueue(ci gopacket.CaptureInfo, _ []byte) uint32 {
	return uint32(ci.InterfaceIndex)
}

// Summary counts replayed frames by action and decision branch.
type Summary struct {
	Frames         uint64            `json:"frames"`
	FastPath       uint64            `json:"fast_path"`
	Pass           uint64            `json:"pass"`
	Drop           uint64            `json:"drop"`
	RedirectErrors uint64            `json:"redirect_errors"`
	Reasons        map[string]uint64 `json:"reasons"`
}

func (s *Summary) add(v classifier.Verdict) {
	s.Frames++
	switch v.Action {
	case classifier.ActionFastPath:
		s.FastPath++
	case classifier.ActionPass:
		s.Pass++
	default:
		s.Drop++
	}
	if v.Err != nil {
		s.RedirectErrors++
	}
	s.Reasons[v.Reason.String()]++
}

type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

func open(r io.Reader) (packetSource, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(len(pcapngMagic))
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}
	if bytes.Equal(magic, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("open pcapng: %w", err)
		}
		return ng, nil
	}
	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("open pcap: %w", err)
	}
	return pr, nil
}

// Run reads every frame from r and hands it to rx on the queue chosen by
// queueOf. It stops at end of file, on a read error, or when ctx is done.
func Run(ctx context.Context, r io.Reader, rx Receiver, queueOf QueueFunc) (Summary, error) {
	sum := Summary{Reasons: make(map[string]uint64)}

	src, err := open(r)
	if err != nil {
		return sum, err
	}
	if lt := src.LinkType(); lt != layers.LinkTypeEthernet {
		return sum, fmt.Errorf("%w: %s", ErrLinkType, lt)
	}
	if queueOf == nil {
		queueOf = FixedQueue(0)
	}

	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		// ReadPacketData returns a fresh buffer per frame; a fast-path
		// socket may keep it after Receive returns.
		data, ci, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return sum, fmt.Errorf("read frame %d: %w", sum.Frames+1, err)
		}
		sum.add(rx.Receive(queueOf(ci, data), data))
	}

	xlog.Debugf("Replay done: frames=%d fast_path=%d pass=%d drop=%d",
		sum.Frames, sum.FastPath, sum.Pass, sum.Drop)
	return sum, nil
}
