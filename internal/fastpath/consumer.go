package fastpath

import (
	"context"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/SkynetNext/xsk-fastpath/internal/metrics"
	"github.com/SkynetNext/xsk-fastpath/pkg/xlog"
)

// Handler processes one decoded frame taken off a socket.
type Handler func(queue uint32, pkt gopacket.Packet)

// Consumer drains a socket and decodes every frame from the link layer up.
type Consumer struct {
	sock    *Socket
	handler Handler
	decode  gopacket.DecodeOptions
}

// NewConsumer returns a consumer for sock. A nil handler logs a one-line
// summary of each frame at debug level.
func NewConsumer(sock *Socket, handler Handler) *Consumer {
	if handler == nil {
		handler = LogFrame
	}
	return &Consumer{
		sock:    sock,
		handler: handler,
		decode:  gopacket.DecodeOptions{Lazy: true, NoCopy: true},
	}
}

// Run consumes frames until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-c.sock.Frames():
			c.consume(frame)
		}
	}
}

// Drain consumes whatever is pending and returns the number of frames read.
func (c *Consumer) Drain() int {
	n := 0
	for {
		select {
		case frame := <-c.sock.Frames():
			c.consume(frame)
			n++
		default:
			return n
		}
	}
}

func (c *Consumer) consume(frame []byte) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, c.decode)
	metrics.RecordFrameConsumed(c.sock.queue)
	c.handler(c.sock.queue, pkt)
}

// LogFrame logs the flow and transport of pkt at debug level.
func LogFrame(queue uint32, pkt gopacket.Packet) {
	var src, dst string
	if nl := pkt.NetworkLayer(); nl != nil {
		flow := nl.NetworkFlow()
		src, dst = flow.Src().String(), flow.Dst().String()
	}
	proto := "unknown"
	if icmp, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4); ok {
		proto = "icmp " + icmp.TypeCode.String()
	} else if tl := pkt.TransportLayer(); tl != nil {
		proto = tl.LayerType().String()
	}
	xlog.Debugf("queue=%d frame len=%d %s -> %s %s", queue, len(pkt.Data()), src, dst, proto)
}
