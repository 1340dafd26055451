package fastpath

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SkynetNext/xsk-fastpath/internal/metrics"
	"github.com/SkynetNext/xsk-fastpath/internal/testutil"
	"github.com/SkynetNext/xsk-fastpath/pkg/classifier"
)

func TestSocket_DeliverAndBackpressure(t *testing.T) {
	s := NewSocket(2, 2)

	require.NoError(t, s.Deliver([]byte{1}))
	require.NoError(t, s.Deliver([]byte{2}))
	err := s.Deliver([]byte{3})
	assert.ErrorIs(t, err, ErrRingFull)
	assert.Equal(t, "ring_full", metrics.RedirectErrorReason(err))

	st := s.Stats()
	assert.Equal(t, uint64(2), st.Delivered)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, 2, st.Pending)
}

func TestSocket_Closed(t *testing.T) {
	s := NewSocket(0, 1)
	s.Close()
	assert.True(t, s.Closed())
	assert.ErrorIs(t, s.Deliver([]byte{1}), ErrSocketClosed)
}

func TestSocket_DefaultRing(t *testing.T) {
	s := NewSocket(0, 0)
	assert.Equal(t, DefaultRingSize, cap(s.ring))
}

func TestPool_OpenCloseTracksTable(t *testing.T) {
	var table classifier.RedirectTable
	p := NewPool(&table, 4)

	s, err := p.Open(5)
	require.NoError(t, err)
	assert.True(t, table.HasListener(5))

	again, err := p.Open(5)
	require.NoError(t, err)
	assert.Same(t, s, again)

	got, ok := p.Socket(5)
	require.True(t, ok)
	assert.Same(t, s, got)

	require.NoError(t, p.Close(5))
	assert.False(t, table.HasListener(5))
	assert.True(t, s.Closed())
	require.NoError(t, p.Close(5))

	_, err = p.Open(classifier.MaxQueues)
	assert.ErrorIs(t, err, classifier.ErrQueueOutOfRange)
	assert.ErrorIs(t, p.Close(classifier.MaxQueues), classifier.ErrQueueOutOfRange)
}

func TestPool_StatsAndCloseAll(t *testing.T) {
	var table classifier.RedirectTable
	p := NewPool(&table, 4)
	for _, q := range []uint32{7, 1} {
		_, err := p.Open(q)
		require.NoError(t, err)
	}

	stats := p.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, uint32(1), stats[0].Queue)
	assert.Equal(t, uint32(7), stats[1].Queue)

	p.CloseAll()
	assert.Empty(t, table.Queues())
	assert.Empty(t, p.Stats())
}

func TestPool_ClassifierRedirectsIntoSocket(t *testing.T) {
	var table classifier.RedirectTable
	p := NewPool(&table, 1)
	s, err := p.Open(3)
	require.NoError(t, err)
	frame := testutil.ICMPFrame(t)

	v := classifier.Classify(3, frame, classifier.Tables{Redirect: &table})
	require.Equal(t, classifier.ActionFastPath, v.Action)

	v = classifier.Classify(3, frame, classifier.Tables{Redirect: &table})
	assert.Equal(t, classifier.ActionDrop, v.Action)
	assert.ErrorIs(t, v.Err, ErrRingFull)

	got := <-s.Frames()
	assert.Same(t, &frame[0], &got[0])
}

func TestConsumer_DecodesFrames(t *testing.T) {
	s := NewSocket(1, 4)
	require.NoError(t, s.Deliver(testutil.ICMPFrame(t)))
	require.NoError(t, s.Deliver(testutil.TCPFrame(t, 77)))

	var seen []gopacket.Packet
	c := NewConsumer(s, func(queue uint32, pkt gopacket.Packet) {
		assert.Equal(t, uint32(1), queue)
		seen = append(seen, pkt)
	})

	assert.Equal(t, 2, c.Drain())
	require.Len(t, seen, 2)
	assert.NotNil(t, seen[0].Layer(layers.LayerTypeICMPv4))
	tcp, ok := seen[1].Layer(layers.LayerTypeTCP).(*layers.TCP)
	require.True(t, ok)
	assert.Equal(t, uint32(77), tcp.Seq)
	assert.Zero(t, c.Drain())
}

func TestConsumer_RunStopsOnCancel(t *testing.T) {
	s := NewSocket(0, 4)
	consumed := make(chan struct{}, 1)
	c := NewConsumer(s, func(uint32, gopacket.Packet) { consumed <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.NoError(t, s.Deliver(testutil.ICMPFrame(t)))
	select {
	case <-consumed:
	case <-time.After(time.Second):
		t.Fatal("frame not consumed")
	}

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestLogFrame_DoesNotPanicOnGarbage(t *testing.T) {
	pkt := gopacket.NewPacket([]byte{1, 2, 3}, layers.LayerTypeEthernet, gopacket.Default)
	assert.NotPanics(t, func() { LogFrame(0, pkt) })
}

func TestXSKOptions_Validate(t *testing.T) {
	require.NoError(t, DefaultXSKOptions().Validate())

	for _, tc := range []struct {
		name   string
		mutate func(*XSKOptions)
	}{
		{"ring not power of two", func(o *XSKOptions) { o.RingSize = 1000 }},
		{"zero ring", func(o *XSKOptions) { o.RingSize = 0 }},
		{"umem smaller than two rings", func(o *XSKOptions) { o.NumFrames = o.RingSize }},
		{"small frame", func(o *XSKOptions) { o.FrameSize = 1024 }},
		{"odd frame", func(o *XSKOptions) { o.FrameSize = 3000 }},
		{"no timeout", func(o *XSKOptions) { o.PollTimeout = 0 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			o := DefaultXSKOptions()
			tc.mutate(&o)
			assert.Error(t, o.Validate())
		})
	}
}

func TestXSKOptions_FillAddrs(t *testing.T) {
	o := XSKOptions{NumFrames: 16, FrameSize: 4096, RingSize: 4, PollTimeout: time.Millisecond}
	assert.Equal(t, []uint64{0, 4096, 8192, 12288}, o.fillAddrs())
}

func TestCopyFrame(t *testing.T) {
	umem := []byte{1, 2, 3}
	frame := copyFrame(umem)
	umem[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, frame)
}
