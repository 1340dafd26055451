package classifier_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SkynetNext/xsk-fastpath/internal/testutil"
	"github.com/SkynetNext/xsk-fastpath/pkg/classifier"
)

// fakeRedirector records every redirect and lets tests choose which queues
// have listeners and what the redirect reports.
type fakeRedirector struct {
	mu        sync.Mutex
	listeners map[uint32]bool
	err       error
	calls     []uint32
	frames    [][]byte
}

func newFakeRedirector(queues ...uint32) *fakeRedirector {
	f := &fakeRedirector{listeners: make(map[uint32]bool)}
	for _, q := range queues {
		f.listeners[q] = true
	}
	return f
}

func (f *fakeRedirector) HasListener(queue uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listeners[queue]
}

func (f *fakeRedirector) Redirect(queue uint32, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, queue)
	f.frames = append(f.frames, frame)
	return f.err
}

func tablesFor(r classifier.Redirector) classifier.Tables {
	return classifier.Tables{Redirect: r, Status: &classifier.StatusTable{}}
}

// sink counts deliveries without retaining frames.
type sink struct {
	n   int
	err error
}

func (s *sink) Deliver([]byte) error {
	s.n++
	return s.err
}

func TestClassify_EthernetOnlyFrameDrops(t *testing.T) {
	r := newFakeRedirector(0)
	frame := testutil.ICMPFrame(t)[:classifier.EthernetMinimumSize]

	v := classifier.Classify(0, frame, tablesFor(r))

	assert.Equal(t, classifier.ActionDrop, v.Action)
	assert.Equal(t, classifier.ReasonShortIPv4, v.Reason)
	assert.False(t, v.Redirected)
	assert.Empty(t, r.calls)
}

func TestClassify_ShorterThanEthernetDrops(t *testing.T) {
	r := newFakeRedirector(1)
	full := testutil.ICMPFrame(t)
	for n := 0; n < classifier.EthernetMinimumSize; n++ {
		v := classifier.Classify(1, full[:n:n], tablesFor(r))
		assert.Equal(t, classifier.ActionDrop, v.Action, "len=%d", n)
		assert.Equal(t, classifier.ReasonShortEthernet, v.Reason, "len=%d", n)
	}
	assert.Empty(t, r.calls)
}

func TestClassify_ICMPWithListenerIsFastPathed(t *testing.T) {
	var table classifier.RedirectTable
	s := &sink{}
	require.NoError(t, table.Insert(3, s))

	frame := testutil.ICMPFrame(t)
	v := classifier.Classify(3, frame, classifier.Tables{Redirect: &table})

	assert.Equal(t, classifier.ActionFastPath, v.Action)
	assert.Equal(t, uint32(3), v.Queue)
	assert.Equal(t, classifier.ReasonICMP, v.Reason)
	assert.True(t, v.Redirected)
	assert.NoError(t, v.Err)
	assert.Equal(t, 1, s.n)
	assert.Equal(t, classifier.XDPRedirect, v.XDPCode())
}

func TestClassify_RedirectIsZeroCopy(t *testing.T) {
	r := newFakeRedirector(2)
	frame := testutil.ICMPFrame(t)

	classifier.Classify(2, frame, tablesFor(r))

	require.Len(t, r.frames, 1)
	assert.Same(t, &frame[0], &r.frames[0][0])
	assert.Len(t, r.frames[0], len(frame))
}

// A queue with no listener triggers a redirect attempt to that same queue
// before any parsing, whatever the frame holds.
func TestClassify_NoListenerAttemptsRedirect(t *testing.T) {
	frames := map[string][]byte{
		"icmp":  testutil.ICMPFrame(t),
		"tcp":   testutil.TCPFrame(t, 1),
		"ipv6":  testutil.IPv6Frame(t),
		"short": {0xde, 0xad},
		"empty": {},
	}
	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			r := newFakeRedirector()
			r.err = classifier.ErrNoListener

			v := classifier.Classify(3, frame, tablesFor(r))

			assert.Equal(t, []uint32{3}, r.calls)
			assert.True(t, v.Redirected)
			assert.Equal(t, uint32(3), v.Queue)
			assert.Equal(t, classifier.ReasonNoListener, v.Reason)
			assert.ErrorIs(t, v.Err, classifier.ErrNoListener)
			assert.Equal(t, classifier.ActionDrop, v.Action)
			assert.Equal(t, classifier.XDPAborted, v.XDPCode())
		})
	}
}

func TestClassify_NoListenerReportsRedirectResult(t *testing.T) {
	// A listener can attach between the existence check and the redirect;
	// the verdict is whatever the redirect reports.
	r := newFakeRedirector()

	v := classifier.Classify(5, testutil.TCPFrame(t, 9), tablesFor(r))

	assert.Equal(t, classifier.ActionFastPath, v.Action)
	assert.Equal(t, []uint32{5}, r.calls)
	assert.NoError(t, v.Err)
}

func TestClassify_NoListenerWithRedirectTable(t *testing.T) {
	var table classifier.RedirectTable

	v := classifier.Classify(3, testutil.ICMPFrame(t), classifier.Tables{Redirect: &table})

	assert.True(t, v.Redirected)
	assert.ErrorIs(t, v.Err, classifier.ErrNoListener)
	assert.Equal(t, classifier.ActionDrop, v.Action)
}

func TestClassify_QueueOutOfRangeIsNoEntry(t *testing.T) {
	var table classifier.RedirectTable

	v := classifier.Classify(classifier.MaxQueues, testutil.ICMPFrame(t), classifier.Tables{Redirect: &table})

	assert.Equal(t, classifier.ReasonNoListener, v.Reason)
	assert.ErrorIs(t, v.Err, classifier.ErrQueueOutOfRange)
	assert.Equal(t, classifier.ActionDrop, v.Action)
}

func TestClassify_NonICMPContinues(t *testing.T) {
	frames := map[string][]byte{
		"tcp": testutil.TCPFrame(t, 42),
		"udp": testutil.UDPFrame(t),
	}
	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			r := newFakeRedirector(0)

			v := classifier.Classify(0, frame, tablesFor(r))

			assert.Equal(t, classifier.ActionPass, v.Action)
			assert.Equal(t, classifier.ReasonNotICMP, v.Reason)
			assert.False(t, v.Redirected)
			assert.Empty(t, r.calls)
			assert.Equal(t, classifier.XDPPass, v.XDPCode())
		})
	}
}

func TestClassify_NonIPv4Continues(t *testing.T) {
	frames := map[string][]byte{
		"ipv6": testutil.IPv6Frame(t),
		"arp":  testutil.ARPFrame(t),
	}
	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			r := newFakeRedirector(4)

			v := classifier.Classify(4, frame, tablesFor(r))

			assert.Equal(t, classifier.ActionPass, v.Action)
			assert.Equal(t, classifier.ReasonNotIPv4, v.Reason)
			assert.Empty(t, r.calls)
		})
	}
}

func TestClassify_IPOptionsContinue(t *testing.T) {
	frames := map[string][]byte{
		"icmp": testutil.WithIPOptions(t, testutil.ICMPFrame(t)),
		"tcp":  testutil.WithIPOptions(t, testutil.TCPFrame(t, 1)),
		"udp":  testutil.WithIPOptions(t, testutil.UDPFrame(t)),
	}
	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			r := newFakeRedirector(6)
			require.Equal(t, uint8(6), classifier.IPv4(frame[14:]).IHL())

			v := classifier.Classify(6, frame, tablesFor(r))

			assert.Equal(t, classifier.ActionPass, v.Action)
			assert.Equal(t, classifier.ReasonIPOptions, v.Reason)
			assert.Empty(t, r.calls)
		})
	}
}

func TestClassify_AnyIHLOtherThanFiveContinues(t *testing.T) {
	base := testutil.ICMPFrame(t)
	for ihl := byte(0); ihl < 16; ihl++ {
		if ihl == classifier.IPv4MinimumIHL {
			continue
		}
		frame := append([]byte(nil), base...)
		frame[14] = 0x40 | ihl
		r := newFakeRedirector(0)

		v := classifier.Classify(0, frame, tablesFor(r))

		assert.Equal(t, classifier.ActionPass, v.Action, "ihl=%d", ihl)
		assert.Empty(t, r.calls, "ihl=%d", ihl)
	}
}

// Every truncation of a valid ICMP frame is classified without reading past
// the slice; each prefix is capped so an overread would panic.
func TestClassify_Truncations(t *testing.T) {
	full := testutil.ICMPFrame(t)
	const ipEnd = classifier.EthernetMinimumSize + classifier.IPv4MinimumSize

	for n := 0; n <= len(full); n++ {
		r := newFakeRedirector(1)
		frame := append([]byte(nil), full[:n]...)
		frame = frame[:n:n]

		var v classifier.Verdict
		require.NotPanics(t, func() { v = classifier.Classify(1, frame, tablesFor(r)) }, "len=%d", n)

		switch {
		case n < classifier.EthernetMinimumSize:
			assert.Equal(t, classifier.ActionDrop, v.Action, "len=%d", n)
			assert.Equal(t, classifier.ReasonShortEthernet, v.Reason, "len=%d", n)
		case n < ipEnd:
			assert.Equal(t, classifier.ActionDrop, v.Action, "len=%d", n)
			assert.Equal(t, classifier.ReasonShortIPv4, v.Reason, "len=%d", n)
		default:
			assert.Equal(t, classifier.ActionFastPath, v.Action, "len=%d", n)
			require.Len(t, r.frames, 1)
			assert.Len(t, r.frames[0], n)
		}
	}
}

func TestClassify_CorrectedListenerCheck(t *testing.T) {
	c := classifier.New(classifier.Options{ListenerCheck: classifier.ListenerCheckCorrected})
	assert.Equal(t, classifier.ListenerCheckCorrected, c.Mode())

	t.Run("no listener passes without redirect", func(t *testing.T) {
		r := newFakeRedirector()
		v := c.Classify(3, testutil.ICMPFrame(t), tablesFor(r))
		assert.Equal(t, classifier.ActionPass, v.Action)
		assert.Equal(t, classifier.ReasonNoListener, v.Reason)
		assert.False(t, v.Redirected)
		assert.Empty(t, r.calls)
	})

	t.Run("listener keeps the decision tree", func(t *testing.T) {
		r := newFakeRedirector(3)
		assert.Equal(t, classifier.ActionFastPath, c.Classify(3, testutil.ICMPFrame(t), tablesFor(r)).Action)
		assert.Equal(t, classifier.ActionPass, c.Classify(3, testutil.TCPFrame(t, 1), tablesFor(r)).Action)
		assert.Equal(t, classifier.ActionDrop, c.Classify(3, make([]byte, 3), tablesFor(r)).Action)
	})
}

func TestClassify_TraceOnlyOnNoListenerBranch(t *testing.T) {
	var traced []uint32
	var tracedErr error
	c := classifier.New(classifier.Options{Trace: func(queue uint32, err error) {
		traced = append(traced, queue)
		tracedErr = err
	}})

	withListener := newFakeRedirector(1)
	c.Classify(1, testutil.ICMPFrame(t), tablesFor(withListener))
	c.Classify(1, testutil.TCPFrame(t, 1), tablesFor(withListener))
	assert.Empty(t, traced)

	without := newFakeRedirector()
	without.err = classifier.ErrNoListener
	c.Classify(9, testutil.ICMPFrame(t), tablesFor(without))
	assert.Equal(t, []uint32{9}, traced)
	assert.ErrorIs(t, tracedErr, classifier.ErrNoListener)
}

func TestClassify_RedirectFailurePropagates(t *testing.T) {
	errFull := errors.New("ring full")
	var table classifier.RedirectTable
	require.NoError(t, table.Insert(0, &sink{err: errFull}))

	v := classifier.Classify(0, testutil.ICMPFrame(t), classifier.Tables{Redirect: &table})

	assert.Equal(t, classifier.ActionDrop, v.Action)
	assert.True(t, v.Redirected)
	assert.ErrorIs(t, v.Err, errFull)
}

func TestClassify_StatusTableNotConsulted(t *testing.T) {
	r := newFakeRedirector(2)
	status := &classifier.StatusTable{}
	frame := testutil.ICMPFrame(t)

	before := classifier.Classify(2, frame, classifier.Tables{Redirect: r, Status: status})
	require.NoError(t, status.Set(2, 1))
	after := classifier.Classify(2, frame, classifier.Tables{Redirect: r, Status: status})

	assert.Equal(t, before.Action, after.Action)
	assert.Equal(t, before.Reason, after.Reason)
}

func TestClassify_DoesNotAllocate(t *testing.T) {
	var table classifier.RedirectTable
	require.NoError(t, table.Insert(0, &sink{}))
	tables := classifier.Tables{Redirect: &table}
	icmp := testutil.ICMPFrame(t)
	tcp := testutil.TCPFrame(t, 1)
	short := icmp[:20]

	allocs := testing.AllocsPerRun(100, func() {
		classifier.Classify(0, icmp, tables)
		classifier.Classify(0, tcp, tables)
		classifier.Classify(0, short, tables)
	})
	assert.Zero(t, allocs)
}

func TestClassify_ConcurrentWithControlPlane(t *testing.T) {
	var table classifier.RedirectTable
	tables := classifier.Tables{Redirect: &table}
	frame := testutil.ICMPFrame(t)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				_ = table.Insert(uint32(i%4), &sink{})
			} else {
				_ = table.Remove(uint32(i % 4))
			}
		}
	}()

	var readers sync.WaitGroup
	for q := uint32(0); q < 4; q++ {
		readers.Add(1)
		go func(q uint32) {
			defer readers.Done()
			for i := 0; i < 1000; i++ {
				v := classifier.Classify(q, frame, tables)
				assert.True(t, v.Redirected)
				assert.Contains(t, []classifier.Action{classifier.ActionFastPath, classifier.ActionDrop}, v.Action)
			}
		}(q)
	}
	readers.Wait()
	close(stop)
	wg.Wait()
}

func TestParseListenerCheck(t *testing.T) {
	m, err := classifier.ParseListenerCheck("corrected")
	require.NoError(t, err)
	assert.Equal(t, classifier.ListenerCheckCorrected, m)
	assert.Equal(t, "corrected", m.String())

	m, err = classifier.ParseListenerCheck("")
	require.NoError(t, err)
	assert.Equal(t, classifier.ListenerCheckLiteral, m)

	_, err = classifier.ParseListenerCheck("inverted")
	assert.Error(t, err)
}
