package main

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SkynetNext/xsk-fastpath/internal/config"
	"github.com/SkynetNext/xsk-fastpath/internal/controlplane"
	"github.com/SkynetNext/xsk-fastpath/internal/testutil"
	"github.com/SkynetNext/xsk-fastpath/pkg/classifier"
	"github.com/SkynetNext/xsk-fastpath/pkg/ebpf"
)

type fakeKernel struct {
	mu        sync.Mutex
	sockets   map[uint32]int
	attachErr error
	attached  bool
	closed    int
}

func (k *fakeKernel) RegisterSocket(queue uint32, fd int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.sockets[queue] = fd
	return nil
}

func (k *fakeKernel) UnregisterSocket(queue uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.sockets, queue)
	return nil
}

func (k *fakeKernel) SetQueueStatus(queue, value uint32) error { return nil }

func (k *fakeKernel) IsEnabled() bool { return true }

func (k *fakeKernel) AttachToInterface(ifaceName, xdpMode string) error {
	if k.attachErr != nil {
		return k.attachErr
	}
	k.attached = true
	return nil
}

func (k *fakeKernel) Detach() error {
	k.attached = false
	return nil
}

func (k *fakeKernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closed++
	return nil
}

func (k *fakeKernel) registered(queue uint32) (int, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	fd, ok := k.sockets[queue]
	return fd, ok
}

// fakeSocket hands its frames to the control plane once, then idles.
type fakeSocket struct {
	fd     int
	frames [][]byte
	closed bool
}

func (s *fakeSocket) FD() int { return s.fd }

func (s *fakeSocket) Run(ctx context.Context, deliver func([]byte)) error {
	for _, f := range s.frames {
		deliver(f)
	}
	<-ctx.Done()
	return nil
}

func (s *fakeSocket) Close() error {
	s.closed = true
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Metrics.Enabled = false
	cfg.Lifecycle.DrainDelay = 0
	cfg.Interface.Name = "test0"
	cfg.FastPath.Queues = []uint32{0}
	return cfg
}

func newTestDaemon(t *testing.T, cfg *config.Config, k *fakeKernel, frames ...[]byte) (*daemon, map[uint32]*fakeSocket) {
	t.Helper()
	socks := make(map[uint32]*fakeSocket)
	d := newDaemon(cfg, "")
	d.newKernel = func(classifier.ListenerCheck) (kernelProgram, error) { return k, nil }
	d.openSocket = func(queue uint32) (controlplane.QueueSocket, error) {
		s := &fakeSocket{fd: 100 + int(queue), frames: frames}
		socks[queue] = s
		return s, nil
	}
	d.register()
	return d, socks
}

func TestDaemon_KernelSocketFeedsDriver(t *testing.T) {
	k := &fakeKernel{sockets: make(map[uint32]int)}
	d, socks := newTestDaemon(t, testConfig(), k, testutil.ICMPFrame(t))

	require.NoError(t, d.server.Start(context.Background()))

	fd, ok := k.registered(0)
	require.True(t, ok)
	assert.Equal(t, 100, fd)
	assert.True(t, k.attached)

	assert.Eventually(t, func() bool {
		return d.cp.Driver().Stats().FastPath == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, d.server.GracefulShutdown(time.Second))
	assert.False(t, k.attached)
	assert.True(t, socks[0].closed)
	_, ok = k.registered(0)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, k.closed, 1)
}

func TestDaemon_AttachFailureReleasesProgram(t *testing.T) {
	k := &fakeKernel{
		sockets:   make(map[uint32]int),
		attachErr: fmt.Errorf("attaching literal-mode XDP to test0: %w: [1]", ebpf.ErrQueuesUncovered),
	}
	d, socks := newTestDaemon(t, testConfig(), k)

	err := d.server.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ebpf.ErrQueuesUncovered)
	assert.Contains(t, err.Error(), "listener_check: corrected")

	assert.GreaterOrEqual(t, k.closed, 1)
	assert.False(t, k.attached)
	assert.True(t, socks[0].closed)
}

func TestDaemon_NoInterfaceRunsInProcess(t *testing.T) {
	cfg := testConfig()
	cfg.Interface.Name = ""
	k := &fakeKernel{sockets: make(map[uint32]int)}
	d, socks := newTestDaemon(t, cfg, k)

	require.NoError(t, d.server.Start(context.Background()))
	t.Cleanup(func() { d.server.GracefulShutdown(time.Second) })

	assert.Empty(t, socks)
	assert.True(t, d.cp.Tables().Redirect.HasListener(0))
	assert.False(t, d.cp.KernelEnabled())
}

func TestDaemon_RoutesLoadAndReload(t *testing.T) {
	cfg := testConfig()
	cfg.Interface.Name = ""
	cfg.Routes.Static = []config.RouteConfig{
		{Destination: "10.0.0.0/8", NextHop: "192.168.0.1"},
		{Destination: "10.1.0.0/16", NextHop: "192.168.0.1"},
	}
	d, _ := newTestDaemon(t, cfg, &fakeKernel{sockets: make(map[uint32]int)})
	require.NoError(t, d.server.Start(context.Background()))
	t.Cleanup(func() { d.server.GracefulShutdown(time.Second) })

	// same next hop: folded into 10.0.0.0/8
	require.Equal(t, 1, d.routes.Len())

	next := testConfig()
	next.Interface.Name = ""
	next.Routes.Merge = false
	next.Routes.Static = []config.RouteConfig{{Destination: "172.16.0.0/12", NextHop: "192.168.0.2"}}
	d.reload(context.Background(), next)

	require.Equal(t, 1, d.routes.Len())
	r, ok := d.routes.Lookup(netip.MustParseAddr("172.16.5.5"))
	require.True(t, ok)
	assert.Equal(t, "192.168.0.2", r.NextHop.String())
	assert.True(t, d.routesCfg.Merge)
}
