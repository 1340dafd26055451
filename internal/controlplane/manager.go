// Package controlplane owns the classifier tables and is their only writer.
// It keeps the in-process fast path, the optional kernel program and the
// configuration sources in step.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/SkynetNext/xsk-fastpath/internal/config"
	"github.com/SkynetNext/xsk-fastpath/internal/driver"
	"github.com/SkynetNext/xsk-fastpath/internal/fastpath"
	"github.com/SkynetNext/xsk-fastpath/internal/metrics"
	"github.com/SkynetNext/xsk-fastpath/internal/observability"
	"github.com/SkynetNext/xsk-fastpath/pkg/classifier"
	"github.com/SkynetNext/xsk-fastpath/pkg/xlog"
)

// KernelBackend is the kernel rendition of the tables. *ebpf.XDPManager
// implements it.
type KernelBackend interface {
	RegisterSocket(queue uint32, fd int) error
	UnregisterSocket(queue uint32) error
	SetQueueStatus(queue, value uint32) error
	IsEnabled() bool
	Close() error
}

// KernelStatusReader is implemented by backends that can read back the
// kernel status table.
type KernelStatusReader interface {
	QueueStatus(queue uint32) (uint32, error)
}

// QueueSocket is a kernel socket bound to one receive queue. *fastpath.XSK
// implements it.
type QueueSocket interface {
	FD() int
	Run(ctx context.Context, deliver func(frame []byte)) error
	Close() error
}

// SocketOpener opens the kernel socket for queue.
type SocketOpener func(queue uint32) (QueueSocket, error)

// QueueError reports a control-plane operation that failed for one queue.
type QueueError struct {
	Queue uint32
	Op    string
	Err   error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("%s queue %d: %v", e.Op, e.Queue, e.Err)
}

func (e *QueueError) Unwrap() error { return e.Err }

// Options configures a Manager.
type Options struct {
	ListenerCheck classifier.ListenerCheck
	RingSize      int
	TraceRate     float64
	TraceBurst    int
	// Kernel is optional; nil runs the in-process fast path only.
	Kernel KernelBackend
	// Store is optional; nil disables Redis hot reload.
	Store *config.RedisStore
	// OpenSocket is used by Attach while Kernel is enabled: the socket's FD
	// goes into the kernel redirect table and its frames into Receive.
	OpenSocket SocketOpener
	// FrameHandler receives frames drained from fast-path sockets. Nil logs
	// them at debug level.
	FrameHandler fastpath.Handler
}

// QueueInfo describes one queue that has a listener or a non-zero status.
type QueueInfo struct {
	Queue    uint32                `json:"queue"`
	Listener bool                  `json:"listener"`
	Status   uint32                `json:"status"`
	Socket   *fastpath.SocketStats `json:"socket,omitempty"`
	// Kernel is set for queues that have a kernel socket.
	Kernel *KernelQueueInfo `json:"kernel,omitempty"`
}

// KernelQueueInfo is the kernel side of one queue.
type KernelQueueInfo struct {
	Registered bool   `json:"registered"`
	Status     uint32 `json:"status"`
}

// attachment is one attached queue.
type attachment struct {
	cancel     context.CancelFunc
	ksock      QueueSocket
	registered bool
	done       chan struct{} // closed when the kernel socket loop exits
}

// Manager owns the redirect and status tables.
type Manager struct {
	table  classifier.RedirectTable
	status classifier.StatusTable

	pool    *fastpath.Pool
	drv     *driver.Driver
	trace   classifier.TraceFunc
	kernel  KernelBackend
	open    SocketOpener
	store   *config.RedisStore
	handler fastpath.Handler

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	attached map[uint32]*attachment
	wg       sync.WaitGroup
	closed   bool

	// what the last ApplyConfig named
	cfgMu     sync.Mutex
	cfgQueues map[uint32]struct{}
	cfgStatus map[uint32]struct{}
}

// NewManager returns a manager with empty tables.
func NewManager(opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		kernel:   opts.Kernel,
		open:     opts.OpenSocket,
		store:    opts.Store,
		handler:  opts.FrameHandler,
		trace:    NewListenerTracer(opts.TraceRate, opts.TraceBurst),
		ctx:      ctx,
		cancel:   cancel,
		attached: make(map[uint32]*attachment),
	}
	m.pool = fastpath.NewPool(&m.table, opts.RingSize)
	m.drv = driver.New(m.newClassifier(opts.ListenerCheck),
		classifier.Tables{Redirect: &m.table, Status: &m.status})
	return m
}

func (m *Manager) newClassifier(mode classifier.ListenerCheck) *classifier.Classifier {
	return classifier.New(classifier.Options{ListenerCheck: mode, Trace: m.trace})
}

// Start applies cfg and, when a Redis store is configured, loads its
// snapshot and follows its updates.
func (m *Manager) Start(ctx context.Context, cfg *config.Config) error {
	if err := m.ApplyConfig(ctx, cfg); err != nil {
		return err
	}
	if m.store == nil {
		return nil
	}

	snap, err := m.store.LoadQueueSnapshot()
	metrics.RecordConfigReload("redis", err)
	if err != nil {
		xlog.Warnf("Failed to load queue config from Redis: %v (using local config)", err)
	} else if err := m.ApplySnapshot(ctx, snap); err != nil {
		xlog.Warnf("Failed to apply queue config from Redis: %v", err)
	} else {
		xlog.Infof("Loaded queue configuration from Redis (READ-ONLY)")
	}

	m.wg.Add(1)
	go m.consumeRedisUpdates()
	return nil
}

func (m *Manager) consumeRedisUpdates() {
	defer m.wg.Done()
	ch := m.store.Updates()
	if ch == nil {
		return
	}
	for {
		select {
		case <-m.ctx.Done():
			return
		case update, ok := <-ch:
			if !ok {
				return
			}
			xlog.Infof("Received config update from Redis: type=%s", update.Type)
			// Reload the whole snapshot on any change
			snap, err := m.store.LoadQueueSnapshot()
			if err == nil {
				err = m.ApplySnapshot(m.ctx, snap)
			}
			metrics.RecordConfigReload("redis", err)
			if err != nil {
				xlog.Warnf("Failed to reload queue config from Redis: %v", err)
			}
		}
	}
}

// Receive classifies one frame received on queue.
func (m *Manager) Receive(queue uint32, frame []byte) classifier.Verdict {
	return m.drv.Receive(queue, frame)
}

// Driver returns the driver bound to the manager's tables.
func (m *Manager) Driver() *driver.Driver {
	return m.drv
}

// Tables returns a read view of the tables.
func (m *Manager) Tables() classifier.Tables {
	return classifier.Tables{Redirect: &m.table, Status: &m.status}
}

// ListenerCheck returns the listener-check mode in effect.
func (m *Manager) ListenerCheck() classifier.ListenerCheck {
	return m.drv.Classifier().Mode()
}

// SetListenerCheck switches the listener-check mode for subsequent frames.
func (m *Manager) SetListenerCheck(mode classifier.ListenerCheck) {
	if m.drv.Classifier().Mode() == mode {
		return
	}
	m.drv.SetClassifier(m.newClassifier(mode))
	xlog.Infof("Listener check mode set to %s", mode)
}

// Attach opens a fast-path socket for queue and starts draining it. With a
// kernel program loaded it also opens the queue's kernel socket, registers
// it and feeds its frames to Receive.
func (m *Manager) Attach(ctx context.Context, queue uint32) (err error) {
	_, span := observability.StartSpan(ctx, "controlplane.attach", attribute.Int64("queue", int64(queue)))
	defer func() { observability.EndSpan(span, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return &QueueError{Queue: queue, Op: "attach", Err: errClosed}
	}
	if _, ok := m.attached[queue]; ok {
		return nil
	}

	sock, err := m.pool.Open(queue)
	if err != nil {
		return &QueueError{Queue: queue, Op: "attach", Err: err}
	}

	a := &attachment{}
	if m.kernelEnabled() && m.open != nil {
		if a.ksock, err = m.open(queue); err != nil {
			m.pool.Close(queue)
			return &QueueError{Queue: queue, Op: "open kernel socket", Err: err}
		}
		if err := m.kernel.RegisterSocket(queue, a.ksock.FD()); err != nil {
			a.ksock.Close()
			m.pool.Close(queue)
			return &QueueError{Queue: queue, Op: "register kernel socket", Err: err}
		}
		a.registered = true
	}

	cctx, cancel := context.WithCancel(m.ctx)
	a.cancel = cancel
	m.attached[queue] = a

	consumer := fastpath.NewConsumer(sock, m.handler)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		consumer.Run(cctx)
	}()

	if a.ksock != nil {
		a.done = make(chan struct{})
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer close(a.done)
			if err := a.ksock.Run(cctx, func(frame []byte) { m.Receive(queue, frame) }); err != nil {
				xlog.Errorf("Kernel socket loop on queue %d stopped: %v", queue, err)
			}
		}()
	}
	return nil
}

// Detach stops the consumer for queue, releases its kernel socket and
// removes its table entries.
func (m *Manager) Detach(ctx context.Context, queue uint32) (err error) {
	_, span := observability.StartSpan(ctx, "controlplane.detach", attribute.Int64("queue", int64(queue)))
	defer func() { observability.EndSpan(span, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detachLocked(queue)
}

func (m *Manager) detachLocked(queue uint32) error {
	var errs []error
	a, ok := m.attached[queue]
	if ok && a.registered {
		if err := m.kernel.UnregisterSocket(queue); err != nil {
			errs = append(errs, err)
		}
		a.registered = false
	}
	if err := m.pool.Close(queue); err != nil {
		errs = append(errs, err)
	}
	if ok {
		a.cancel()
		if a.ksock != nil {
			// The loop reads UMEM until it returns.
			<-a.done
			errs = append(errs, a.ksock.Close())
		}
		delete(m.attached, queue)
	}
	if err := errors.Join(errs...); err != nil {
		return &QueueError{Queue: queue, Op: "detach", Err: err}
	}
	return nil
}

// SetStatus writes the status flags for queue to the status table and, when
// attached, the kernel copy.
func (m *Manager) SetStatus(ctx context.Context, queue, value uint32) (err error) {
	_, span := observability.StartSpan(ctx, "controlplane.set_status",
		attribute.Int64("queue", int64(queue)), attribute.Int64("value", int64(value)))
	defer func() { observability.EndSpan(span, err) }()

	if err := m.status.Set(queue, value); err != nil {
		return &QueueError{Queue: queue, Op: "set status", Err: err}
	}
	if m.kernelEnabled() {
		if err := m.kernel.SetQueueStatus(queue, value); err != nil {
			return &QueueError{Queue: queue, Op: "set kernel status", Err: err}
		}
	}
	return nil
}

// RegisterKernelSocket puts the kernel socket of an attached queue back into
// the kernel redirect table.
func (m *Manager) RegisterKernelSocket(ctx context.Context, queue uint32) (err error) {
	_, span := observability.StartSpan(ctx, "controlplane.register_kernel_socket",
		attribute.Int64("queue", int64(queue)))
	defer func() { observability.EndSpan(span, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.kernelAttachmentLocked(queue, "register kernel socket")
	if err != nil {
		return err
	}
	if err := m.kernel.RegisterSocket(queue, a.ksock.FD()); err != nil {
		return &QueueError{Queue: queue, Op: "register kernel socket", Err: err}
	}
	a.registered = true
	return nil
}

// UnregisterKernelSocket takes the kernel socket of queue out of the kernel
// redirect table while leaving the queue attached.
func (m *Manager) UnregisterKernelSocket(ctx context.Context, queue uint32) (err error) {
	_, span := observability.StartSpan(ctx, "controlplane.unregister_kernel_socket",
		attribute.Int64("queue", int64(queue)))
	defer func() { observability.EndSpan(span, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.kernelAttachmentLocked(queue, "unregister kernel socket")
	if err != nil {
		return err
	}
	if err := m.kernel.UnregisterSocket(queue); err != nil {
		return &QueueError{Queue: queue, Op: "unregister kernel socket", Err: err}
	}
	a.registered = false
	if m.ListenerCheck() == classifier.ListenerCheckLiteral {
		xlog.Warnf("Queue %d has no kernel socket under literal listener check: the kernel program drops every frame on it", queue)
	}
	return nil
}

func (m *Manager) kernelAttachmentLocked(queue uint32, op string) (*attachment, error) {
	if !m.kernelEnabled() {
		return nil, &QueueError{Queue: queue, Op: op, Err: ErrKernelDisabled}
	}
	if queue >= classifier.MaxQueues {
		return nil, &QueueError{Queue: queue, Op: op, Err: classifier.ErrQueueOutOfRange}
	}
	a, ok := m.attached[queue]
	if !ok || a.ksock == nil {
		return nil, &QueueError{Queue: queue, Op: op, Err: ErrNotAttached}
	}
	return a, nil
}

func (m *Manager) kernelEnabled() bool {
	return m.kernel != nil && m.kernel.IsEnabled()
}

// KernelEnabled reports whether a kernel program backs the tables.
func (m *Manager) KernelEnabled() bool {
	return m.kernelEnabled()
}

// Queues returns every queue with a listener or a non-zero status.
func (m *Manager) Queues() []QueueInfo {
	status := m.status.Snapshot()
	kernel := m.kernelQueues()
	socks := make(map[uint32]fastpath.SocketStats)
	for _, s := range m.pool.Stats() {
		socks[s.Queue] = s
	}

	var out []QueueInfo
	for q := uint32(0); q < classifier.MaxQueues; q++ {
		listener := m.table.HasListener(q)
		if !listener && status[q] == 0 {
			continue
		}
		info := QueueInfo{Queue: q, Listener: listener, Status: status[q]}
		if s, ok := socks[q]; ok {
			info.Socket = &s
		}
		if k, ok := kernel[q]; ok {
			info.Kernel = &k
		}
		out = append(out, info)
	}
	return out
}

// kernelQueues reads the kernel side of every queue with a kernel socket.
func (m *Manager) kernelQueues() map[uint32]KernelQueueInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.kernelEnabled() {
		return nil
	}
	reader, _ := m.kernel.(KernelStatusReader)
	out := make(map[uint32]KernelQueueInfo)
	for q, a := range m.attached {
		if a.ksock == nil {
			continue
		}
		info := KernelQueueInfo{Registered: a.registered}
		if reader != nil {
			v, err := reader.QueueStatus(q)
			if err != nil {
				xlog.Warnf("Failed to read kernel status for queue %d: %v", q, err)
			}
			info.Status = v
		}
		out[q] = info
	}
	return out
}

// ApplyConfig applies the classifier and fast-path sections of cfg. Queues
// and status entries named by the previous ApplyConfig and dropped from cfg
// are detached and reset to zero; an empty queue list otherwise leaves
// queues attached by other sources alone.
func (m *Manager) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	ctx, span := observability.StartSpan(ctx, "controlplane.apply_config")
	var errs []error
	defer func() { observability.EndSpan(span, errors.Join(errs...)) }()

	m.SetListenerCheck(cfg.ListenerCheck())

	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()

	for q := range m.cfgStatus {
		if _, ok := cfg.FastPath.QueueStatus[q]; !ok {
			if err := m.SetStatus(ctx, q, 0); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for q, v := range cfg.FastPath.QueueStatus {
		if err := m.SetStatus(ctx, q, v); err != nil {
			errs = append(errs, err)
		}
	}

	if len(cfg.FastPath.Queues) > 0 {
		errs = append(errs, m.reconcile(ctx, cfg.FastPath.Queues))
	} else {
		for q := range m.cfgQueues {
			if err := m.Detach(ctx, q); err != nil {
				errs = append(errs, err)
			}
		}
	}

	m.cfgStatus = make(map[uint32]struct{}, len(cfg.FastPath.QueueStatus))
	for q := range cfg.FastPath.QueueStatus {
		m.cfgStatus[q] = struct{}{}
	}
	m.cfgQueues = make(map[uint32]struct{}, len(cfg.FastPath.Queues))
	for _, q := range cfg.FastPath.Queues {
		m.cfgQueues[q] = struct{}{}
	}
	return errors.Join(errs...)
}

// ApplySnapshot applies a Redis queue snapshot. An empty fast-path set
// leaves the attached queues unchanged, and status entries missing from the
// snapshot keep their value.
func (m *Manager) ApplySnapshot(ctx context.Context, snap *config.QueueSnapshot) error {
	if snap == nil {
		return nil
	}
	ctx, span := observability.StartSpan(ctx, "controlplane.apply_snapshot")
	var errs []error
	defer func() { observability.EndSpan(span, errors.Join(errs...)) }()

	if snap.ListenerCheck != "" {
		mode, err := classifier.ParseListenerCheck(snap.ListenerCheck)
		if err != nil {
			errs = append(errs, err)
		} else {
			m.SetListenerCheck(mode)
		}
	}
	for q, v := range snap.Status {
		if err := m.SetStatus(ctx, q, v); err != nil {
			errs = append(errs, err)
		}
	}
	if len(snap.FastPath) > 0 {
		errs = append(errs, m.reconcile(ctx, snap.FastPath))
	}
	return errors.Join(errs...)
}

// reconcile attaches every queue in want and detaches the rest.
func (m *Manager) reconcile(ctx context.Context, want []uint32) error {
	keep := make(map[uint32]bool, len(want))
	var errs []error
	for _, q := range want {
		keep[q] = true
		if err := m.Attach(ctx, q); err != nil {
			errs = append(errs, err)
		}
	}
	for _, q := range m.table.Queues() {
		if !keep[q] {
			if err := m.Detach(ctx, q); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Close stops every consumer, closes every socket and releases the kernel
// program.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var errs []error
	for q := range m.attached {
		if err := m.detachLocked(q); err != nil {
			errs = append(errs, err)
		}
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	if m.kernel != nil {
		errs = append(errs, m.kernel.Close())
	}
	return errors.Join(errs...)
}
