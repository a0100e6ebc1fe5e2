package activation

import (
	"context"
	"sync"
	"time"

	"github.com/straja-ai/triage/internal/redact"
)

// Sink consumes activation events (file, webhook, nats, redis stream).
type Sink interface {
	Name() string
	Deliver(context.Context, *Event) error
	Close(context.Context) error
}

// Metrics holds delivery counters.
type Metrics struct {
	enqueued uint64
	dropped  uint64

	byKind      map[Kind]uint64
	sinkSuccess map[string]uint64
	sinkFailure map[string]uint64
}

func (m *Metrics) Enqueued() uint64 { return m.enqueued }
func (m *Metrics) Dropped() uint64  { return m.dropped }

// Emitted reports how many events of a kind were accepted.
func (m *Metrics) Emitted(kind Kind) uint64 {
	if m == nil {
		return 0
	}
	return m.byKind[kind]
}

func (m *Metrics) SinkSuccess(name string) uint64 {
	if m == nil {
		return 0
	}
	return m.sinkSuccess[name]
}

func (m *Metrics) SinkFailure(name string) uint64 {
	if m == nil {
		return 0
	}
	return m.sinkFailure[name]
}

func (m *Metrics) clone() Metrics {
	out := Metrics{
		enqueued:    m.enqueued,
		dropped:     m.dropped,
		byKind:      make(map[Kind]uint64, len(m.byKind)),
		sinkSuccess: make(map[string]uint64, len(m.sinkSuccess)),
		sinkFailure: make(map[string]uint64, len(m.sinkFailure)),
	}
	for k, v := range m.byKind {
		out.byKind[k] = v
	}
	for k, v := range m.sinkSuccess {
		out.sinkSuccess[k] = v
	}
	for k, v := range m.sinkFailure {
		out.sinkFailure[k] = v
	}
	return out
}

// EmitterConfig controls worker and queue sizing.
type EmitterConfig struct {
	QueueSize       int
	Workers         int
	ShutdownTimeout time.Duration
	// DeliveryTimeout bounds a single sink delivery.
	DeliveryTimeout time.Duration
}

// Emitter buffers events and fans them out to sinks on background workers,
// so a slow sink never holds up a patient turn.
type Emitter struct {
	queue           chan *Event
	sinks           []Sink
	shutdownTimeout time.Duration
	deliveryTimeout time.Duration

	mu        sync.RWMutex
	closed    bool
	wg        sync.WaitGroup
	metricsMu sync.Mutex
	metrics   Metrics
}

func NewEmitter(cfg EmitterConfig, sinks []Sink) *Emitter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 5 * time.Second
	}

	em := &Emitter{
		queue:           make(chan *Event, cfg.QueueSize),
		sinks:           sinks,
		shutdownTimeout: cfg.ShutdownTimeout,
		deliveryTimeout: cfg.DeliveryTimeout,
		metrics: Metrics{
			byKind:      make(map[Kind]uint64),
			sinkSuccess: make(map[string]uint64, len(sinks)),
			sinkFailure: make(map[string]uint64, len(sinks)),
		},
	}
	for _, s := range sinks {
		em.metrics.sinkSuccess[s.Name()] = 0
		em.metrics.sinkFailure[s.Name()] = 0
	}

	for i := 0; i < cfg.Workers; i++ {
		em.wg.Add(1)
		go em.worker()
	}
	return em
}

// Emit enqueues without blocking. A full queue drops the event; dropped
// manual escalations are logged so an operator still sees them.
func (e *Emitter) Emit(_ context.Context, ev *Event) {
	if e == nil || ev == nil {
		return
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		e.drop(ev)
		return
	}
	select {
	case e.queue <- ev:
		e.metricsMu.Lock()
		e.metrics.enqueued++
		e.metrics.byKind[ev.Kind]++
		e.metricsMu.Unlock()
	default:
		e.drop(ev)
	}
}

func (e *Emitter) drop(ev *Event) {
	e.metricsMu.Lock()
	e.metrics.dropped++
	e.metricsMu.Unlock()
	if ev.Kind == KindManualEscalation {
		redact.Logf("activation: dropped manual escalation room=%s trace_id=%s", ev.Meta.RoomName, ev.TraceID)
		LogEvent(ev)
	}
}

// Close stops accepting events, waits up to the shutdown timeout for the
// queue to drain, then closes every sink.
func (e *Emitter) Close(ctx context.Context) {
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	waitCtx, cancel := context.WithTimeout(ctx, e.shutdownTimeout)
	defer cancel()

	select {
	case <-done:
	case <-waitCtx.Done():
		redact.Logf("activation: shutdown timeout, %d events undelivered", len(e.queue))
	}

	for _, s := range e.sinks {
		if err := s.Close(waitCtx); err != nil {
			redact.Logf("activation: sink %s close error: %v", s.Name(), err)
		}
	}
}

// MetricsSnapshot copies the current counters.
func (e *Emitter) MetricsSnapshot() Metrics {
	if e == nil {
		return Metrics{}
	}
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	return e.metrics.clone()
}

func (e *Emitter) worker() {
	defer e.wg.Done()
	for ev := range e.queue {
		e.deliver(ev)
	}
}

func (e *Emitter) deliver(ev *Event) {
	for _, s := range e.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), e.deliveryTimeout)
		err := s.Deliver(ctx, ev)
		cancel()

		e.metricsMu.Lock()
		if err != nil {
			e.metrics.sinkFailure[s.Name()]++
		} else {
			e.metrics.sinkSuccess[s.Name()]++
		}
		e.metricsMu.Unlock()

		if err != nil {
			redact.Logf("activation: sink %s failed kind=%s: %v", s.Name(), ev.Kind, err)
		}
	}
}
