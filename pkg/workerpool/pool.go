package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Errors returned by Pool's lifecycle and submission methods.
var (
	ErrPoolNotStarted    = errors.New("workerpool: pool not started")
	ErrPoolAlreadyStarted = errors.New("workerpool: pool already started")
	ErrPoolStopped       = errors.New("workerpool: pool stopped")
	ErrQueueFull         = errors.New("workerpool: queue full")
	ErrNilProcessor      = errors.New("workerpool: processor must not be nil")
	ErrStopTimeout       = errors.New("workerpool: workers did not finish before timeout")
)

// Pool is a generic, fixed-size worker pool with a bounded queue and
// non-blocking Submit, used by the adapter layer to dispatch subscriber
// callbacks and report fan-out without blocking the adapter's own event
// loop, per spec §5.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	wg       sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted int64
	processed int64
	failed    int64
	dropped   int64

	metrics *poolMetrics
}

type poolMetrics struct {
	queueDepth     prometheus.Gauge
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	dropped        prometheus.Counter
	processingTime prometheus.Histogram
}

// Option configures a Pool at construction time.
type Option[T any] func(*Pool[T])

// WithMetrics registers Prometheus gauges/counters for this pool under
// name with reg, exposing the queue depth and submitted/processed/
// failed/dropped counters spec §4.4 requires for subscriber drop
// counting ("a counter of dropped reports per subscriber is exposed").
func WithMetrics[T any](reg prometheus.Registerer, name string) Option[T] {
	return func(p *Pool[T]) {
		m := &poolMetrics{
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: name + "_queue_depth",
				Help: "Current worker pool queue depth.",
			}),
			submitted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: name + "_submitted_total",
				Help: "Total work items submitted.",
			}),
			processed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: name + "_processed_total",
				Help: "Total work items processed.",
			}),
			failed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: name + "_failed_total",
				Help: "Total work items that failed processing.",
			}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: name + "_dropped_total",
				Help: "Total work items dropped because the queue was full.",
			}),
			processingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    name + "_processing_duration_seconds",
				Help:    "Time spent processing one work item.",
				Buckets: prometheus.DefBuckets,
			}),
		}
		if reg != nil {
			reg.MustRegister(m.queueDepth, m.submitted, m.processed, m.failed, m.dropped, m.processingTime)
		}
		p.metrics = m
	}
}

// New builds a Pool of the given worker count and queue capacity. A
// nonpositive workers or queueSize falls back to a sane default.
func New[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the pool's worker goroutines. Workers observe ctx and
// exit when it is cancelled, even with items still queued.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.started {
		return ErrPoolAlreadyStarted
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.started = true
	return nil
}

// Submit enqueues work without blocking. If the queue is full, the item
// is dropped and ErrQueueFull is returned; this is the backpressure
// mechanism spec §4.4 requires: "fragments are dropped only for that
// subscriber; other subscribers are unaffected."
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	started, stopped := p.started, p.stopped
	p.lifecycleMu.Unlock()

	if !started {
		return ErrPoolNotStarted
	}
	if stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		atomic.AddInt64(&p.submitted, 1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
		}
		return nil
	default:
		atomic.AddInt64(&p.dropped, 1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Stop closes the work queue and waits up to timeout for in-flight and
// queued work to drain.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			start := time.Now()
			err := p.processor(ctx, work)
			atomic.AddInt64(&p.processed, 1)
			if err != nil {
				atomic.AddInt64(&p.failed, 1)
			}
			if p.metrics != nil {
				p.metrics.processed.Inc()
				p.metrics.processingTime.Observe(time.Since(start).Seconds())
				if err != nil {
					p.metrics.failed.Inc()
				}
				p.metrics.queueDepth.Set(float64(len(p.workChan)))
			}
		}
	}
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Workers    int
	QueueSize  int
	QueueDepth int
	Submitted  int64
	Processed  int64
	Failed     int64
	Dropped    int64
}

// Stats returns a snapshot of the pool's current counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  atomic.LoadInt64(&p.submitted),
		Processed:  atomic.LoadInt64(&p.processed),
		Failed:     atomic.LoadInt64(&p.failed),
		Dropped:    atomic.LoadInt64(&p.dropped),
	}
}
