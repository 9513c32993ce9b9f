package reportpipe

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/iotile/coretools/pkg/model"
	"github.com/iotile/coretools/pkg/workerpool"
)

// DefaultSubscriberQueueSize bounds one subscriber's pending-report
// queue before Dispatch starts dropping for that subscriber only.
const DefaultSubscriberQueueSize = 64

// Key identifies one subscription: a device and the report selector it
// is interested in, per spec §4.4 ("subscribers keyed by (device_id,
// selector)").
type Key struct {
	DeviceID model.DeviceIdentifier
	Selector model.ReportSelector
}

// Deliver is invoked once per report routed to a subscriber. It runs on
// the subscriber's own worker goroutine, never on the Dispatch caller's
// goroutine, so one slow subscriber cannot stall another.
type Deliver func(context.Context, model.Report) error

type subscription struct {
	pool *workerpool.Pool[model.Report]
}

// Demux fans assembled reports out to per-(device, selector) subscribers
// with independent backpressure, per spec §4.4: "fragments are dropped
// only for that subscriber; other subscribers are unaffected." Each
// subscriber is backed by a single-worker workerpool.Pool so reports are
// delivered to it in the order Dispatch received them, matching spec
// §5's "subscriber queues are single-producer, single-consumer."
//
// Grounded on C360Studio-semstreams's worker-pool-per-consumer pattern,
// reused here via pkg/workerpool rather than reimplemented.
type Demux struct {
	ctx context.Context
	reg prometheus.Registerer

	mu   sync.RWMutex
	subs map[Key]map[uint64]*subscription

	nextID uint64
}

// NewDemux builds a Demux whose subscriber worker pools run under ctx
// (cancelling ctx stops every subscriber pool). reg may be nil to skip
// Prometheus registration.
func NewDemux(ctx context.Context, reg prometheus.Registerer) *Demux {
	return &Demux{
		ctx:  ctx,
		reg:  reg,
		subs: make(map[Key]map[uint64]*subscription),
	}
}

// Subscribe registers deliver to receive every report matching key until
// the returned unsubscribe func is called. queueSize <= 0 selects
// DefaultSubscriberQueueSize.
func (d *Demux) Subscribe(key Key, queueSize int, deliver Deliver) (unsubscribe func(), err error) {
	if queueSize <= 0 {
		queueSize = DefaultSubscriberQueueSize
	}

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.mu.Unlock()

	pool := workerpool.New(1, queueSize, func(ctx context.Context, r model.Report) error {
		return deliver(ctx, r)
	})
	if d.reg != nil {
		workerpool.WithMetrics[model.Report](d.reg, subscriberMetricName(key, id))(pool)
	}
	if startErr := pool.Start(d.ctx); startErr != nil {
		return nil, startErr
	}

	sub := &subscription{pool: pool}

	d.mu.Lock()
	if d.subs[key] == nil {
		d.subs[key] = make(map[uint64]*subscription)
	}
	d.subs[key][id] = sub
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.subs[key], id)
		if len(d.subs[key]) == 0 {
			delete(d.subs, key)
		}
		d.mu.Unlock()
		_ = sub.pool.Stop(0)
	}, nil
}

// Dispatch routes report to every subscriber registered for key. A full
// subscriber queue drops the report for that subscriber only; Dispatch
// itself never blocks and never fails.
func (d *Demux) Dispatch(key Key, report model.Report) {
	d.mu.RLock()
	targets := make([]*subscription, 0, len(d.subs[key]))
	for _, sub := range d.subs[key] {
		targets = append(targets, sub)
	}
	d.mu.RUnlock()

	for _, sub := range targets {
		_ = sub.pool.Submit(report)
	}
}

// DroppedTotal sums the dropped-report counter across every subscriber
// currently registered for key, the "counter of dropped reports per
// subscriber" spec §4.4 requires be exposed.
func (d *Demux) DroppedTotal(key Key) int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var total int64
	for _, sub := range d.subs[key] {
		total += sub.pool.Stats().Dropped
	}
	return total
}

func subscriberMetricName(key Key, id uint64) string {
	return fmt.Sprintf("reportpipe_sub_device_%d_selector_%d_%d", key.DeviceID, key.Selector, id)
}
