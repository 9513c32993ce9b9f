package session

import (
	"context"

	"github.com/google/uuid"

	"github.com/iotile/coretools/pkg/gwerrors"
	"github.com/iotile/coretools/pkg/model"
	"github.com/iotile/coretools/pkg/reportpipe"
	"github.com/iotile/coretools/pkg/workerpool"
)

// ReportHandler receives one assembled report for a subscription.
type ReportHandler func(model.Report)

// TraceHandler receives one opaque trace fragment, in order, for a
// subscription, per spec §4.4's "in-order, at-most-once per subscriber"
// guarantee for the tracing interface.
type TraceHandler func([]byte)

// BroadcastHandler receives one broadcast scan result matching a
// monitor's pattern.
type BroadcastHandler func(model.ScanResult)

// Pattern selects which broadcast scan results a monitor receives. All
// matches every result. Otherwise, with HasMask set, a result matches
// when the low 16 bits of its DeviceID share any set bit with Mask;
// without it, a result matches when its DeviceID equals DeviceID.
// ScanResult carries no stream_id, so no pattern filters by stream.
type Pattern struct {
	All      bool
	DeviceID model.DeviceIdentifier
	HasMask  bool
	Mask     uint16
}

// PatternAll matches every broadcast.
func PatternAll() Pattern { return Pattern{All: true} }

// PatternDevice matches broadcasts from exactly one device.
func PatternDevice(id model.DeviceIdentifier) Pattern { return Pattern{DeviceID: id} }

func (p Pattern) matches(r model.ScanResult) bool {
	if p.All {
		return true
	}
	if p.HasMask {
		return uint16(r.DeviceID)&p.Mask != 0
	}
	return p.DeviceID == r.DeviceID
}

type broadcastMonitor struct {
	pattern Pattern
	deliver BroadcastHandler
}

// tracePool backs one tracing subscription with its own
// single-worker queue, so one slow subscriber cannot stall another, the
// same independent-backpressure guarantee reportpipe.Demux gives report
// subscribers.
type tracePool struct {
	pool *workerpool.Pool[[]byte]
}

// Subscribe enrolls sid as a report or trace subscriber for deviceID on
// the given interface kind, per spec §4.6. Only streaming and tracing
// are valid subscription kinds; any other kind is a BadArgument.
func (m *DeviceManager) Subscribe(sid string, deviceID model.DeviceIdentifier, kind model.InterfaceKind, onReport ReportHandler, onTrace TraceHandler) error {
	s, err := m.session(sid)
	if err != nil {
		return err
	}

	switch kind {
	case model.InterfaceStreaming:
		unsub, err := m.demux.Subscribe(reportpipe.Key{DeviceID: deviceID, Selector: AnySelector}, 0, func(_ context.Context, r model.Report) error {
			onReport(r)
			return nil
		})
		if err != nil {
			return err
		}
		s.trackUnsubscribe(unsub)
		return nil

	case model.InterfaceTracing:
		pool := workerpool.New(1, reportpipe.DefaultSubscriberQueueSize, func(_ context.Context, frag []byte) error {
			onTrace(frag)
			return nil
		})
		if err := pool.Start(context.Background()); err != nil {
			return err
		}
		id := m.registerTraceSink(deviceID, pool)
		s.trackUnsubscribe(func() {
			m.unregisterTraceSink(deviceID, id)
			_ = pool.Stop(0)
		})
		return nil

	default:
		return gwerrors.New(gwerrors.BadArgument, "session: subscribe is only valid for streaming or tracing interfaces, got %s", kind)
	}
}

// BroadcastMonitor registers deliver to receive every future broadcast
// scan result matching pattern, until sid closes.
func (m *DeviceManager) BroadcastMonitor(sid string, pattern Pattern, deliver BroadcastHandler) error {
	s, err := m.session(sid)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	m.mu.Lock()
	m.broadcastSubs[id] = broadcastMonitor{pattern: pattern, deliver: deliver}
	m.mu.Unlock()

	s.trackUnsubscribe(func() {
		m.mu.Lock()
		delete(m.broadcastSubs, id)
		m.mu.Unlock()
	})
	return nil
}

// onReport is wired as the backing adapter's OnReport callback: it
// classifies the report's selector and dispatches it both to its exact
// (device_id, selector) subscribers and to any device-level AnySelector
// subscribers.
func (m *DeviceManager) onReport(_ model.ConnectionHandle, report model.Report) {
	deviceID := report.DeviceIdentifier()
	selector := selectorOf(report)

	m.demux.Dispatch(reportpipe.Key{DeviceID: deviceID, Selector: selector}, report)
	if selector != AnySelector {
		m.demux.Dispatch(reportpipe.Key{DeviceID: deviceID, Selector: AnySelector}, report)
	}
}

func selectorOf(report model.Report) model.ReportSelector {
	if signed, ok := report.(model.SignedListReport); ok {
		return signed.Flags.Selector
	}
	return 0
}

func (m *DeviceManager) registerTraceSink(deviceID model.DeviceIdentifier, pool *workerpool.Pool[[]byte]) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMonitorID++
	id := m.nextMonitorID
	if m.traceSinks[deviceID] == nil {
		m.traceSinks[deviceID] = make(map[uint64]*tracePool)
	}
	m.traceSinks[deviceID][id] = &tracePool{pool: pool}
	return id
}

func (m *DeviceManager) unregisterTraceSink(deviceID model.DeviceIdentifier, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.traceSinks[deviceID], id)
	if len(m.traceSinks[deviceID]) == 0 {
		delete(m.traceSinks, deviceID)
	}
}

func (m *DeviceManager) onTrace(handle model.ConnectionHandle, data []byte) {
	deviceID, ok := m.deviceIDForHandle(handle)
	if !ok {
		return
	}

	m.mu.Lock()
	sinks := make([]*tracePool, 0, len(m.traceSinks[deviceID]))
	for _, sink := range m.traceSinks[deviceID] {
		sinks = append(sinks, sink)
	}
	m.mu.Unlock()

	for _, sink := range sinks {
		_ = sink.pool.Submit(data)
	}
}

func (m *DeviceManager) deviceIDForHandle(handle model.ConnectionHandle) (model.DeviceIdentifier, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for deviceID, owner := range m.deviceOwners {
		if owner.handle == handle {
			return deviceID, true
		}
	}
	return 0, false
}

func (m *DeviceManager) onBroadcast(r model.ScanResult) {
	m.mu.Lock()
	monitors := make([]broadcastMonitor, 0, len(m.broadcastSubs))
	for _, mon := range m.broadcastSubs {
		monitors = append(monitors, mon)
	}
	m.mu.Unlock()

	for _, mon := range monitors {
		if mon.pattern.matches(r) {
			mon.deliver(r)
		}
	}
}
