package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/iotile/coretools/pkg/adapter"
	"github.com/iotile/coretools/pkg/auditlog"
	"github.com/iotile/coretools/pkg/gwerrors"
	"github.com/iotile/coretools/pkg/model"
	"github.com/iotile/coretools/pkg/reportpipe"
)

// AnySelector is the session layer's implicit "every selector" channel:
// spec §4.6's subscribe(sid, device_id, interface_kind) names no
// selector, so DeviceManager additionally fans every assembled report
// for a device out under this sentinel key, letting a device-level
// subscriber see every selector without enumerating them up front.
const AnySelector model.ReportSelector = 0xFFFF

// Adapter is what DeviceManager needs from its backing device layer:
// the full DeviceAdapter contract plus the two aggregator.Aggregator
// extensions (device-id routed connect and merged scan results) spec
// §4.6 delegates to C2 directly.
type Adapter interface {
	adapter.DeviceAdapter
	ConnectDevice(ctx context.Context, deviceID model.DeviceIdentifier) (model.ConnectionHandle, error)
	MergedScans() []model.MergedScanResult
}

// Session is one external client, per spec §4.6.
type Session struct {
	ID string

	mu          sync.Mutex
	devices     map[model.DeviceIdentifier]model.ConnectionHandle
	unsubscribe []func()
}

func newSession() *Session {
	return &Session{
		ID:      uuid.NewString(),
		devices: make(map[model.DeviceIdentifier]model.ConnectionHandle),
	}
}

func (s *Session) trackConnection(deviceID model.DeviceIdentifier, handle model.ConnectionHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[deviceID] = handle
}

func (s *Session) forgetConnection(deviceID model.DeviceIdentifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, deviceID)
}

func (s *Session) trackUnsubscribe(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribe = append(s.unsubscribe, fn)
}

func (s *Session) ownedDevices() map[model.DeviceIdentifier]model.ConnectionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.DeviceIdentifier]model.ConnectionHandle, len(s.devices))
	for k, v := range s.devices {
		out[k] = v
	}
	return out
}

// deviceOwner records which session currently holds the single
// permitted connection to a device, per spec §5's "a DeviceId may have
// at most one open ConnectionHandle across the entire process."
type deviceOwner struct {
	sessionID string
	handle    model.ConnectionHandle
}

// DeviceManager is the session layer / C6. Lock ordering when a caller
// must hold more than one of this package's locks at once is
// DeviceManager -> Adapter -> Connection, matching spec §5; callbacks
// from the adapter are never invoked while DeviceManager's lock is held.
type DeviceManager struct {
	adapter    Adapter
	demux      *reportpipe.Demux
	bus        *auditlog.Bus
	retryWheel *gwerrors.Wheel

	mu            sync.Mutex
	sessions      map[string]*Session
	deviceOwners  map[model.DeviceIdentifier]deviceOwner
	broadcastSubs map[string]broadcastMonitor
	traceSinks    map[model.DeviceIdentifier]map[uint64]*tracePool
	nextMonitorID uint64
}

// NewManager builds a DeviceManager atop ad, fanning assembled reports
// through a freshly constructed reportpipe.Demux running under ctx, and
// emitting audit events (if bus is non-nil) for session lifecycle and
// connect/disconnect transitions.
func NewManager(ctx context.Context, ad Adapter, bus *auditlog.Bus) *DeviceManager {
	m := &DeviceManager{
		adapter:       ad,
		demux:         reportpipe.NewDemux(ctx, nil),
		bus:           bus,
		retryWheel:    gwerrors.NewWheel(nil),
		sessions:      make(map[string]*Session),
		deviceOwners:  make(map[model.DeviceIdentifier]deviceOwner),
		broadcastSubs: make(map[string]broadcastMonitor),
		traceSinks:    make(map[model.DeviceIdentifier]map[uint64]*tracePool),
	}
	ad.SetCallbacks(adapter.Callbacks{
		OnReport:     m.onReport,
		OnTrace:      m.onTrace,
		OnDisconnect: m.onDisconnect,
		OnBroadcast:  m.onBroadcast,
	})
	return m
}

// SessionOpen allocates a new Session and returns its ID.
func (m *DeviceManager) SessionOpen() string {
	s := newSession()
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.emit(auditlog.CategoryState, "", "opened", s.ID, 0)
	return s.ID
}

// SessionClose closes every connection the session owns, cancels its
// subscriptions, and discards the session, per spec §4.6: "close all
// connections owned by the session, cancel all pending calls, deliver a
// final disconnect event."
func (m *DeviceManager) SessionClose(ctx context.Context, sid string) error {
	m.mu.Lock()
	s, ok := m.sessions[sid]
	if ok {
		delete(m.sessions, sid)
	}
	m.mu.Unlock()
	if !ok {
		return gwerrors.New(gwerrors.BadArgument, "session: unknown session %q", sid)
	}

	for deviceID, handle := range s.ownedDevices() {
		_ = m.adapter.Disconnect(ctx, handle)
		m.releaseOwnership(deviceID, sid)
		m.emit(auditlog.CategoryState, "connected", "disconnected", sid, deviceID)
	}

	s.mu.Lock()
	unsubs := s.unsubscribe
	s.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}

	m.emit(auditlog.CategoryState, "open", "closed", sid, 0)
	return nil
}

func (m *DeviceManager) releaseOwnership(deviceID model.DeviceIdentifier, sid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.deviceOwners[deviceID]; ok && owner.sessionID == sid {
		delete(m.deviceOwners, deviceID)
	}
}

func (m *DeviceManager) session(sid string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sid]
	if !ok {
		return nil, gwerrors.New(gwerrors.BadArgument, "session: unknown session %q", sid)
	}
	return s, nil
}

func (m *DeviceManager) emit(category auditlog.Category, oldState, newState, sessionID string, deviceID model.DeviceIdentifier) {
	m.emitReason(category, oldState, newState, sessionID, deviceID, "")
}

func (m *DeviceManager) emitReason(category auditlog.Category, oldState, newState, sessionID string, deviceID model.DeviceIdentifier, reason string) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(auditlog.Event{
		Category:  category,
		SessionID: sessionID,
		DeviceID:  uint64(deviceID),
		OldState:  oldState,
		NewState:  newState,
		Reason:    reason,
	})
}
