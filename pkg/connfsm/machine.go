package connfsm

import (
	"context"
	"sync"

	"github.com/iotile/coretools/pkg/auditlog"
	"github.com/iotile/coretools/pkg/gwerrors"
	"github.com/iotile/coretools/pkg/model"
)

// pendingRPC tracks one in-flight RPC so a concurrent Disconnect can
// cancel it with gwerrors.Disconnected, per spec §4.3 ("Any asynchronous
// on_disconnect event ... cancels any in-flight RPC with Disconnected").
type pendingRPC struct {
	done chan struct{}
	resp model.RPCResponse
	err  error
}

// Machine is the per-ConnectionHandle state machine described by spec
// §4.3. One Machine is created per successful Connect and discarded on
// Disconnect; reconnection creates a fresh Machine bound to the same
// DeviceIdentifier (handles are not reused across reconnects).
type Machine struct {
	mu sync.Mutex

	handle   model.ConnectionHandle
	deviceID model.DeviceIdentifier
	state    State
	open     map[model.InterfaceKind]bool

	bus       *auditlog.Bus
	sessionID string

	rpcMu   sync.Mutex
	rpc     *pendingRPC
	nextTok uint64
	async   map[uint64]*pendingRPC
}

// New builds a Machine in StateNew for handle/deviceID, emitting audit
// events (if bus is non-nil) tagged with sessionID, the non-owning
// back-reference spec §9 requires instead of a session pointer.
func New(handle model.ConnectionHandle, deviceID model.DeviceIdentifier, bus *auditlog.Bus, sessionID string) *Machine {
	return &Machine{
		handle:    handle,
		deviceID:  deviceID,
		state:     StateNew,
		open:      make(map[model.InterfaceKind]bool),
		bus:       bus,
		sessionID: sessionID,
		async:     make(map[uint64]*pendingRPC),
	}
}

func (m *Machine) emit(category auditlog.Category, oldState, newState, reason string) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(auditlog.Event{
		Category:         category,
		DeviceID:         uint64(m.deviceID),
		ConnectionHandle: uint64(m.handle),
		SessionID:        m.sessionID,
		OldState:         oldState,
		NewState:         newState,
		Reason:           reason,
	})
}

// State returns the current coarse state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// MarkConnected transitions NEW -> CONNECTED. It is an error to call
// this from any other state.
func (m *Machine) MarkConnected() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateNew {
		return gwerrors.New(gwerrors.BadArgument, "connfsm: cannot connect from state %s", m.state)
	}
	m.state = StateConnected
	m.emit(auditlog.CategoryState, StateNew.String(), StateConnected.String(), "connect")
	return nil
}

// OpenInterface opens kind on this connection. It requires CONNECTED and
// enforces spec §4.3's mutual exclusion rule: opening script or debug is
// mutually exclusive with stream and trace on the same connection.
func (m *Machine) OpenInterface(kind model.InterfaceKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateConnected {
		return gwerrors.New(gwerrors.NotConnected, "connfsm: handle %d is not connected", m.handle)
	}

	for other := range m.open {
		if kind.MutuallyExclusiveWith(other) {
			return gwerrors.New(gwerrors.BadArgument, "connfsm: interface %s is mutually exclusive with open interface %s", kind, other)
		}
	}

	m.open[kind] = true
	return nil
}

// CloseInterface closes kind, if open. It is idempotent.
func (m *Machine) CloseInterface(kind model.InterfaceKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.open, kind)
}

// IsOpen reports whether kind is currently open on this connection.
func (m *Machine) IsOpen(kind model.InterfaceKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open[kind]
}

// CloseProtocolViolation force-closes iface after a fatal protocol error
// on that interface, per spec §4.4 ("the interface is closed and the
// adapter logs an audit event").
func (m *Machine) CloseProtocolViolation(iface model.InterfaceKind, reason string) {
	m.mu.Lock()
	delete(m.open, iface)
	m.mu.Unlock()
	m.emit(auditlog.CategoryProtocolViolation, iface.String(), "closed", reason)
}

// BeginRPC records that an RPC is in flight on this connection, so a
// concurrent Disconnect can cancel it. It fails with InterfaceNotOpen if
// the rpc interface is not open, per spec §4.3 ("send_rpc is valid only
// if the rpc interface is open").
func (m *Machine) BeginRPC() (*pendingRPC, error) {
	if !m.IsOpen(model.InterfaceRPC) {
		return nil, gwerrors.New(gwerrors.InterfaceNotOpen, "connfsm: rpc interface not open on handle %d", m.handle)
	}
	p := &pendingRPC{done: make(chan struct{})}
	m.rpcMu.Lock()
	m.rpc = p
	m.rpcMu.Unlock()
	return p, nil
}

// FinishRPC delivers the RPC's outcome and clears it from in-flight
// tracking, unless it was already cancelled by a concurrent Disconnect
// (in which case the late response is discarded, per spec §5's
// "if cancellation is not possible... the response is discarded when it
// finally arrives and logged").
func (m *Machine) FinishRPC(p *pendingRPC, resp model.RPCResponse, err error) {
	m.rpcMu.Lock()
	current := m.rpc
	if current == p {
		m.rpc = nil
	}
	m.rpcMu.Unlock()

	select {
	case <-p.done:
		if current != p {
			m.emit(auditlog.CategoryError, "", "", "late rpc response discarded after disconnect")
		}
		return
	default:
	}
	p.resp, p.err = resp, err
	close(p.done)
}

// Wait blocks until p's outcome is delivered via FinishRPC, the
// connection disconnects (which fails it with Disconnected), or ctx is
// cancelled.
func (m *Machine) Wait(ctx context.Context, p *pendingRPC) (model.RPCResponse, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return model.RPCResponse{}, gwerrors.New(gwerrors.Timeout, "connfsm: rpc wait on handle %d timed out", m.handle)
	}
}

// AllocateAsyncToken registers a new async-RPC promise, keyed by
// (connection, token) per spec §9, and returns its token.
func (m *Machine) AllocateAsyncToken() uint64 {
	m.rpcMu.Lock()
	defer m.rpcMu.Unlock()
	m.nextTok++
	tok := m.nextTok
	m.async[tok] = &pendingRPC{done: make(chan struct{})}
	return tok
}

// ResolveAsync delivers the result of an async RPC previously allocated
// with AllocateAsyncToken.
func (m *Machine) ResolveAsync(token uint64, resp model.RPCResponse, err error) {
	m.rpcMu.Lock()
	p, ok := m.async[token]
	m.rpcMu.Unlock()
	if !ok {
		return
	}
	select {
	case <-p.done:
	default:
		p.resp, p.err = resp, err
		close(p.done)
	}
}

// WaitAsync blocks on the promise for token until ResolveAsync delivers
// it, the connection disconnects, or ctx is cancelled.
func (m *Machine) WaitAsync(ctx context.Context, token uint64) (model.RPCResponse, error) {
	m.rpcMu.Lock()
	p, ok := m.async[token]
	m.rpcMu.Unlock()
	if !ok {
		return model.RPCResponse{}, gwerrors.New(gwerrors.BadArgument, "connfsm: unknown async token %d", token)
	}
	defer func() {
		m.rpcMu.Lock()
		delete(m.async, token)
		m.rpcMu.Unlock()
	}()

	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return model.RPCResponse{}, gwerrors.New(gwerrors.Timeout, "connfsm: async rpc wait on handle %d timed out", m.handle)
	}
}

// Disconnect transitions the machine directly to DISCONNECTED from any
// state, cancelling any in-flight RPC and every pending async promise
// with gwerrors.Disconnected and closing every open interface, per spec
// §4.3's "Any asynchronous on_disconnect event transitions the handle
// directly to DISCONNECTED, cancelling any in-flight RPC with
// Disconnected and closing all interfaces."
func (m *Machine) Disconnect(reason string) {
	m.mu.Lock()
	old := m.state
	m.state = StateDisconnected
	m.open = make(map[model.InterfaceKind]bool)
	m.mu.Unlock()

	m.rpcMu.Lock()
	inflight := m.rpc
	m.rpc = nil
	pending := make([]*pendingRPC, 0, len(m.async))
	for _, p := range m.async {
		pending = append(pending, p)
	}
	m.rpcMu.Unlock()

	disconnErr := gwerrors.New(gwerrors.Disconnected, "connfsm: handle %d disconnected: %s", m.handle, reason)
	if inflight != nil {
		select {
		case <-inflight.done:
		default:
			inflight.err = disconnErr
			close(inflight.done)
		}
	}
	for _, p := range pending {
		select {
		case <-p.done:
		default:
			p.err = disconnErr
			close(p.done)
		}
	}

	m.emit(auditlog.CategoryState, old.String(), StateDisconnected.String(), reason)
}
