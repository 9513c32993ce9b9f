package session

import (
	"context"
	"time"

	"github.com/iotile/coretools/pkg/auditlog"
	"github.com/iotile/coretools/pkg/gwerrors"
	"github.com/iotile/coretools/pkg/model"
)

// Scan returns the merged scan results currently known to the backing
// adapter, per spec §4.6 ("returns merged scan results (4.2)"). timeout
// bounds how long the caller is willing to wait on ctx before giving up;
// MergedScans itself never blocks, so timeout only governs the context
// deadline a caller should set before calling Scan.
func (m *DeviceManager) Scan(ctx context.Context, sid string, timeout time.Duration) ([]model.MergedScanResult, error) {
	if _, err := m.session(sid); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, gwerrors.New(gwerrors.Cancelled, "session: scan cancelled")
	default:
	}
	return m.adapter.MergedScans(), nil
}

// Connect binds sid to deviceID, enforcing spec §5's "a DeviceId may
// have at most one open ConnectionHandle across the entire process":
// a device already owned by a different session fails with DeviceInUse.
// Connecting a device the calling session already owns is a no-op.
func (m *DeviceManager) Connect(ctx context.Context, sid string, deviceID model.DeviceIdentifier) (model.ConnectionHandle, error) {
	s, err := m.session(sid)
	if err != nil {
		return model.InvalidHandle, err
	}

	m.mu.Lock()
	if owner, ok := m.deviceOwners[deviceID]; ok {
		m.mu.Unlock()
		if owner.sessionID == sid {
			return owner.handle, nil
		}
		return model.InvalidHandle, gwerrors.New(gwerrors.DeviceInUse, "session: device %d is already connected by session %q", deviceID, owner.sessionID)
	}
	m.mu.Unlock()

	handle, err := m.adapter.ConnectDevice(ctx, deviceID)
	if err != nil {
		return model.InvalidHandle, err
	}

	m.mu.Lock()
	m.deviceOwners[deviceID] = deviceOwner{sessionID: sid, handle: handle}
	m.mu.Unlock()

	s.trackConnection(deviceID, handle)
	m.emit(auditlog.CategoryState, "new", "connected", sid, deviceID)
	return handle, nil
}

// Disconnect releases deviceID from sid, idempotent if the session does
// not currently hold it.
func (m *DeviceManager) Disconnect(ctx context.Context, sid string, deviceID model.DeviceIdentifier) error {
	s, err := m.session(sid)
	if err != nil {
		return err
	}

	m.mu.Lock()
	owner, ok := m.deviceOwners[deviceID]
	m.mu.Unlock()
	if !ok || owner.sessionID != sid {
		return nil
	}

	if err := m.adapter.Disconnect(ctx, owner.handle); err != nil {
		return err
	}
	m.releaseOwnership(deviceID, sid)
	s.forgetConnection(deviceID)
	m.emit(auditlog.CategoryState, "connected", "disconnected", sid, deviceID)
	return nil
}

// SendRPC routes an RPC to deviceID through the handle sid owns, failing
// with NotConnected if sid does not currently hold a connection to
// deviceID. A TileBusy response is retried locally through m.retryWheel
// per spec §4.3 ("TileBusy on an RPC: retry up to 4 times with a 10ms
// gap") before it is allowed to surface to the caller.
func (m *DeviceManager) SendRPC(ctx context.Context, sid string, deviceID model.DeviceIdentifier, req model.RPCRequest, timeout time.Duration) (model.RPCResponse, error) {
	handle, err := m.ownedHandle(sid, deviceID)
	if err != nil {
		return model.RPCResponse{}, err
	}

	var resp model.RPCResponse
	err = m.retryWheel.Run(ctx, func(int) error {
		r, rpcErr := m.adapter.SendRPC(ctx, handle, req, timeout)
		resp = r
		if rpcErr != nil {
			return rpcErr
		}
		if r.Status.Busy() {
			return gwerrors.New(gwerrors.TileBusy, "session: tile busy on device %d", deviceID)
		}
		return nil
	})
	if err != nil && gwerrors.KindOf(err) == gwerrors.TileBusy {
		// Busy is retry-safe, not fatal: once the wheel's TileBusy budget
		// is exhausted, hand the caller the final busy response rather
		// than an error.
		return resp, nil
	}
	return resp, err
}

// OpenInterface opens kind on the connection sid holds to deviceID, per
// spec §6's `open_interface(handle, kind)`. Mutual exclusion between
// script/debug and stream/trace (spec §4.3) is enforced by the adapter's
// own connfsm.Machine, not here; this method only resolves sid's
// ownership of deviceID into the underlying handle.
func (m *DeviceManager) OpenInterface(ctx context.Context, sid string, deviceID model.DeviceIdentifier, kind model.InterfaceKind) error {
	handle, err := m.ownedHandle(sid, deviceID)
	if err != nil {
		return err
	}
	return m.adapter.OpenInterface(ctx, handle, kind)
}

// CloseInterface closes kind on the connection sid holds to deviceID,
// per spec §6's `close_interface(handle, kind)`.
func (m *DeviceManager) CloseInterface(ctx context.Context, sid string, deviceID model.DeviceIdentifier, kind model.InterfaceKind) error {
	handle, err := m.ownedHandle(sid, deviceID)
	if err != nil {
		return err
	}
	return m.adapter.CloseInterface(ctx, handle, kind)
}

// ownedHandle resolves the ConnectionHandle sid holds to deviceID,
// failing with NotConnected if sid does not currently own it.
func (m *DeviceManager) ownedHandle(sid string, deviceID model.DeviceIdentifier) (model.ConnectionHandle, error) {
	if _, err := m.session(sid); err != nil {
		return model.InvalidHandle, err
	}
	m.mu.Lock()
	owner, ok := m.deviceOwners[deviceID]
	m.mu.Unlock()
	if !ok || owner.sessionID != sid {
		return model.InvalidHandle, gwerrors.New(gwerrors.NotConnected, "session: %q does not hold a connection to device %d", sid, deviceID)
	}
	return owner.handle, nil
}

// onDisconnect is wired as the backing adapter's OnDisconnect callback:
// it releases ownership and lets every session-level subscriber observe
// the disconnect, per spec §5's ordering guarantee that "disconnect
// events for a device are delivered before any subsequent reconnect
// events to every subscriber" (ownership release happens synchronously
// before this function returns, so a subsequent Connect cannot race
// ahead of this cleanup).
func (m *DeviceManager) onDisconnect(handle model.ConnectionHandle, err error) {
	m.mu.Lock()
	var deviceID model.DeviceIdentifier
	var sid string
	found := false
	for d, owner := range m.deviceOwners {
		if owner.handle == handle {
			deviceID, sid, found = d, owner.sessionID, true
			delete(m.deviceOwners, d)
			break
		}
	}
	m.mu.Unlock()
	if !found {
		return
	}

	if s, lookupErr := m.session(sid); lookupErr == nil {
		s.forgetConnection(deviceID)
	}
	reason := "disconnected"
	if err != nil {
		reason = err.Error()
	}
	m.emitReason(auditlog.CategoryState, "connected", "disconnected", sid, deviceID, reason)
}
