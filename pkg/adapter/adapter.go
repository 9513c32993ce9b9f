// Package adapter defines the DeviceAdapter plug-in contract (spec §4.1,
// C1): the single interface every transport-specific adapter implements,
// plus AdapterBase, an embeddable helper that concrete adapters use to
// store their declared capabilities and dispatch host callbacks.
package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/iotile/coretools/pkg/model"
)

// Callbacks are the event hooks a host (the aggregator or, directly, the
// session layer) registers with an adapter, per spec §4.1.
type Callbacks struct {
	OnScan       func(model.ScanResult)
	OnReport     func(model.ConnectionHandle, model.Report)
	OnTrace      func(model.ConnectionHandle, []byte)
	OnDisconnect func(model.ConnectionHandle, error)
	OnProgress   func(model.ConnectionHandle, int, int) // (sent, total), monotonically non-decreasing
	OnBroadcast  func(model.ScanResult)
}

// DeviceAdapter is the single plug-in contract every transport
// implements, per spec §4.1.
type DeviceAdapter interface {
	// Start acquires transport resources. Stop releases them on every
	// exit path, including when Start itself failed partway through.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Probe forces a fresh scan sweep.
	Probe(ctx context.Context) error

	// Connect fails with gwerrors.DeviceNotFound, a busy kind, or a
	// transport kind. An adapter that requires a scan before connecting
	// must wait at least one scan interval before reporting
	// DeviceNotFound for a device it has not yet seen.
	Connect(ctx context.Context, connString model.ConnectionString) (model.ConnectionHandle, error)

	// Disconnect is always idempotent.
	Disconnect(ctx context.Context, handle model.ConnectionHandle) error

	OpenInterface(ctx context.Context, handle model.ConnectionHandle, kind model.InterfaceKind) error
	CloseInterface(ctx context.Context, handle model.ConnectionHandle, kind model.InterfaceKind) error

	SendRPC(ctx context.Context, handle model.ConnectionHandle, req model.RPCRequest, timeout time.Duration) (model.RPCResponse, error)

	// SendScript streams a large blob; onProgress (if non-nil) receives
	// monotonically non-decreasing (sent, total) pairs.
	SendScript(ctx context.Context, handle model.ConnectionHandle, data []byte, onProgress func(sent, total int)) error

	// SendHighspeed is for debug/reflash transports only.
	SendHighspeed(ctx context.Context, handle model.ConnectionHandle, data []byte) error

	// Capabilities reports the flags this adapter declared at startup.
	Capabilities() model.Capabilities

	// SetCallbacks installs the host's event hooks. Called once, before
	// Start.
	SetCallbacks(cb Callbacks)
}

// AdapterBase is embedded by concrete adapters to store the capability
// set and dispatch host callbacks without every adapter re-implementing
// the same bookkeeping, grounded on the way the teacher's transport
// connections centralize their callback dispatch rather than leaving it
// to each caller.
type AdapterBase struct {
	mu    sync.RWMutex
	caps  model.Capabilities
	hooks Callbacks
}

// NewAdapterBase builds an AdapterBase declaring the given capabilities.
func NewAdapterBase(caps model.Capabilities) AdapterBase {
	return AdapterBase{caps: caps}
}

// Capabilities implements part of DeviceAdapter.
func (b *AdapterBase) Capabilities() model.Capabilities {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.caps
}

// SetCallbacks implements part of DeviceAdapter.
func (b *AdapterBase) SetCallbacks(cb Callbacks) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = cb
}

func (b *AdapterBase) callbacks() Callbacks {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hooks
}

// EmitScan dispatches on_scan if the host registered one.
func (b *AdapterBase) EmitScan(r model.ScanResult) {
	if cb := b.callbacks().OnScan; cb != nil {
		cb(r)
	}
}

// EmitReport dispatches on_report if the host registered one.
func (b *AdapterBase) EmitReport(handle model.ConnectionHandle, r model.Report) {
	if cb := b.callbacks().OnReport; cb != nil {
		cb(handle, r)
	}
}

// EmitTrace dispatches on_trace if the host registered one.
func (b *AdapterBase) EmitTrace(handle model.ConnectionHandle, data []byte) {
	if cb := b.callbacks().OnTrace; cb != nil {
		cb(handle, data)
	}
}

// EmitDisconnect dispatches on_disconnect if the host registered one.
func (b *AdapterBase) EmitDisconnect(handle model.ConnectionHandle, err error) {
	if cb := b.callbacks().OnDisconnect; cb != nil {
		cb(handle, err)
	}
}

// EmitProgress dispatches on_progress if the host registered one.
func (b *AdapterBase) EmitProgress(handle model.ConnectionHandle, sent, total int) {
	if cb := b.callbacks().OnProgress; cb != nil {
		cb(handle, sent, total)
	}
}

// EmitBroadcast dispatches on_broadcast if the host registered one.
func (b *AdapterBase) EmitBroadcast(r model.ScanResult) {
	if cb := b.callbacks().OnBroadcast; cb != nil {
		cb(r)
	}
}
