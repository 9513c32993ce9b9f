package session

import (
	"context"
	"sync"
	"time"

	"github.com/iotile/coretools/pkg/adapter"
	"github.com/iotile/coretools/pkg/gwerrors"
	"github.com/iotile/coretools/pkg/model"
)

// fakeAdapter is a minimal session.Adapter test double, in the same
// spirit as pkg/aggregator's fakeAdapter: an in-memory stand-in so the
// session layer's arbitration logic can be tested without any real
// transport or a live aggregator.Aggregator underneath it.
type fakeAdapter struct {
	adapter.AdapterBase

	mu         sync.Mutex
	nextHandle uint64
	connectErr error
	scans      []model.MergedScanResult
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{AdapterBase: adapter.NewAdapterBase(model.Capabilities{SupportsRPC: true, SupportsStreaming: true, SupportsTracing: true})}
}

func (f *fakeAdapter) Start(context.Context) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error  { return nil }
func (f *fakeAdapter) Probe(context.Context) error { return nil }

func (f *fakeAdapter) Connect(context.Context, model.ConnectionString) (model.ConnectionHandle, error) {
	return model.InvalidHandle, gwerrors.New(gwerrors.BadArgument, "fakeAdapter: use ConnectDevice")
}

func (f *fakeAdapter) ConnectDevice(context.Context, model.DeviceIdentifier) (model.ConnectionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return model.InvalidHandle, f.connectErr
	}
	f.nextHandle++
	return model.ConnectionHandle(f.nextHandle), nil
}

func (f *fakeAdapter) Disconnect(context.Context, model.ConnectionHandle) error { return nil }

func (f *fakeAdapter) OpenInterface(context.Context, model.ConnectionHandle, model.InterfaceKind) error {
	return nil
}
func (f *fakeAdapter) CloseInterface(context.Context, model.ConnectionHandle, model.InterfaceKind) error {
	return nil
}

func (f *fakeAdapter) SendRPC(context.Context, model.ConnectionHandle, model.RPCRequest, time.Duration) (model.RPCResponse, error) {
	return model.RPCResponse{Status: model.RPCStatusHasPayload, Payload: []byte{1, 2, 3}}, nil
}

func (f *fakeAdapter) SendScript(context.Context, model.ConnectionHandle, []byte, func(int, int)) error {
	return nil
}
func (f *fakeAdapter) SendHighspeed(context.Context, model.ConnectionHandle, []byte) error {
	return nil
}

func (f *fakeAdapter) MergedScans() []model.MergedScanResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scans
}

func (f *fakeAdapter) setScans(s []model.MergedScanResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans = s
}
