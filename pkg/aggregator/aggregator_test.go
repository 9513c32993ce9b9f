package aggregator

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iotile/coretools/pkg/adapter"
	"github.com/iotile/coretools/pkg/gwerrors"
	"github.com/iotile/coretools/pkg/model"
)

// fakeAdapter is a minimal in-memory adapter.DeviceAdapter for testing
// the aggregator's routing and callback re-tagging without any real
// transport, in the spirit of the teacher's own in-memory test doubles.
type fakeAdapter struct {
	adapter.AdapterBase

	mu           sync.Mutex
	started      bool
	nextHandle   uint64
	connectErr   error
	connectErrs  []error // if set, consumed in order before falling back to connectErr; scripts scenario 3-style flaky connects
	connectCalls int
	connections  map[model.ConnectionHandle]bool
}

func newFakeAdapter(caps model.Capabilities) *fakeAdapter {
	return &fakeAdapter{
		AdapterBase: adapter.NewAdapterBase(caps),
		connections: make(map[model.ConnectionHandle]bool),
	}
}

func (f *fakeAdapter) Start(context.Context) error { f.started = true; return nil }
func (f *fakeAdapter) Stop(context.Context) error  { f.started = false; return nil }
func (f *fakeAdapter) Probe(context.Context) error { return nil }

func (f *fakeAdapter) Connect(_ context.Context, _ model.ConnectionString) (model.ConnectionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectCalls < len(f.connectErrs) {
		err := f.connectErrs[f.connectCalls]
		f.connectCalls++
		if err != nil {
			return model.InvalidHandle, err
		}
	} else if f.connectErr != nil {
		f.connectCalls++
		return model.InvalidHandle, f.connectErr
	} else {
		f.connectCalls++
	}
	f.nextHandle++
	h := model.ConnectionHandle(f.nextHandle)
	f.connections[h] = true
	return h, nil
}

func (f *fakeAdapter) Disconnect(_ context.Context, h model.ConnectionHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.connections, h)
	return nil
}

func (f *fakeAdapter) OpenInterface(context.Context, model.ConnectionHandle, model.InterfaceKind) error {
	return nil
}
func (f *fakeAdapter) CloseInterface(context.Context, model.ConnectionHandle, model.InterfaceKind) error {
	return nil
}
func (f *fakeAdapter) SendRPC(context.Context, model.ConnectionHandle, model.RPCRequest, time.Duration) (model.RPCResponse, error) {
	return model.RPCResponse{}, nil
}
func (f *fakeAdapter) SendScript(context.Context, model.ConnectionHandle, []byte, func(int, int)) error {
	return nil
}
func (f *fakeAdapter) SendHighspeed(context.Context, model.ConnectionHandle, []byte) error {
	return nil
}

func deviceConnString(id model.DeviceIdentifier) model.ConnectionString {
	return model.ConnectionString(strconv.FormatUint(uint64(id), 10))
}

func TestAggregator_ConnectRoutesToHighestSignal(t *testing.T) {
	weak := newFakeAdapter(model.Capabilities{SupportsRPC: true})
	strong := newFakeAdapter(model.Capabilities{SupportsRPC: true})

	agg := New([]adapter.DeviceAdapter{weak, strong})
	require.NoError(t, agg.Start(context.Background()))

	agg.recordScan(model.ScanResult{DeviceID: 1, AdapterIndex: 0, SignalStrength: 10, ConnectionString: "weak", ExpirationTime: time.Now().Add(time.Minute)})
	agg.recordScan(model.ScanResult{DeviceID: 1, AdapterIndex: 1, SignalStrength: 90, ConnectionString: "strong", ExpirationTime: time.Now().Add(time.Minute)})

	_, err := agg.ConnectDevice(context.Background(), 1)
	require.NoError(t, err)

	strong.mu.Lock()
	defer strong.mu.Unlock()
	require.Len(t, strong.connections, 1)
	require.Empty(t, weak.connections)
}

func TestAggregator_ConnectFallsBackOnTransportError(t *testing.T) {
	failing := newFakeAdapter(model.Capabilities{SupportsRPC: true})
	failing.connectErr = gwerrors.New(gwerrors.TransportUnavailable, "link down")
	working := newFakeAdapter(model.Capabilities{SupportsRPC: true})

	agg := New([]adapter.DeviceAdapter{failing, working})
	require.NoError(t, agg.Start(context.Background()))

	agg.recordScan(model.ScanResult{DeviceID: 1, AdapterIndex: 0, SignalStrength: 90, ExpirationTime: time.Now().Add(time.Minute)})
	agg.recordScan(model.ScanResult{DeviceID: 1, AdapterIndex: 1, SignalStrength: 10, ExpirationTime: time.Now().Add(time.Minute)})

	h, err := agg.ConnectDevice(context.Background(), 1)
	require.NoError(t, err)
	require.NotEqual(t, model.InvalidHandle, h)

	working.mu.Lock()
	defer working.mu.Unlock()
	require.Len(t, working.connections, 1)
}

// TestAggregator_EarlyDisconnectRetriesSameAdapterBeforeFallback covers
// spec §8 scenario 3: adapter A (higher signal) raises EarlyDisconnect on
// its first three connect attempts and succeeds on the fourth; adapter B
// (lower signal) must never be tried, since EarlyDisconnect retries the
// same candidate rather than falling back immediately.
func TestAggregator_EarlyDisconnectRetriesSameAdapterBeforeFallback(t *testing.T) {
	a := newFakeAdapter(model.Capabilities{})
	a.connectErrs = []error{
		gwerrors.New(gwerrors.EarlyDisconnect, "early disconnect"),
		gwerrors.New(gwerrors.EarlyDisconnect, "early disconnect"),
		gwerrors.New(gwerrors.EarlyDisconnect, "early disconnect"),
	}
	b := newFakeAdapter(model.Capabilities{})

	agg := New([]adapter.DeviceAdapter{a, b})
	require.NoError(t, agg.Start(context.Background()))

	agg.recordScan(model.ScanResult{DeviceID: 5, AdapterIndex: 0, SignalStrength: -40, ExpirationTime: time.Now().Add(time.Minute)})
	agg.recordScan(model.ScanResult{DeviceID: 5, AdapterIndex: 1, SignalStrength: -80, ExpirationTime: time.Now().Add(time.Minute)})

	h, err := agg.ConnectDevice(context.Background(), 5)
	require.NoError(t, err)
	require.NotEqual(t, model.InvalidHandle, h)

	a.mu.Lock()
	require.Equal(t, 4, a.connectCalls)
	require.Len(t, a.connections, 1)
	a.mu.Unlock()

	b.mu.Lock()
	require.Zero(t, b.connectCalls)
	b.mu.Unlock()
}

func TestAggregator_ConnectExhaustsRetriesAndReportsDeviceNotFound(t *testing.T) {
	a1 := newFakeAdapter(model.Capabilities{})
	a1.connectErr = gwerrors.New(gwerrors.TransportUnavailable, "down")
	a2 := newFakeAdapter(model.Capabilities{})
	a2.connectErr = gwerrors.New(gwerrors.EarlyDisconnect, "dropped")

	agg := New([]adapter.DeviceAdapter{a1, a2}, WithMaxConnectRetries(2))
	require.NoError(t, agg.Start(context.Background()))

	agg.recordScan(model.ScanResult{DeviceID: 1, AdapterIndex: 0, SignalStrength: 90, ExpirationTime: time.Now().Add(time.Minute)})
	agg.recordScan(model.ScanResult{DeviceID: 1, AdapterIndex: 1, SignalStrength: 10, ExpirationTime: time.Now().Add(time.Minute)})

	_, err := agg.ConnectDevice(context.Background(), 1)
	require.True(t, gwerrors.Is(err, gwerrors.DeviceNotFound))
}

func TestAggregator_ConnectUnknownDeviceFailsFast(t *testing.T) {
	agg := New([]adapter.DeviceAdapter{newFakeAdapter(model.Capabilities{})})
	require.NoError(t, agg.Start(context.Background()))

	_, err := agg.ConnectDevice(context.Background(), 404)
	require.True(t, gwerrors.Is(err, gwerrors.DeviceNotFound))
}

func TestAggregator_ConnectViaConnectionStringParsesDeviceID(t *testing.T) {
	ad := newFakeAdapter(model.Capabilities{})
	agg := New([]adapter.DeviceAdapter{ad})
	require.NoError(t, agg.Start(context.Background()))
	agg.recordScan(model.ScanResult{DeviceID: 7, AdapterIndex: 0, SignalStrength: 1, ExpirationTime: time.Now().Add(time.Minute)})

	h, err := agg.Connect(context.Background(), deviceConnString(7))
	require.NoError(t, err)
	require.NotEqual(t, model.InvalidHandle, h)
}

func TestAggregator_ScanMergingAcrossAdapters(t *testing.T) {
	a1 := newFakeAdapter(model.Capabilities{})
	a2 := newFakeAdapter(model.Capabilities{})
	agg := New([]adapter.DeviceAdapter{a1, a2})
	require.NoError(t, agg.Start(context.Background()))

	agg.recordScan(model.ScanResult{DeviceID: 5, AdapterIndex: 0, SignalStrength: 20, ExpirationTime: time.Now().Add(time.Minute)})
	agg.recordScan(model.ScanResult{DeviceID: 5, AdapterIndex: 1, SignalStrength: 80, ExpirationTime: time.Now().Add(time.Minute)})

	merged := agg.MergedScans()
	require.Len(t, merged, 1)
	require.Equal(t, model.DeviceIdentifier(5), merged[0].DeviceID)
	require.Len(t, merged[0].Contributed, 2)
	require.Equal(t, 80, merged[0].Best().SignalStrength)
}

func TestAggregator_ScanExpiryDropsDevice(t *testing.T) {
	agg := New([]adapter.DeviceAdapter{newFakeAdapter(model.Capabilities{})})
	require.NoError(t, agg.Start(context.Background()))

	agg.recordScan(model.ScanResult{DeviceID: 9, AdapterIndex: 0, SignalStrength: 1, ExpirationTime: time.Now().Add(-time.Second)})

	merged := agg.MergedScans()
	require.Empty(t, merged)
}

func TestAggregator_CallbackReTaggingTranslatesHandle(t *testing.T) {
	ad := newFakeAdapter(model.Capabilities{})
	agg := New([]adapter.DeviceAdapter{ad})
	require.NoError(t, agg.Start(context.Background()))
	agg.recordScan(model.ScanResult{DeviceID: 3, AdapterIndex: 0, SignalStrength: 1, ExpirationTime: time.Now().Add(time.Minute)})

	h, err := agg.ConnectDevice(context.Background(), 3)
	require.NoError(t, err)

	var gotHandle model.ConnectionHandle
	var gotReport model.Report
	reported := make(chan struct{}, 1)
	agg.SetCallbacks(adapter.Callbacks{
		OnReport: func(handle model.ConnectionHandle, r model.Report) {
			gotHandle, gotReport = handle, r
			reported <- struct{}{}
		},
	})

	route, ok := agg.resolve(h)
	require.True(t, ok)
	ad.EmitReport(route.Underlying, model.IndividualReport{DeviceID: 3})

	select {
	case <-reported:
	case <-time.After(time.Second):
		t.Fatal("report was not forwarded")
	}
	require.Equal(t, h, gotHandle)
	require.Equal(t, model.DeviceIdentifier(3), gotReport.DeviceIdentifier())
}

func TestAggregator_DisconnectIsIdempotent(t *testing.T) {
	agg := New([]adapter.DeviceAdapter{newFakeAdapter(model.Capabilities{})})
	require.NoError(t, agg.Start(context.Background()))
	require.NoError(t, agg.Disconnect(context.Background(), model.ConnectionHandle(9999)))
}

func TestAggregator_CapabilitiesUnionsBackingAdapters(t *testing.T) {
	a1 := newFakeAdapter(model.Capabilities{SupportsRPC: true, MaxConcurrentConns: 2})
	a2 := newFakeAdapter(model.Capabilities{SupportsStreaming: true, MaxConcurrentConns: 3})
	agg := New([]adapter.DeviceAdapter{a1, a2})

	caps := agg.Capabilities()
	require.True(t, caps.SupportsRPC)
	require.True(t, caps.SupportsStreaming)
	require.Equal(t, 5, caps.MaxConcurrentConns)
}

func TestAggregator_StopStopsEveryAdapter(t *testing.T) {
	a1 := newFakeAdapter(model.Capabilities{})
	a2 := newFakeAdapter(model.Capabilities{})
	agg := New([]adapter.DeviceAdapter{a1, a2})
	require.NoError(t, agg.Start(context.Background()))
	require.NoError(t, agg.Stop(context.Background()))
	require.False(t, a1.started)
	require.False(t, a2.started)
}
