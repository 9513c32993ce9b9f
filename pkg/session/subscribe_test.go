package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iotile/coretools/pkg/gwerrors"
	"github.com/iotile/coretools/pkg/model"
	"github.com/iotile/coretools/pkg/reportpipe"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met before deadline")
}

func TestManager_SubscribeStreamingReceivesReports(t *testing.T) {
	ad := newFakeAdapter()
	m := NewManager(context.Background(), ad, nil)
	sid := m.SessionOpen()

	received := make(chan model.Report, 1)
	err := m.Subscribe(sid, 1, model.InterfaceStreaming, func(r model.Report) {
		received <- r
	}, nil)
	require.NoError(t, err)

	ad.EmitReport(model.ConnectionHandle(1), model.IndividualReport{DeviceID: 1})

	select {
	case r := <-received:
		require.Equal(t, model.DeviceIdentifier(1), r.DeviceIdentifier())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for report")
	}
}

func TestManager_SubscribeDispatchesToExactAndAnySelector(t *testing.T) {
	ad := newFakeAdapter()
	m := NewManager(context.Background(), ad, nil)
	sid := m.SessionOpen()

	anySelector := make(chan model.Report, 1)
	require.NoError(t, m.Subscribe(sid, 1, model.InterfaceStreaming, func(r model.Report) {
		anySelector <- r
	}, nil))

	exactSelector := make(chan model.Report, 1)
	unsub, err := m.demux.Subscribe(reportpipe.Key{DeviceID: 1, Selector: 5}, 0, func(_ context.Context, r model.Report) error {
		exactSelector <- r
		return nil
	})
	require.NoError(t, err)
	defer unsub()

	report := model.SignedListReport{DeviceID: 1, Flags: model.ReportFlags{Selector: 5}}
	ad.EmitReport(model.ConnectionHandle(1), report)

	select {
	case <-anySelector:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting on AnySelector delivery")
	}
	select {
	case <-exactSelector:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting on exact-selector delivery")
	}
}

func TestManager_SubscribeRejectsNonStreamingNonTracingKind(t *testing.T) {
	m := NewManager(context.Background(), newFakeAdapter(), nil)
	sid := m.SessionOpen()

	err := m.Subscribe(sid, 1, model.InterfaceRPC, nil, nil)
	require.True(t, gwerrors.Is(err, gwerrors.BadArgument))
}

func TestManager_SubscribeUnknownSessionFails(t *testing.T) {
	m := NewManager(context.Background(), newFakeAdapter(), nil)
	err := m.Subscribe("nonexistent", 1, model.InterfaceStreaming, func(model.Report) {}, nil)
	require.True(t, gwerrors.Is(err, gwerrors.BadArgument))
}

func TestManager_SubscribeTracingFansOutToEachSubscriber(t *testing.T) {
	ad := newFakeAdapter()
	m := NewManager(context.Background(), ad, nil)
	sidA := m.SessionOpen()
	sidB := m.SessionOpen()

	h, err := m.Connect(context.Background(), sidA, 1)
	require.NoError(t, err)

	gotA := make(chan []byte, 1)
	gotB := make(chan []byte, 1)
	require.NoError(t, m.Subscribe(sidA, 1, model.InterfaceTracing, nil, func(d []byte) { gotA <- d }))
	require.NoError(t, m.Subscribe(sidB, 1, model.InterfaceTracing, nil, func(d []byte) { gotB <- d }))

	ad.EmitTrace(h, []byte("hello"))

	select {
	case d := <-gotA:
		require.Equal(t, []byte("hello"), d)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting on subscriber A")
	}
	select {
	case d := <-gotB:
		require.Equal(t, []byte("hello"), d)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting on subscriber B")
	}
}

func TestManager_UnsubscribeOnSessionCloseStopsTraceDelivery(t *testing.T) {
	ad := newFakeAdapter()
	m := NewManager(context.Background(), ad, nil)
	sid := m.SessionOpen()

	h, err := m.Connect(context.Background(), sid, 1)
	require.NoError(t, err)

	got := make(chan []byte, 1)
	require.NoError(t, m.Subscribe(sid, 1, model.InterfaceTracing, nil, func(d []byte) { got <- d }))
	require.NoError(t, m.SessionClose(context.Background(), sid))

	m.mu.Lock()
	_, exists := m.traceSinks[1]
	m.mu.Unlock()
	require.False(t, exists)

	ad.EmitTrace(h, []byte("late"))
	select {
	case <-got:
		t.Fatal("trace delivered after session closed its subscription")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_BroadcastMonitorPatternAllMatchesEveryDevice(t *testing.T) {
	ad := newFakeAdapter()
	m := NewManager(context.Background(), ad, nil)
	sid := m.SessionOpen()

	got := make(chan model.ScanResult, 2)
	require.NoError(t, m.BroadcastMonitor(sid, PatternAll(), func(r model.ScanResult) { got <- r }))

	ad.EmitBroadcast(model.ScanResult{DeviceID: 1})
	ad.EmitBroadcast(model.ScanResult{DeviceID: 2})

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting on broadcast")
		}
	}
}

func TestManager_BroadcastMonitorPatternDeviceFiltersOthers(t *testing.T) {
	ad := newFakeAdapter()
	m := NewManager(context.Background(), ad, nil)
	sid := m.SessionOpen()

	got := make(chan model.ScanResult, 1)
	require.NoError(t, m.BroadcastMonitor(sid, PatternDevice(1), func(r model.ScanResult) { got <- r }))

	ad.EmitBroadcast(model.ScanResult{DeviceID: 2})
	ad.EmitBroadcast(model.ScanResult{DeviceID: 1})

	select {
	case r := <-got:
		require.Equal(t, model.DeviceIdentifier(1), r.DeviceID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting on matching broadcast")
	}

	select {
	case <-got:
		t.Fatal("received a broadcast from a non-matching device")
	case <-time.After(50 * time.Millisecond):
	}
}
