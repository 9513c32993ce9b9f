package connfsm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iotile/coretools/pkg/auditlog"
	"github.com/iotile/coretools/pkg/gwerrors"
	"github.com/iotile/coretools/pkg/model"
)

func TestMachine_ConnectThenOpenInterface(t *testing.T) {
	m := New(1, 42, nil, "s1")
	require.Equal(t, StateNew, m.State())

	require.NoError(t, m.MarkConnected())
	require.Equal(t, StateConnected, m.State())

	require.NoError(t, m.OpenInterface(model.InterfaceRPC))
	require.True(t, m.IsOpen(model.InterfaceRPC))
}

func TestMachine_OpenInterfaceRequiresConnected(t *testing.T) {
	m := New(1, 42, nil, "s1")
	err := m.OpenInterface(model.InterfaceRPC)
	require.True(t, gwerrors.Is(err, gwerrors.NotConnected))
}

func TestMachine_ScriptExclusiveWithStreaming(t *testing.T) {
	m := New(1, 42, nil, "s1")
	require.NoError(t, m.MarkConnected())
	require.NoError(t, m.OpenInterface(model.InterfaceStreaming))

	err := m.OpenInterface(model.InterfaceScript)
	require.Error(t, err)
}

func TestMachine_DisconnectCancelsInFlightRPC(t *testing.T) {
	bus := auditlog.NewBus()
	var events []auditlog.Event
	bus.Register(sinkFunc(func(e auditlog.Event) { events = append(events, e) }))

	m := New(1, 42, bus, "s1")
	require.NoError(t, m.MarkConnected())
	require.NoError(t, m.OpenInterface(model.InterfaceRPC))

	p, err := m.BeginRPC()
	require.NoError(t, err)

	done := make(chan struct{})
	var waitErr error
	go func() {
		_, waitErr = m.Wait(context.Background(), p)
		close(done)
	}()

	m.Disconnect("peer closed")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait did not unblock after disconnect")
	}
	require.True(t, gwerrors.Is(waitErr, gwerrors.Disconnected))
	require.Equal(t, StateDisconnected, m.State())
	require.False(t, m.IsOpen(model.InterfaceRPC))
}

func TestMachine_AsyncPromiseResolves(t *testing.T) {
	m := New(1, 42, nil, "s1")
	require.NoError(t, m.MarkConnected())

	tok := m.AllocateAsyncToken()
	go m.ResolveAsync(tok, model.RPCResponse{Status: model.RPCStatusHasPayload, Payload: []byte{1}}, nil)

	resp, err := m.WaitAsync(context.Background(), tok)
	require.NoError(t, err)
	require.Equal(t, []byte{1}, resp.Payload)
}

func TestMachine_AsyncPromiseCancelledOnDisconnect(t *testing.T) {
	m := New(1, 42, nil, "s1")
	require.NoError(t, m.MarkConnected())
	tok := m.AllocateAsyncToken()

	done := make(chan error, 1)
	go func() {
		_, err := m.WaitAsync(context.Background(), tok)
		done <- err
	}()

	m.Disconnect("lost link")

	select {
	case err := <-done:
		require.True(t, gwerrors.Is(err, gwerrors.Disconnected))
	case <-time.After(time.Second):
		t.Fatal("WaitAsync did not unblock")
	}
}

type sinkFunc func(auditlog.Event)

func (f sinkFunc) Log(e auditlog.Event) { f(e) }
