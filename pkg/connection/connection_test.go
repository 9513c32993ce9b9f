package connection_test

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotile/coretools/pkg/adapter"
	"github.com/iotile/coretools/pkg/adapter/serial"
	"github.com/iotile/coretools/pkg/connection"
	"github.com/iotile/coretools/pkg/gwerrors"
	"github.com/iotile/coretools/pkg/model"
)

func fastBackoff() *connection.Backoff {
	return connection.NewBackoffWithConfig(connection.BackoffConfig{
		Initial:    5 * time.Millisecond,
		Max:        20 * time.Millisecond,
		Multiplier: 2,
		Jitter:     0,
	})
}

func TestBackoff_SequenceDoublesUpToMax(t *testing.T) {
	b := connection.NewBackoffWithConfig(connection.BackoffConfig{
		Initial:    100 * time.Millisecond,
		Max:        500 * time.Millisecond,
		Multiplier: 2,
		Jitter:     0,
	})

	got := []time.Duration{b.Next(), b.Next(), b.Next(), b.Next()}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond, // clamped to Max
	}, got)

	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.Current())
	assert.Zero(t, b.Attempts())
}

func TestManager_ConnectAndDisconnectTransitions(t *testing.T) {
	m := connection.NewManager(func(context.Context) error { return nil })
	defer m.Close()
	m.SetAutoReconnect(false)

	var transitions []connection.State
	m.OnStateChange(func(_, newState connection.State) {
		transitions = append(transitions, newState)
	})

	require.NoError(t, m.Connect(context.Background()))
	assert.True(t, m.IsConnected())

	m.Disconnect()
	assert.False(t, m.IsConnected())
	assert.Equal(t, []connection.State{
		connection.StateConnecting,
		connection.StateConnected,
		connection.StateDisconnected,
	}, transitions)
}

// TestManager_SilentReconnectWithinBudgetNeverFires covers spec §4.3's
// "the adapter may attempt at most reconnect_attempts silent reconnects
// before raising": a link that recovers on its second dial never
// triggers OnReconnectFailed.
func TestManager_SilentReconnectWithinBudgetNeverFires(t *testing.T) {
	var dialCount atomic.Int32
	m := connection.NewManager(func(context.Context) error {
		dialCount.Add(1)
		return nil
	}, connection.WithBackoff(fastBackoff()), connection.WithMaxSilentAttempts(3))
	m.StartReconnectLoop()
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))

	var failed atomic.Bool
	m.OnReconnectFailed(func(error) { failed.Store(true) })

	m.NotifyConnectionLost()

	require.Eventually(t, m.IsConnected, time.Second, time.Millisecond)
	assert.False(t, failed.Load())
}

// TestManager_ExhaustsSilentAttemptsBeforeRaising covers the other side
// of the same policy: a link that never recovers must stop retrying
// after exactly maxSilentAttempts and report a Disconnected
// *gwerrors.Error rather than retrying forever.
func TestManager_ExhaustsSilentAttemptsBeforeRaising(t *testing.T) {
	var dialCount atomic.Int32
	firstConnect := true
	dialErr := errors.New("port gone")

	m := connection.NewManager(func(context.Context) error {
		dialCount.Add(1)
		if firstConnect {
			firstConnect = false
			return nil
		}
		return dialErr
	}, connection.WithBackoff(fastBackoff()), connection.WithMaxSilentAttempts(3))
	m.StartReconnectLoop()
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))

	failed := make(chan error, 1)
	m.OnReconnectFailed(func(err error) { failed <- err })

	m.NotifyConnectionLost()

	select {
	case err := <-failed:
		assert.True(t, gwerrors.Is(err, gwerrors.Disconnected))
	case <-time.After(time.Second):
		t.Fatal("OnReconnectFailed was never called")
	}
	assert.False(t, m.IsConnected())
	assert.GreaterOrEqual(t, int(dialCount.Load()), 4) // 1 initial connect + 3 silent retries
}

// fakePort is a minimal net.Pipe-backed transport for scripting a serial
// port dialer. These tests only exercise transport-loss/reconnect
// behavior, so the server side never answers RPCs.
type fakePort struct {
	client net.Conn
	server net.Conn
}

func newFakePort() *fakePort {
	c, s := net.Pipe()
	return &fakePort{client: c, server: s}
}

func (fp *fakePort) sever() {
	fp.server.Close()
	fp.client.Close()
}

// TestSerialAdapter_RecoversFromTransportLossWithinBudget drives the
// actual consumer of pkg/connection's reconnect_attempts budget: a
// serial.Adapter whose port drops mid-session and comes back before the
// budget is exhausted must never call OnDisconnect.
func TestSerialAdapter_RecoversFromTransportLossWithinBudget(t *testing.T) {
	ports := []*fakePort{newFakePort(), newFakePort()}
	var dialCount atomic.Int32

	a := serial.New(model.DeviceIdentifier(9), serial.Config{
		Path: "/dev/fake0",
		Dial: func(context.Context) (io.ReadWriteCloser, error) {
			n := dialCount.Add(1)
			if int(n) > len(ports) {
				return nil, errors.New("no more scripted ports")
			}
			return ports[n-1].client, nil
		},
		ReconnectBackoff: fastBackoff(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer a.Stop(ctx)

	handle, err := a.Connect(ctx, "/dev/fake0")
	require.NoError(t, err)

	var disconnected atomic.Bool
	a.SetCallbacks(adapter.Callbacks{
		OnDisconnect: func(model.ConnectionHandle, error) { disconnected.Store(true) },
	})

	ports[0].sever()
	_, _ = a.SendRPC(ctx, handle, model.RPCRequest{Address: 8, RPCID: model.RPCTileStatus}, 100*time.Millisecond)

	require.Eventually(t, func() bool { return dialCount.Load() >= 2 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, disconnected.Load())
}

// TestSerialAdapter_RaisesDisconnectAfterReconnectBudgetExhausted covers
// the other half: a port that never comes back must surface an
// OnDisconnect after serial.ReconnectAttempts silent tries.
func TestSerialAdapter_RaisesDisconnectAfterReconnectBudgetExhausted(t *testing.T) {
	port := newFakePort()
	used := false

	a := serial.New(model.DeviceIdentifier(9), serial.Config{
		Path: "/dev/fake0",
		Dial: func(context.Context) (io.ReadWriteCloser, error) {
			if !used {
				used = true
				return port.client, nil
			}
			return nil, errors.New("port permanently gone")
		},
		ReconnectBackoff: fastBackoff(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer a.Stop(ctx)

	handle, err := a.Connect(ctx, "/dev/fake0")
	require.NoError(t, err)

	disconnected := make(chan error, 1)
	a.SetCallbacks(adapter.Callbacks{
		OnDisconnect: func(_ model.ConnectionHandle, err error) { disconnected <- err },
	})

	port.sever()
	_, _ = a.SendRPC(ctx, handle, model.RPCRequest{Address: 8, RPCID: model.RPCTileStatus}, 50*time.Millisecond)

	select {
	case err := <-disconnected:
		assert.True(t, gwerrors.Is(err, gwerrors.Disconnected))
	case <-time.After(2 * time.Second):
		t.Fatal("adapter never raised OnDisconnect after exhausting reconnect budget")
	}
}
