package virtual

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iotile/coretools/pkg/gwerrors"
	"github.com/iotile/coretools/pkg/model"
)

func newHostedDevice(t *testing.T) (*VirtualHost, model.ConnectionHandle, *Tile) {
	t.Helper()
	tile := NewTile(8, "Simple", 1, 0, 0)
	device := NewVirtualDevice(1)
	device.AddTile(tile)
	host := NewVirtualHost(device)

	handle, err := host.Connect(context.Background(), connectionStringFor(1))
	require.NoError(t, err)
	return host, handle, tile
}

func TestVirtualHost_ConnectOpensRPCImplicitly(t *testing.T) {
	host, handle, _ := newHostedDevice(t)
	conn, err := host.connOrError(handle)
	require.NoError(t, err)
	require.True(t, conn.machine.IsOpen(model.InterfaceRPC))
}

func TestVirtualHost_OpenInterfaceEnforcesMutualExclusion(t *testing.T) {
	host, handle, _ := newHostedDevice(t)

	require.NoError(t, host.OpenInterface(context.Background(), handle, model.InterfaceStreaming))

	err := host.OpenInterface(context.Background(), handle, model.InterfaceScript)
	require.Error(t, err)
}

func TestVirtualHost_SendRPCVoidSuccessIsNotBusy(t *testing.T) {
	host, handle, _ := newHostedDevice(t)

	resp, err := host.SendRPC(context.Background(), handle, model.RPCRequest{Address: 8, RPCID: model.RPCReset}, time.Second)
	require.NoError(t, err)
	require.False(t, resp.Status.Busy())
	require.False(t, resp.Status.HasPayload())
}

func TestVirtualHost_DisconnectCancelsInFlightAsyncRPCWithDisconnected(t *testing.T) {
	tile := NewTile(8, "Async", 1, 0, 0)
	started := make(chan struct{})
	tile.RegisterRPC(0x9010, "", "H", func(context.Context, *DeviceChannel, []any) ([]any, error) {
		close(started)
		return nil, ErrAsyncPending
	})
	device := NewVirtualDevice(1)
	device.AddTile(tile)
	host := NewVirtualHost(device)

	handle, err := host.Connect(context.Background(), connectionStringFor(1))
	require.NoError(t, err)

	type result struct {
		resp model.RPCResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, sendErr := host.SendRPC(context.Background(), handle, model.RPCRequest{Address: 8, RPCID: 0x9010}, 5*time.Second)
		done <- result{resp, sendErr}
	}()

	<-started
	require.NoError(t, host.Disconnect(context.Background(), handle))

	select {
	case r := <-done:
		require.True(t, gwerrors.Is(r.err, gwerrors.Disconnected), "want Disconnected, got %v", r.err)
	case <-time.After(time.Second):
		t.Fatal("SendRPC did not unblock after Disconnect")
	}
}

func TestVirtualHost_SendRPCFailsWhenRPCInterfaceNotOpen(t *testing.T) {
	host, handle, _ := newHostedDevice(t)
	require.NoError(t, host.CloseInterface(context.Background(), handle, model.InterfaceRPC))

	_, err := host.SendRPC(context.Background(), handle, model.RPCRequest{Address: 8, RPCID: model.RPCReset}, time.Second)
	require.True(t, gwerrors.Is(err, gwerrors.InterfaceNotOpen))
}
