package gatewayinstance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iotile/coretools/pkg/gatewayconfig"
)

func TestNew_BuildsVirtualAdapterAndWebsocketAgent(t *testing.T) {
	reg, err := NewDefaultRegistry()
	require.NoError(t, err)

	cfg := &gatewayconfig.Config{
		Adapters: []gatewayconfig.ComponentConfig{
			{Name: "virtual0", Kind: "virtual"},
		},
		Agents: []gatewayconfig.ComponentConfig{
			{Name: "ws0", Kind: "websocket", Options: map[string]any{"address": "127.0.0.1:0"}},
		},
	}

	inst, err := New(cfg, reg)
	require.NoError(t, err)
	require.NotNil(t, inst.Manager())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, inst.Start(ctx))
	require.NoError(t, inst.Stop(ctx))
}

func TestNew_UnknownAdapterKindFails(t *testing.T) {
	reg, err := NewDefaultRegistry()
	require.NoError(t, err)

	cfg := &gatewayconfig.Config{
		Adapters: []gatewayconfig.ComponentConfig{{Name: "a", Kind: "nonexistent"}},
	}
	_, err = New(cfg, reg)
	require.Error(t, err)
}

func TestNew_SerialAdapterRequiresAddress(t *testing.T) {
	reg, err := NewDefaultRegistry()
	require.NoError(t, err)

	cfg := &gatewayconfig.Config{
		Adapters: []gatewayconfig.ComponentConfig{{Name: "s0", Kind: "serial"}},
	}
	_, err = New(cfg, reg)
	require.Error(t, err)
}
