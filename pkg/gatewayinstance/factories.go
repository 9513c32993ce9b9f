package gatewayinstance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/iotile/coretools/pkg/adapter"
	"github.com/iotile/coretools/pkg/adapter/serial"
	"github.com/iotile/coretools/pkg/adapter/virtual"
	"github.com/iotile/coretools/pkg/gatewayagent"
	"github.com/iotile/coretools/pkg/gatewayagent/websocket"
	"github.com/iotile/coretools/pkg/model"
	"github.com/iotile/coretools/pkg/registry"
	"github.com/iotile/coretools/pkg/session"
)

// virtualOptions is the options block a "virtual" adapter entry in
// gatewayconfig.ComponentConfig carries: a YAML tile catalog loaded
// wholesale into one VirtualHost, per spec §4.8's supplemented virtual
// device host.
type virtualOptions struct {
	CatalogFile string `json:"catalog_file"`
}

func newVirtualAdapter(raw json.RawMessage) (adapter.DeviceAdapter, error) {
	var opts virtualOptions
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("gatewayinstance: virtual adapter options: %w", err)
		}
	}
	if opts.CatalogFile == "" {
		return virtual.NewVirtualHost(), nil
	}
	devices, err := virtual.LoadCatalogFile(opts.CatalogFile)
	if err != nil {
		return nil, err
	}
	return virtual.NewVirtualHost(devices...), nil
}

// serialOptions configures a "serial" adapter entry. Real deployments
// rarely have direct port access from the gateway's own network
// namespace, so Address names a TCP bridge (e.g. a ser2net endpoint)
// rather than a local device file; Path is kept purely as the
// human-readable ConnectionString a session layer client sees.
type serialOptions struct {
	DeviceID   uint64 `json:"device_id"`
	Path       string `json:"path"`
	Address    string `json:"address"`
	RPCTimeout string `json:"rpc_timeout"`
}

func newSerialAdapter(raw json.RawMessage) (adapter.DeviceAdapter, error) {
	var opts serialOptions
	if err := json.Unmarshal(raw, &opts); err != nil {
		return nil, fmt.Errorf("gatewayinstance: serial adapter options: %w", err)
	}
	if opts.Address == "" {
		return nil, fmt.Errorf("gatewayinstance: serial adapter requires an address")
	}

	var rpcTimeout time.Duration
	if opts.RPCTimeout != "" {
		d, err := time.ParseDuration(opts.RPCTimeout)
		if err != nil {
			return nil, fmt.Errorf("gatewayinstance: serial adapter rpc_timeout: %w", err)
		}
		rpcTimeout = d
	}

	dialer := net.Dialer{}
	cfg := serial.Config{
		Path:       opts.Path,
		RPCTimeout: rpcTimeout,
		Dial: func(ctx context.Context) (io.ReadWriteCloser, error) {
			return dialer.DialContext(ctx, "tcp", opts.Address)
		},
	}
	return serial.New(model.DeviceIdentifier(opts.DeviceID), cfg), nil
}

// websocketOptions configures a "websocket" agent entry.
type websocketOptions struct {
	Address string `json:"address"`
	Path    string `json:"path"`
}

func newWebsocketAgent(manager *session.DeviceManager, raw json.RawMessage) (registry.AgentBinding, error) {
	var opts websocketOptions
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("gatewayinstance: websocket agent options: %w", err)
		}
	}
	return websocket.NewServer(websocket.ServerConfig{
		Address: opts.Address,
		Path:    opts.Path,
	}, gatewayagent.New(manager)), nil
}

// NewDefaultRegistry returns a registry.Registry with every adapter and
// agent kind this binary ships registered under its configuration name:
// "virtual" for the YAML-catalog device host and "serial" for a
// debug-link device reached over a TCP bridge, fronted by a "websocket"
// gatewayagent binding.
func NewDefaultRegistry() (*registry.Registry, error) {
	reg := registry.New()
	if err := reg.RegisterAdapter("virtual", newVirtualAdapter); err != nil {
		return nil, err
	}
	if err := reg.RegisterAdapter("serial", newSerialAdapter); err != nil {
		return nil, err
	}
	if err := reg.RegisterAgent("websocket", newWebsocketAgent); err != nil {
		return nil, err
	}
	return reg, nil
}
