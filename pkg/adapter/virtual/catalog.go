package virtual

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/iotile/coretools/pkg/model"
)

// catalogDocument is the on-disk shape of a YAML tile catalog: a set of
// devices, each declaring its tiles and each tile's fixed RPC table,
// grounded on the original iotileemulate demo tiles (bill-of-materials
// style RPC tables declared data-first rather than in Go), per spec
// §4.8's supplemented-features note.
type catalogDocument struct {
	Devices []catalogDevice `yaml:"devices"`
}

type catalogDevice struct {
	DeviceID uint64        `yaml:"device_id"`
	Tiles    []catalogTile `yaml:"tiles"`
}

type catalogTile struct {
	Address uint8        `yaml:"address"`
	Name    string       `yaml:"name"`
	Major   uint8        `yaml:"major"`
	Minor   uint8        `yaml:"minor"`
	Patch   uint8        `yaml:"patch"`
	RPCs    []catalogRPC `yaml:"rpcs"`
}

// catalogRPC declares one RPC that always returns the same canned
// Result, the constant-response pattern a YAML-declared demo tile can
// express without Go code; a tile needing stateful behavior still
// registers a HandlerFunc directly via Tile.RegisterRPC.
type catalogRPC struct {
	ID         uint16 `yaml:"id"`
	ArgFormat  string `yaml:"arg_format"`
	RespFormat string `yaml:"resp_format"`
	Result     []any  `yaml:"result"`
}

// LoadCatalog parses a YAML tile catalog and returns one VirtualDevice
// per declared device, ready to pass to NewVirtualHost.
func LoadCatalog(data []byte) ([]*VirtualDevice, error) {
	var doc catalogDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("virtual: parse catalog: %w", err)
	}

	devices := make([]*VirtualDevice, 0, len(doc.Devices))
	for _, cd := range doc.Devices {
		dev := NewVirtualDevice(model.DeviceIdentifier(cd.DeviceID))
		for _, ct := range cd.Tiles {
			tile := NewTile(model.TileAddress(ct.Address), ct.Name, ct.Major, ct.Minor, ct.Patch)
			for _, rpc := range ct.RPCs {
				result := rpc.Result
				tile.RegisterRPC(model.RPCID(rpc.ID), rpc.ArgFormat, rpc.RespFormat,
					func(context.Context, *DeviceChannel, []any) ([]any, error) {
						return result, nil
					})
			}
			dev.AddTile(tile)
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// LoadCatalogFile reads and parses a YAML tile catalog from path.
func LoadCatalogFile(path string) ([]*VirtualDevice, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("virtual: read catalog %s: %w", path, err)
	}
	return LoadCatalog(data)
}
