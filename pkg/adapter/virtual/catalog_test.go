package virtual

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iotile/coretools/pkg/model"
)

const sampleCatalog = `
devices:
  - device_id: 1
    tiles:
      - address: 8
        name: Simple
        major: 1
        minor: 0
        patch: 0
        rpcs:
          - id: 0x9001
            arg_format: ""
            resp_format: "H"
            result: [42]
`

func TestLoadCatalog(t *testing.T) {
	devices, err := LoadCatalog([]byte(sampleCatalog))
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, model.DeviceIdentifier(1), devices[0].DeviceID)

	tile, ok := devices[0].Tile(8)
	require.True(t, ok)
	require.Equal(t, "Simple", tile.Name)

	resp, tok, err := tile.Dispatch(context.Background(), nil, model.RPCID(0x9001), nil)
	require.NoError(t, err)
	require.Zero(t, tok)
	require.True(t, resp.Status.HasPayload())
	require.Equal(t, []byte{42, 0}, resp.Payload)
}
