package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotile/coretools/pkg/model"
)

func TestRPCRequestRoundTrip(t *testing.T) {
	req := model.RPCRequest{
		Address: 8,
		RPCID:   model.RPCTileStatus,
		Payload: nil,
	}
	buf, err := EncodeRPCRequest(req)
	require.NoError(t, err)
	assert.Equal(t, []byte{8, 0x04, 0x00, 0}, buf)

	decoded, err := DecodeRPCRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, req.Address, decoded.Address)
	assert.Equal(t, req.RPCID, decoded.RPCID)
	assert.Empty(t, decoded.Payload)
}

func TestRPCRequestRejectsOversizePayload(t *testing.T) {
	_, err := EncodeRPCRequest(model.RPCRequest{Payload: make([]byte, 21)})
	assert.Error(t, err)
}

func TestRPCResponseRoundTrip(t *testing.T) {
	resp := model.RPCResponse{
		Status:  model.RPCStatusHasPayload,
		Payload: []byte{1, 2, 3},
	}
	buf, err := EncodeRPCResponse(resp)
	require.NoError(t, err)

	decoded, err := DecodeRPCResponse(buf)
	require.NoError(t, err)
	assert.Equal(t, resp, decoded)
}

// TestTileStatusResponseMatchesWorkedExample reproduces the gateway's
// worked example for tile@8: a virtual "Simple" tile at version 1.0.0
// reporting configured+running status.
func TestTileStatusResponseMatchesWorkedExample(t *testing.T) {
	status := model.TileStatusResponse{
		HardwareType: model.StatusHardwareType,
		Major:        1,
		Minor:        0,
		Patch:        0,
		Status:       model.TileStatusRunning | model.TileStatusConfigured,
	}
	copy(status.Name[:], "Simple")

	payload := EncodeTileStatusResponse(status)
	assert.Equal(t, []byte{
		0xff, 0xff, 0x53, 0x69, 0x6d, 0x70, 0x6c, 0x65, 0x01, 0x00, 0x00, 0x03,
	}, payload)

	decoded, err := DecodeTileStatusResponse(payload)
	require.NoError(t, err)
	assert.Equal(t, status, decoded)
}

func TestDecodeTileStatusResponseRejectsWrongSize(t *testing.T) {
	_, err := DecodeTileStatusResponse(make([]byte, 5))
	assert.Error(t, err)
}
