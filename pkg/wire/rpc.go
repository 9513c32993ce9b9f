package wire

import (
	"fmt"

	"github.com/iotile/coretools/pkg/model"
)

// maxRPCPayload is the largest argument or response payload any RPC may
// carry, per spec §6.
const maxRPCPayload = 20

const (
	rpcRequestHeaderSize  = 4
	rpcResponseHeaderSize = 2
)

// EncodeRPCRequest produces the per-transport RPC request frame
// {address, rpc_id_low, rpc_id_high, payload_len, payload}, per spec §6.
func EncodeRPCRequest(req model.RPCRequest) ([]byte, error) {
	if len(req.Payload) > maxRPCPayload {
		return nil, fmt.Errorf("wire: rpc request payload of %d bytes exceeds %d byte limit", len(req.Payload), maxRPCPayload)
	}
	buf := make([]byte, rpcRequestHeaderSize+len(req.Payload))
	buf[0] = byte(req.Address)
	buf[1] = byte(req.RPCID & 0xFF)
	buf[2] = byte(req.RPCID >> 8)
	buf[3] = byte(len(req.Payload))
	copy(buf[4:], req.Payload)
	return buf, nil
}

// DecodeRPCRequest parses an RPC request frame.
func DecodeRPCRequest(data []byte) (model.RPCRequest, error) {
	if len(data) < rpcRequestHeaderSize {
		return model.RPCRequest{}, fmt.Errorf("wire: rpc request frame too short: %d bytes", len(data))
	}
	payloadLen := int(data[3])
	if len(data) != rpcRequestHeaderSize+payloadLen {
		return model.RPCRequest{}, fmt.Errorf("wire: rpc request declares payload_len %d, frame has %d trailing bytes", payloadLen, len(data)-rpcRequestHeaderSize)
	}
	req := model.RPCRequest{
		Address: model.TileAddress(data[0]),
		RPCID:   model.RPCID(uint16(data[1]) | uint16(data[2])<<8),
	}
	if payloadLen > 0 {
		req.Payload = append([]byte(nil), data[rpcRequestHeaderSize:]...)
	}
	return req, nil
}

// EncodeRPCResponse produces the per-transport RPC response frame
// {status, payload_len, payload}, per spec §6.
func EncodeRPCResponse(resp model.RPCResponse) ([]byte, error) {
	if len(resp.Payload) > maxRPCPayload {
		return nil, fmt.Errorf("wire: rpc response payload of %d bytes exceeds %d byte limit", len(resp.Payload), maxRPCPayload)
	}
	buf := make([]byte, rpcResponseHeaderSize+len(resp.Payload))
	buf[0] = byte(resp.Status)
	buf[1] = byte(len(resp.Payload))
	copy(buf[2:], resp.Payload)
	return buf, nil
}

// DecodeRPCResponse parses an RPC response frame.
func DecodeRPCResponse(data []byte) (model.RPCResponse, error) {
	if len(data) < rpcResponseHeaderSize {
		return model.RPCResponse{}, fmt.Errorf("wire: rpc response frame too short: %d bytes", len(data))
	}
	payloadLen := int(data[1])
	if len(data) != rpcResponseHeaderSize+payloadLen {
		return model.RPCResponse{}, fmt.Errorf("wire: rpc response declares payload_len %d, frame has %d trailing bytes", payloadLen, len(data)-rpcResponseHeaderSize)
	}
	resp := model.RPCResponse{Status: model.RPCStatus(data[0])}
	if payloadLen > 0 {
		resp.Payload = append([]byte(nil), data[rpcResponseHeaderSize:]...)
	}
	return resp, nil
}

// EncodeTileStatusResponse packs a TileStatusResponse according to the
// "H6sBBBB" format descriptor used by RPCTileStatus: a uint16, a 6-byte
// name, and three version bytes followed by the status byte.
func EncodeTileStatusResponse(s model.TileStatusResponse) []byte {
	buf := make([]byte, 12)
	buf[0] = byte(s.HardwareType & 0xFF)
	buf[1] = byte(s.HardwareType >> 8)
	copy(buf[2:8], s.Name[:])
	buf[8] = s.Major
	buf[9] = s.Minor
	buf[10] = s.Patch
	buf[11] = byte(s.Status)
	return buf
}

// DecodeTileStatusResponse unpacks a "H6sBBBB" formatted tile_status
// response payload.
func DecodeTileStatusResponse(payload []byte) (model.TileStatusResponse, error) {
	if len(payload) != 12 {
		return model.TileStatusResponse{}, fmt.Errorf("wire: tile_status payload must be 12 bytes, got %d", len(payload))
	}
	var s model.TileStatusResponse
	s.HardwareType = uint16(payload[0]) | uint16(payload[1])<<8
	copy(s.Name[:], payload[2:8])
	s.Major = payload[8]
	s.Minor = payload[9]
	s.Patch = payload[10]
	s.Status = model.TileStatusBits(payload[11])
	return s, nil
}
