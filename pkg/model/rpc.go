package model

// TileAddress is the 8-bit local address of a tile within a device, per
// spec §3. Address 8 is conventionally the first user-visible application
// tile in the original IOTile firmware; address 0 is the controller tile.
type TileAddress uint8

// RPCID is the 16-bit identifier of an RPC exposed by a tile. Two ranges
// are reserved by the platform regardless of tile: 0x0004 (tile_status)
// and 0x0008 (tile hardware/firmware version), plus 0x1002 (reset),
// per spec §3/§6 and grounded on the original VirtualTile's always-present
// status RPC.
type RPCID uint16

const (
	// RPCTileStatus is the required status RPC every tile answers so a
	// caller can match a proxy object to the tile: arg format "", response
	// format "H6sBBBB" -> [hw_type, name(6), major, minor, patch, status].
	RPCTileStatus RPCID = 0x0004

	// RPCTileVersion reports the tile's hardware/firmware version triple.
	RPCTileVersion RPCID = 0x0008

	// RPCReset asks the tile (or controller) to reset itself.
	RPCReset RPCID = 0x1002
)

// StatusHardwareType is the hw_type value a virtual tile reports in its
// tile_status response; 0xFFFF marks "no real hardware", per the original
// VirtualTile.tile_status implementation.
const StatusHardwareType uint16 = 0xFFFF

// TileStatusBits are the status byte flags returned by RPCTileStatus.
type TileStatusBits uint8

const (
	TileStatusRunning    TileStatusBits = 1 << 0
	TileStatusConfigured TileStatusBits = 1 << 1
)

// RPCStatus is the 8-bit status byte returned with every RPC response,
// per spec §3: "status encodes four orthogonal bits: busy, async_pending,
// app_error, has_payload." The four bits are independent of one another,
// so a successful RPC with an empty response payload (e.g. RPCReset) is
// status zero with none of them set — a distinct status from Busy, which
// is its own dedicated bit rather than "the whole byte is zero".
type RPCStatus uint8

const (
	// RPCStatusBusy marks that the tile could not accept the RPC right
	// now; the caller may retry, per spec §7's TileBusy retry policy.
	RPCStatusBusy RPCStatus = 1 << 0

	// RPCStatusAsyncPending marks that the RPC has not finished and the
	// caller must wait for the result to arrive via a side channel, per
	// spec §4.3's async RPC handling.
	RPCStatusAsyncPending RPCStatus = 1 << 1

	// RPCStatusAppError marks that a tile-defined application error
	// occurred; the error code travels in the response payload rather
	// than in the status byte itself.
	RPCStatusAppError RPCStatus = 1 << 2

	// RPCStatusHasPayload marks that the response payload is meaningful;
	// without it, payload bytes must be ignored. Set independently of
	// the other three bits, so it never collides with Busy.
	RPCStatusHasPayload RPCStatus = 1 << 3
)

// Busy reports whether the tile could not accept the RPC right now.
func (s RPCStatus) Busy() bool { return s&RPCStatusBusy != 0 }

// AppError reports whether a tile-defined application error occurred;
// its code is carried in the response payload, not the status byte.
func (s RPCStatus) AppError() bool { return s&RPCStatusAppError != 0 }

// HasPayload reports whether the response payload is meaningful.
func (s RPCStatus) HasPayload() bool { return s&RPCStatusHasPayload != 0 }

// RPCRequest is one RPC call addressed to a tile on a connected device,
// per spec §6's wire frame {address, rpc_id, payload}.
type RPCRequest struct {
	Address TileAddress
	RPCID   RPCID
	Payload []byte // at most 20 bytes, per spec §6
}

// RPCResponse is the result of an RPCRequest, per spec §6's wire frame
// {status, payload}.
type RPCResponse struct {
	Status  RPCStatus
	Payload []byte // at most 20 bytes, per spec §6
}

// TileStatusResponse is the decoded form of an RPCTileStatus response,
// matching the original VirtualTile.tile_status return shape
// [hw_type, name, major, minor, patch, status].
type TileStatusResponse struct {
	HardwareType uint16
	Name         [6]byte
	Major        uint8
	Minor        uint8
	Patch        uint8
	Status       TileStatusBits
}
