// Package virtual implements the in-process Virtual Device Host and
// tile RPC dispatcher (spec §4.8, C8): synthetic devices used for
// testing and for locally hosted tiles, addressed and dispatched the
// same way a real transport's tiles are.
package virtual

import (
	"context"
	"sync"

	"github.com/iotile/coretools/pkg/gwerrors"
	"github.com/iotile/coretools/pkg/model"
)

// ErrAsyncPending is returned by a HandlerFunc to signal that its result
// is not ready yet; the dispatcher replies with RPCStatusAsyncPending
// and the caller later delivers the real result with Tile.FinishAsync.
var ErrAsyncPending = gwerrors.New(gwerrors.AsyncRPCInFlight, "rpc result pending")

// HandlerFunc implements one tile RPC. It receives the already-unpacked
// argument values (per the RPC's registered arg format) and the channel
// the handler can use to emit reports or trace bytes, and returns result
// values to be packed per the RPC's registered response format.
type HandlerFunc func(ctx context.Context, channel *DeviceChannel, args []any) ([]any, error)

type registeredRPC struct {
	argFormat  string
	respFormat string
	handler    HandlerFunc
}

// AsyncToken identifies one in-flight async RPC so its caller can later
// retrieve the completed result.
type AsyncToken uint64

type pendingAsync struct {
	done       chan struct{}
	respFormat string
	response   model.RPCResponse
	err        error
}

// Tile is one addressable RPC endpoint within a VirtualDevice, per spec
// §4.8: a name, a version triple, a status state machine, and an RPC
// handler table indexed by rpc_id.
type Tile struct {
	Address model.TileAddress
	Name    string
	Major   uint8
	Minor   uint8
	Patch   uint8

	mu         sync.Mutex
	configured bool
	running    bool
	trapped    bool
	debugMode  bool

	handlers map[model.RPCID]registeredRPC

	asyncMu sync.Mutex
	nextTok AsyncToken
	pending map[AsyncToken]*pendingAsync
}

// NewTile creates a tile at address with the given identity, already
// configured and running, and registers the reserved status/version
// RPCs every tile must answer.
func NewTile(address model.TileAddress, name string, major, minor, patch uint8) *Tile {
	t := &Tile{
		Address:    address,
		Name:       name,
		Major:      major,
		Minor:      minor,
		Patch:      patch,
		configured: true,
		running:    true,
		handlers:   make(map[model.RPCID]registeredRPC),
		pending:    make(map[AsyncToken]*pendingAsync),
	}
	t.registerReservedRPCs()
	return t
}

func (t *Tile) registerReservedRPCs() {
	t.RegisterRPC(model.RPCTileStatus, "", "H6sBBBB", func(_ context.Context, _ *DeviceChannel, _ []any) ([]any, error) {
		name, err := padName(t.Name)
		if err != nil {
			return nil, err
		}
		return []any{uint16(model.StatusHardwareType), name, t.Major, t.Minor, t.Patch, uint8(t.statusByte())}, nil
	})

	t.RegisterRPC(model.RPCTileVersion, "", "BBB", func(context.Context, *DeviceChannel, []any) ([]any, error) {
		return []any{t.Major, t.Minor, t.Patch}, nil
	})

	t.RegisterRPC(model.RPCReset, "", "", func(context.Context, *DeviceChannel, []any) ([]any, error) {
		t.mu.Lock()
		t.trapped = false
		t.debugMode = false
		t.mu.Unlock()
		return nil, nil
	})
}

// statusByte packs the tile's Configured/Running bits into the status
// byte the 0x0004 RPC returns, per spec §4.8.
func (t *Tile) statusByte() model.TileStatusBits {
	t.mu.Lock()
	defer t.mu.Unlock()
	var s model.TileStatusBits
	if t.running {
		s |= model.TileStatusRunning
	}
	if t.configured {
		s |= model.TileStatusConfigured
	}
	return s
}

// SetTrapped marks the tile as having faulted; RegisterRPC handlers can
// check this via IsTrapped to refuse further RPCs until Reset.
func (t *Tile) SetTrapped(trapped bool) {
	t.mu.Lock()
	t.trapped = trapped
	t.mu.Unlock()
}

// IsTrapped reports whether the tile is in a faulted state.
func (t *Tile) IsTrapped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trapped
}

// RegisterRPC declares an RPC's argument and response format
// descriptors and its handler, per spec §4.8's per-RPC format
// descriptor scheme.
func (t *Tile) RegisterRPC(id model.RPCID, argFormat, respFormat string, fn HandlerFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[id] = registeredRPC{argFormat: argFormat, respFormat: respFormat, handler: fn}
}

// Dispatch validates, unpacks, invokes and packs one RPC call against
// this tile's handler table, per spec §4.8. When the handler returns
// ErrAsyncPending, Dispatch returns an AsyncPending response plus a
// nonzero AsyncToken the caller can later exchange for the real result
// via WaitAsync; the token is dispatcher-internal bookkeeping and is
// never itself part of the wire response.
//
// Dispatch-level failures (no handler registered for id, a payload that
// does not match the RPC's declared format) are returned as errors
// directly, per spec §6's "send_rpc ... fails with TileBusy, TileNotFound,
// RPCNotFound, RPCInvalidArgs, Disconnected, Timeout" — those are
// failure modes of the call, not orthogonal status bits. A tile-defined
// business error from the handler itself is instead packed onto the wire
// with the AppError bit set, per spec §3's "app_error — tile-defined
// application error in payload", since the caller must be able to see it
// without the call itself failing outright. A TileBusy handler error gets
// its own dedicated status bit rather than folding into a payload byte,
// since it is spec §3's other orthogonal bit, not an application error.
func (t *Tile) Dispatch(ctx context.Context, channel *DeviceChannel, id model.RPCID, payload []byte) (model.RPCResponse, AsyncToken, error) {
	t.mu.Lock()
	rpc, ok := t.handlers[id]
	t.mu.Unlock()
	if !ok {
		return model.RPCResponse{}, 0, gwerrors.New(gwerrors.RPCNotFound, "tile %d has no rpc %#04x", t.Address, id)
	}

	args, err := unpack(rpc.argFormat, payload)
	if err != nil {
		return model.RPCResponse{}, 0, err
	}

	results, err := rpc.handler(ctx, channel, args)
	if err == ErrAsyncPending {
		return model.RPCResponse{Status: model.RPCStatusAsyncPending}, t.beginAsync(rpc.respFormat), nil
	}
	if err != nil {
		if gwerrors.KindOf(err) == gwerrors.TileBusy {
			return model.RPCResponse{Status: model.RPCStatusBusy}, 0, nil
		}
		return appErrorResponse(err), 0, nil
	}

	respPayload, err := pack(rpc.respFormat, results)
	if err != nil {
		return model.RPCResponse{}, 0, err
	}

	status := model.RPCStatus(0)
	if len(respPayload) > 0 {
		status |= model.RPCStatusHasPayload
	}
	return model.RPCResponse{Status: status, Payload: respPayload}, 0, nil
}

func (t *Tile) beginAsync(respFormat string) AsyncToken {
	t.asyncMu.Lock()
	defer t.asyncMu.Unlock()
	t.nextTok++
	tok := t.nextTok
	t.pending[tok] = &pendingAsync{done: make(chan struct{}), respFormat: respFormat}
	return tok
}

// FinishAsync delivers the final result for a pending async RPC,
// unblocking any caller waiting on WaitAsync.
func (t *Tile) FinishAsync(token AsyncToken, results []any, err error) {
	t.asyncMu.Lock()
	p, ok := t.pending[token]
	t.asyncMu.Unlock()
	if !ok {
		return
	}

	if err != nil {
		p.err = err
	} else {
		payload, packErr := pack(p.respFormat, results)
		if packErr != nil {
			p.err = packErr
		} else {
			status := model.RPCStatus(0)
			if len(payload) > 0 {
				status |= model.RPCStatusHasPayload
			}
			p.response = model.RPCResponse{Status: status, Payload: payload}
		}
	}
	close(p.done)
}

// WaitAsync blocks until token's result is delivered via FinishAsync or
// ctx is cancelled.
func (t *Tile) WaitAsync(ctx context.Context, token AsyncToken) (model.RPCResponse, error) {
	t.asyncMu.Lock()
	p, ok := t.pending[token]
	t.asyncMu.Unlock()
	if !ok {
		return model.RPCResponse{}, gwerrors.New(gwerrors.BadArgument, "unknown async token %d", token)
	}

	select {
	case <-p.done:
		t.asyncMu.Lock()
		delete(t.pending, token)
		t.asyncMu.Unlock()
		return p.response, p.err
	case <-ctx.Done():
		return model.RPCResponse{}, gwerrors.New(gwerrors.Cancelled, "wait for async rpc %d cancelled", token)
	}
}

// appErrorResponse packs a handler-returned business error onto the wire
// as a tile-defined application error: the AppError bit is set and the
// error's Kind travels as a single byte in the payload, per spec §3's
// "app_error — tile-defined application error in payload". Kind fits in
// one byte for every value defined today; a future Kind past 255 would
// need a wider encoding, but none exists yet.
func appErrorResponse(err error) model.RPCResponse {
	return model.RPCResponse{
		Status:  model.RPCStatusAppError | model.RPCStatusHasPayload,
		Payload: []byte{byte(gwerrors.KindOf(err))},
	}
}
