// Package serial implements a DeviceAdapter (C1) for tiles reached over
// a serial or USB debug link: a single device at the far end of one
// io.ReadWriteCloser, framed with pkg/wire's CRC16/MODBUS trailer the
// way nhirsama-Goster-IoT's ProtocolImpl frames its own line protocol,
// and kept alive across transport drops by pkg/connection.Manager's
// backoff-and-redial loop, per spec §4.3's "reconnect_attempts" policy.
//
// A serial link has no scan phase: the device at the other end of the
// port is always the same one, so Probe is a no-op and Connect reports
// DeviceNotFound only for a connection string other than the port's Path.
package serial

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/iotile/coretools/pkg/adapter"
	"github.com/iotile/coretools/pkg/connection"
	"github.com/iotile/coretools/pkg/gwerrors"
	"github.com/iotile/coretools/pkg/model"
	"github.com/iotile/coretools/pkg/wire"
)

// ReconnectAttempts is reconnect_attempts from spec §4.3's default: the
// number of silent redials Manager performs after a mid-flight RPC sees
// its port close before the adapter gives up and reports Disconnected.
const ReconnectAttempts = 3

// Dialer opens the underlying byte stream for one serial port. Real
// deployments pass a function wrapping a serial-port library's Open;
// tests pass a function returning an in-memory pipe, matching the
// teacher's own pattern of keeping transport construction behind a
// narrow functional seam rather than a concrete net.Conn type.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// Config configures an Adapter.
type Config struct {
	// Path is an opaque, adapter-specific identifier for the port this
	// adapter serves, echoed back as the single device's
	// ConnectionString (spec §3).
	Path string

	// Dial opens the port. Required.
	Dial Dialer

	// RPCTimeout bounds how long a single SendRPC waits for a framed
	// response before reporting gwerrors.Timeout.
	RPCTimeout time.Duration

	// ReconnectBackoff overrides the delay curve connection.Manager uses
	// while silently redialing a dropped port. Nil uses Manager's default
	// production backoff (1s-60s); tests substitute a much faster curve
	// to exercise the reconnect_attempts budget without waiting on it.
	ReconnectBackoff *connection.Backoff
}

const defaultRPCTimeout = 2 * time.Second

// Adapter implements adapter.DeviceAdapter over one serial/debug port
// exposing exactly one device, per spec §4.1.
type Adapter struct {
	adapter.AdapterBase

	cfg      Config
	deviceID model.DeviceIdentifier

	mgr *connection.Manager

	mu      sync.Mutex
	conn    io.ReadWriteCloser
	reader  *bufio.Reader
	handle  model.ConnectionHandle
	open    map[model.InterfaceKind]bool
	writeMu sync.Mutex
}

// New builds a serial Adapter for deviceID, reachable by dialing cfg.Dial.
func New(deviceID model.DeviceIdentifier, cfg Config) *Adapter {
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = defaultRPCTimeout
	}
	a := &Adapter{
		AdapterBase: adapter.NewAdapterBase(model.Capabilities{
			SupportsRPC:        true,
			SupportsDebug:      true,
			SupportsScript:     true,
			MaxConcurrentConns: 1,
		}),
		cfg:      cfg,
		deviceID: deviceID,
		open:     make(map[model.InterfaceKind]bool),
	}
	opts := []connection.Option{connection.WithMaxSilentAttempts(ReconnectAttempts)}
	if cfg.ReconnectBackoff != nil {
		opts = append(opts, connection.WithBackoff(cfg.ReconnectBackoff))
	}
	a.mgr = connection.NewManager(a.dial, opts...)
	a.mgr.OnReconnectFailed(a.handleReconnectFailed)
	return a
}

func (a *Adapter) dial(ctx context.Context) error {
	conn, err := a.cfg.Dial(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.conn = conn
	a.reader = bufio.NewReader(conn)
	a.mu.Unlock()
	return nil
}

// Start opens the port and begins the reconnect-on-drop loop.
func (a *Adapter) Start(ctx context.Context) error {
	a.mgr.StartReconnectLoop()
	return a.mgr.Connect(ctx)
}

// Stop closes the port for good; Manager will not redial after Close.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mgr.Close()
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Probe is a no-op: a serial link has no scan phase, per the package doc.
func (a *Adapter) Probe(ctx context.Context) error { return nil }

// Connect binds a single ConnectionHandle to the device at the far end
// of the already-open port. connString must equal cfg.Path; any other
// value reports DeviceNotFound since this adapter serves exactly one
// device.
func (a *Adapter) Connect(ctx context.Context, connString model.ConnectionString) (model.ConnectionHandle, error) {
	if string(connString) != a.cfg.Path {
		return 0, gwerrors.New(gwerrors.DeviceNotFound, "serial adapter %s does not serve %q", a.cfg.Path, connString)
	}
	if !a.mgr.IsConnected() {
		return 0, gwerrors.New(gwerrors.TransportUnavailable, "serial port %s is not open", a.cfg.Path)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handle != 0 {
		return 0, gwerrors.New(gwerrors.Busy, "serial port %s already has an active connection", a.cfg.Path)
	}
	a.handle = model.ConnectionHandle(uint64(a.deviceID) ^ 0x5151)
	a.open = map[model.InterfaceKind]bool{model.InterfaceRPC: true}
	return a.handle, nil
}

// Disconnect is always idempotent, per spec §4.1.
func (a *Adapter) Disconnect(ctx context.Context, handle model.ConnectionHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handle != handle {
		return nil
	}
	a.handle = 0
	a.open = make(map[model.InterfaceKind]bool)
	return nil
}

// OpenInterface implements adapter.DeviceAdapter.
func (a *Adapter) OpenInterface(ctx context.Context, handle model.ConnectionHandle, kind model.InterfaceKind) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handle != handle {
		return gwerrors.New(gwerrors.NotConnected, "handle %d is not connected", handle)
	}
	a.open[kind] = true
	return nil
}

// CloseInterface implements adapter.DeviceAdapter.
func (a *Adapter) CloseInterface(ctx context.Context, handle model.ConnectionHandle, kind model.InterfaceKind) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handle != handle {
		return gwerrors.New(gwerrors.NotConnected, "handle %d is not connected", handle)
	}
	delete(a.open, kind)
	return nil
}

// SendRPC frames req as {address, rpc_id_low, rpc_id_high, payload_len,
// payload} plus a CRC16/MODBUS trailer (pkg/wire), writes it, and blocks
// for a like-framed response up to timeout.
func (a *Adapter) SendRPC(ctx context.Context, handle model.ConnectionHandle, req model.RPCRequest, timeout time.Duration) (model.RPCResponse, error) {
	a.mu.Lock()
	connected := a.handle == handle && a.open[model.InterfaceRPC]
	conn := a.conn
	reader := a.reader
	a.mu.Unlock()
	if !connected {
		return model.RPCResponse{}, gwerrors.New(gwerrors.NotConnected, "rpc interface not open on handle %d", handle)
	}
	if conn == nil {
		return model.RPCResponse{}, gwerrors.New(gwerrors.Disconnected, "serial port %s not open", a.cfg.Path)
	}

	if timeout <= 0 {
		timeout = a.cfg.RPCTimeout
	}

	payload, err := wire.EncodeRPCRequest(req)
	if err != nil {
		return model.RPCResponse{}, gwerrors.Wrap(gwerrors.RPCInvalidArgs, err, "encode rpc request")
	}
	framed := wire.FrameCRC16(payload)

	if err := a.writeFrame(conn, framed); err != nil {
		a.mgr.NotifyConnectionLost()
		return model.RPCResponse{}, gwerrors.Wrap(gwerrors.Disconnected, err, "write rpc frame")
	}

	type result struct {
		resp model.RPCResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := a.readResponse(reader)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			a.mgr.NotifyConnectionLost()
			return model.RPCResponse{}, gwerrors.Wrap(gwerrors.Disconnected, r.err, "read rpc response")
		}
		return r.resp, nil
	case <-time.After(timeout):
		return model.RPCResponse{}, gwerrors.New(gwerrors.Timeout, "rpc %#04x on tile %d timed out after %s", req.RPCID, req.Address, timeout)
	case <-ctx.Done():
		return model.RPCResponse{}, gwerrors.New(gwerrors.Cancelled, "rpc %#04x cancelled", req.RPCID)
	}
}

// SendScript streams data as a sequence of length-prefixed, CRC16-framed
// chunks, reporting (sent, total) progress after each chunk, per spec §4.1.
func (a *Adapter) SendScript(ctx context.Context, handle model.ConnectionHandle, data []byte, onProgress func(sent, total int)) error {
	const chunkSize = 1024
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return gwerrors.New(gwerrors.Disconnected, "serial port %s not open", a.cfg.Path)
	}

	total := len(data)
	sent := 0
	for sent < total {
		end := sent + chunkSize
		if end > total {
			end = total
		}
		chunk := data[sent:end]
		header := make([]byte, 4)
		binary.LittleEndian.PutUint32(header, uint32(len(chunk)))
		if err := a.writeFrame(conn, wire.FrameCRC16(append(header, chunk...))); err != nil {
			a.mgr.NotifyConnectionLost()
			return gwerrors.Wrap(gwerrors.Disconnected, err, "write script chunk")
		}
		sent = end
		if onProgress != nil {
			onProgress(sent, total)
		}
		if ctx.Err() != nil {
			return gwerrors.New(gwerrors.Cancelled, "script transfer cancelled")
		}
	}
	return nil
}

// SendHighspeed writes data directly with no per-chunk framing, for
// debug/reflash transports only, per spec §4.1.
func (a *Adapter) SendHighspeed(ctx context.Context, handle model.ConnectionHandle, data []byte) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return gwerrors.New(gwerrors.Disconnected, "serial port %s not open", a.cfg.Path)
	}
	if err := a.writeFrame(conn, data); err != nil {
		a.mgr.NotifyConnectionLost()
		return gwerrors.Wrap(gwerrors.Disconnected, err, "highspeed write")
	}
	return nil
}

func (a *Adapter) writeFrame(conn io.ReadWriteCloser, framed []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	length := make([]byte, 4)
	binary.LittleEndian.PutUint32(length, uint32(len(framed)))
	if _, err := conn.Write(length); err != nil {
		return err
	}
	_, err := conn.Write(framed)
	return err
}

func (a *Adapter) readResponse(reader *bufio.Reader) (model.RPCResponse, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(reader, lenBuf[:]); err != nil {
		return model.RPCResponse{}, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > 1<<20 {
		return model.RPCResponse{}, fmt.Errorf("serial: declared frame length %d exceeds limit", n)
	}
	framed := make([]byte, n)
	if _, err := io.ReadFull(reader, framed); err != nil {
		return model.RPCResponse{}, err
	}
	payload, err := wire.UnframeCRC16(framed)
	if err != nil {
		return model.RPCResponse{}, err
	}
	return wire.DecodeRPCResponse(payload)
}

// handleReconnectFailed is wired as Manager.OnReconnectFailed: it fires
// exactly once the reconnect budget (ReconnectAttempts) is exhausted
// with no successful redial, matching spec §4.3's "attempt at most
// reconnect_attempts silent reconnects before raising." Every silent
// attempt before that point is invisible here: the connection and its
// open interfaces are left intact and nothing is emitted until Manager
// itself gives up.
func (a *Adapter) handleReconnectFailed(err error) {
	a.mu.Lock()
	handle := a.handle
	if handle == 0 {
		a.mu.Unlock()
		return
	}
	a.handle = 0
	a.open = make(map[model.InterfaceKind]bool)
	a.mu.Unlock()
	a.EmitDisconnect(handle, err)
}
