package gatewayagent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/iotile/coretools/pkg/gwerrors"
	"github.com/iotile/coretools/pkg/model"
	"github.com/iotile/coretools/pkg/session"
)

// Conn is the transport-agnostic duplex channel a GatewayAgent binds a
// session to: one whole JSON frame in, one whole JSON frame out. A
// WebSocket, MQTT, HTTP long-poll, or in-process channel binding all
// implement this the same way, per spec §4.7's "protocol-agnostic"
// requirement.
type Conn interface {
	Recv() ([]byte, error)
	Send(data []byte) error
	Close() error
}

// Agent is the GatewayAgent façade (C7): it owns no adapter knowledge,
// delegating every operation straight to the session.DeviceManager.
type Agent struct {
	manager *session.DeviceManager
}

// New builds an Agent fronting manager.
func New(manager *session.DeviceManager) *Agent {
	return &Agent{manager: manager}
}

// Serve drives one client connection until Recv errors or ctx is
// cancelled, opening one Session for the connection's lifetime and
// closing it on return, per spec §4.7: "Each client connection becomes
// one Session."
func (a *Agent) Serve(ctx context.Context, conn Conn) error {
	sid := a.manager.SessionOpen()
	defer a.manager.SessionClose(context.Background(), sid)

	events := make(chan []byte, 64)
	writeDone := make(chan struct{})
	writeErr := make(chan error, 1)

	go func() {
		defer close(writeDone)
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-events:
				if !ok {
					return
				}
				if err := conn.Send(data); err != nil {
					select {
					case writeErr <- err:
					default:
					}
					return
				}
			}
		}
	}()
	defer func() {
		close(events)
		<-writeDone
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		raw, err := conn.Recv()
		if err != nil {
			return err
		}

		resp := a.handleFrame(ctx, sid, raw, events)
		data, marshalErr := json.Marshal(resp)
		if marshalErr != nil {
			continue
		}
		if err := conn.Send(data); err != nil {
			return err
		}

		select {
		case err := <-writeErr:
			return err
		default:
		}
	}
}

func (a *Agent) handleFrame(ctx context.Context, sid string, raw []byte, events chan<- []byte) Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Response{Error: gwerrors.BadArgument.String()}
	}
	return a.dispatch(ctx, sid, req, events)
}

func (a *Agent) dispatch(ctx context.Context, sid string, req Request, events chan<- []byte) Response {
	resp := Response{Token: req.Token}

	result, err := a.call(ctx, sid, req, events)
	if err != nil {
		resp.Error = gwerrors.KindOf(err).String()
		return resp
	}
	if result != nil {
		data, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			resp.Error = "Internal"
			return resp
		}
		resp.Result = data
	}
	return resp
}

func (a *Agent) call(ctx context.Context, sid string, req Request, events chan<- []byte) (any, error) {
	switch req.Op {
	case OpSessionClose:
		return nil, a.manager.SessionClose(ctx, sid)

	case OpScan:
		var args ScanArgs
		if err := unmarshalArgs(req.Args, &args); err != nil {
			return nil, err
		}
		timeout := time.Duration(args.TimeoutMS) * time.Millisecond
		return a.manager.Scan(ctx, sid, timeout)

	case OpConnect:
		var args ConnectArgs
		if err := unmarshalArgs(req.Args, &args); err != nil {
			return nil, err
		}
		handle, err := a.manager.Connect(ctx, sid, model.DeviceIdentifier(args.DeviceID))
		if err != nil {
			return nil, err
		}
		return struct {
			Handle uint64 `json:"handle"`
		}{uint64(handle)}, nil

	case OpDisconnect:
		var args ConnectArgs
		if err := unmarshalArgs(req.Args, &args); err != nil {
			return nil, err
		}
		return nil, a.manager.Disconnect(ctx, sid, model.DeviceIdentifier(args.DeviceID))

	case OpSendRPC:
		return a.sendRPC(ctx, sid, req.Args)

	case OpOpenInterface:
		return a.openInterface(ctx, sid, req.Args)

	case OpCloseInterface:
		return a.closeInterface(ctx, sid, req.Args)

	case OpSubscribe:
		return a.subscribe(sid, req.Token, req.Args, events)

	case OpBroadcastMonitor:
		return a.broadcastMonitor(sid, req.Token, req.Args, events)

	default:
		return nil, gwerrors.New(gwerrors.BadArgument, "gatewayagent: unknown op %q", req.Op)
	}
}

func (a *Agent) sendRPC(ctx context.Context, sid string, raw json.RawMessage) (any, error) {
	var args SendRPCArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	timeout := time.Duration(args.TimeoutMS) * time.Millisecond
	resp, err := a.manager.SendRPC(ctx, sid, model.DeviceIdentifier(args.DeviceID), model.RPCRequest{
		Address: model.TileAddress(args.Address),
		RPCID:   model.RPCID(args.RPCID),
		Payload: args.Payload,
	}, timeout)
	if err != nil {
		return nil, err
	}
	return SendRPCResult{Status: uint8(resp.Status), Payload: resp.Payload}, nil
}

func (a *Agent) openInterface(ctx context.Context, sid string, raw json.RawMessage) (any, error) {
	var args InterfaceArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	kind, err := parseInterfaceKind(args.Interface)
	if err != nil {
		return nil, err
	}
	if err := a.manager.OpenInterface(ctx, sid, model.DeviceIdentifier(args.DeviceID), kind); err != nil {
		return nil, err
	}
	return nil, nil
}

func (a *Agent) closeInterface(ctx context.Context, sid string, raw json.RawMessage) (any, error) {
	var args InterfaceArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	kind, err := parseInterfaceKind(args.Interface)
	if err != nil {
		return nil, err
	}
	if err := a.manager.CloseInterface(ctx, sid, model.DeviceIdentifier(args.DeviceID), kind); err != nil {
		return nil, err
	}
	return nil, nil
}

func (a *Agent) subscribe(sid, token string, raw json.RawMessage, events chan<- []byte) (any, error) {
	var args SubscribeArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}

	kind, err := parseInterfaceKind(args.Interface)
	if err != nil {
		return nil, err
	}

	deviceID := model.DeviceIdentifier(args.DeviceID)
	err = a.manager.Subscribe(sid, deviceID, kind,
		func(r model.Report) { pushEvent(events, EventReport, token, r) },
		func(data []byte) { pushEvent(events, EventTrace, token, data) },
	)
	if err != nil {
		return nil, err
	}
	return struct {
		Subscribed bool `json:"subscribed"`
	}{true}, nil
}

func (a *Agent) broadcastMonitor(sid, token string, raw json.RawMessage, events chan<- []byte) (any, error) {
	var args BroadcastMonitorArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}

	pattern := session.Pattern{
		All:      args.All,
		DeviceID: model.DeviceIdentifier(args.DeviceID),
		HasMask:  args.HasMask,
		Mask:     args.Mask,
	}
	err := a.manager.BroadcastMonitor(sid, pattern, func(r model.ScanResult) {
		pushEvent(events, EventBroadcast, token, r)
	})
	if err != nil {
		return nil, err
	}
	return struct {
		Monitoring bool `json:"monitoring"`
	}{true}, nil
}

func pushEvent(events chan<- []byte, kind EventKind, token string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	frame, err := json.Marshal(Event{Kind: kind, Token: token, Data: data})
	if err != nil {
		return
	}
	select {
	case events <- frame:
	default:
		// Slow client: drop rather than stall the session's dispatch path.
	}
}

func unmarshalArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return gwerrors.New(gwerrors.BadArgument, "gatewayagent: missing args")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return gwerrors.Wrap(gwerrors.BadArgument, err, "gatewayagent: decode args")
	}
	return nil
}

func parseInterfaceKind(s string) (model.InterfaceKind, error) {
	switch s {
	case "rpc":
		return model.InterfaceRPC, nil
	case "streaming":
		return model.InterfaceStreaming, nil
	case "tracing":
		return model.InterfaceTracing, nil
	case "script":
		return model.InterfaceScript, nil
	case "debug":
		return model.InterfaceDebug, nil
	default:
		return 0, gwerrors.New(gwerrors.BadArgument, "gatewayagent: unknown interface kind %q", s)
	}
}
