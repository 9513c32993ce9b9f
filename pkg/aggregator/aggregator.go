package aggregator

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/iotile/coretools/pkg/adapter"
	"github.com/iotile/coretools/pkg/auditlog"
	"github.com/iotile/coretools/pkg/gwerrors"
	"github.com/iotile/coretools/pkg/model"
)

// DefaultMaxConnectRetries is max_connect_retries from spec §4.2.
const DefaultMaxConnectRetries = 5

// route maps one unified ConnectionHandle back to the backing adapter
// and the handle that adapter itself issued.
type route struct {
	AdapterIndex int
	Underlying   model.ConnectionHandle
}

// Aggregator is the AggregatingAdapter (C2): it presents a single
// DeviceAdapter backed by an ordered list of real adapters, merging
// their scans and routing connects to the best-signal candidate with
// fallback, per spec §4.2.
type Aggregator struct {
	adapter.AdapterBase

	adapters          []adapter.DeviceAdapter
	maxConnectRetries int
	limiter           *rate.Limiter
	bus               *auditlog.Bus

	mu                  sync.Mutex
	scans               map[model.DeviceIdentifier]map[int]model.ScanResult
	routesByHandle      map[model.ConnectionHandle]route
	routesByUnderlying  map[route]model.ConnectionHandle
	nextHandle          uint64
}

// Option configures an Aggregator at construction time.
type Option func(*Aggregator)

// WithMaxConnectRetries overrides DefaultMaxConnectRetries.
func WithMaxConnectRetries(n int) Option {
	return func(a *Aggregator) { a.maxConnectRetries = n }
}

// WithRateLimiter bounds the rate of connect attempts issued across all
// backing adapters, independent of the per-device retry budget, per
// SPEC_FULL.md §5 ("per-adapter connect-retry budgeting uses
// golang.org/x/time/rate").
func WithRateLimiter(l *rate.Limiter) Option {
	return func(a *Aggregator) { a.limiter = l }
}

// WithAuditBus wires audit-event emission for connect attempts and scan
// expiry, per spec §4.2's "explicit logging of each attempt".
func WithAuditBus(bus *auditlog.Bus) Option {
	return func(a *Aggregator) { a.bus = bus }
}

// New builds an Aggregator over the given backing adapters. Their order
// is not a priority (index 0 is not inherently preferred; ordering only
// matters for ScanResult.AdapterIndex bookkeeping).
func New(adapters []adapter.DeviceAdapter, opts ...Option) *Aggregator {
	a := &Aggregator{
		AdapterBase:        adapter.NewAdapterBase(model.Capabilities{}),
		adapters:           adapters,
		maxConnectRetries:  DefaultMaxConnectRetries,
		scans:              make(map[model.DeviceIdentifier]map[int]model.ScanResult),
		routesByHandle:     make(map[model.ConnectionHandle]route),
		routesByUnderlying: make(map[route]model.ConnectionHandle),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start wires re-tagging callbacks into every backing adapter and starts
// them all. If any adapter fails to start, every adapter already started
// is stopped before Start returns, per spec §4.1's "guaranteed release
// on all exit paths."
func (a *Aggregator) Start(ctx context.Context) error {
	for i, ad := range a.adapters {
		ad.SetCallbacks(a.wrapCallbacks(i))
	}

	started := make([]int, 0, len(a.adapters))
	for i, ad := range a.adapters {
		if err := ad.Start(ctx); err != nil {
			for _, j := range started {
				_ = a.adapters[j].Stop(ctx)
			}
			return gwerrors.Wrap(gwerrors.TransportUnavailable, err, "aggregator: adapter %d failed to start", i)
		}
		started = append(started, i)
	}
	return nil
}

// Stop stops every backing adapter, collecting every error rather than
// stopping at the first failure so one stuck adapter cannot strand the
// others' resources.
func (a *Aggregator) Stop(ctx context.Context) error {
	var errs []error
	for i, ad := range a.adapters {
		if err := ad.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("adapter %d: %w", i, err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return gwerrors.New(gwerrors.TransportUnavailable, "aggregator: %d adapter(s) failed to stop: %v", len(errs), errs)
}

// Probe forces a fresh scan sweep on every backing adapter.
func (a *Aggregator) Probe(ctx context.Context) error {
	var errs []error
	for i, ad := range a.adapters {
		if err := ad.Probe(ctx); err != nil {
			errs = append(errs, fmt.Errorf("adapter %d: %w", i, err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return gwerrors.New(gwerrors.TransportUnavailable, "aggregator: %d adapter(s) failed to probe: %v", len(errs), errs)
}

// Connect implements adapter.DeviceAdapter by treating connString as a
// decimal-encoded DeviceIdentifier: at the aggregation level, "the
// adapter instance" is the Aggregator itself, so its own connection
// string space is just the unified device_id space. Callers that already
// hold a DeviceIdentifier should prefer ConnectDevice.
func (a *Aggregator) Connect(ctx context.Context, connString model.ConnectionString) (model.ConnectionHandle, error) {
	raw, err := strconv.ParseUint(string(connString), 10, 64)
	if err != nil {
		return model.InvalidHandle, gwerrors.Wrap(gwerrors.BadArgument, err, "aggregator: connection string %q is not a device id", connString)
	}
	return a.ConnectDevice(ctx, model.DeviceIdentifier(raw))
}

// ConnectDevice implements spec §4.2's connect routing: it attempts the
// highest-signal candidate adapter first. EarlyDisconnect is a
// same-adapter retry, not a fallback signal — per spec §4.3
// ("early-disconnect on BLE connect: retry up to 5 times") and the
// original BLED112 transport plugin's own
// `connect_async(..., retries=4)`, a tile that drops mid-handshake is
// retried on the adapter that saw it before any other candidate is
// tried. Only once that adapter's EarlyDisconnect budget
// (maxConnectRetries, default 5) is exhausted, or the adapter reports a
// harder TransportUnavailable, does routing fall back to the next
// candidate; a fallback candidate gets its own full EarlyDisconnect
// budget. Total attempts across all candidates are bounded by
// maxConnectRetries * len(candidates); only then is DeviceNotFound
// raised.
func (a *Aggregator) ConnectDevice(ctx context.Context, deviceID model.DeviceIdentifier) (model.ConnectionHandle, error) {
	candidates := a.sortedCandidates(deviceID)
	if len(candidates) == 0 {
		return model.InvalidHandle, gwerrors.New(gwerrors.DeviceNotFound, "aggregator: device %d not visible on any adapter", deviceID)
	}

	wheel := gwerrors.NewWheel(map[gwerrors.Kind]gwerrors.Policy{
		gwerrors.EarlyDisconnect: {MaxAttempts: a.maxConnectRetries},
	})

	var lastErr error
	totalAttempts := 0
	for _, c := range candidates {
		var underlying model.ConnectionHandle
		err := wheel.Run(ctx, func(attempt int) error {
			totalAttempts++
			if a.limiter != nil {
				if werr := a.limiter.Wait(ctx); werr != nil {
					return gwerrors.Wrap(gwerrors.Cancelled, werr, "aggregator: rate limiter wait cancelled")
				}
			}
			u, cerr := a.adapters[c.AdapterIndex].Connect(ctx, c.ConnectionString)
			a.logAttempt(deviceID, c.AdapterIndex, attempt, cerr)
			if cerr != nil {
				return cerr
			}
			underlying = u
			return nil
		})

		if err == nil {
			return a.registerRoute(c.AdapterIndex, underlying), nil
		}

		lastErr = err
		kind := gwerrors.KindOf(err)
		if kind != gwerrors.TransportUnavailable && kind != gwerrors.EarlyDisconnect {
			return model.InvalidHandle, err
		}
	}

	return model.InvalidHandle, gwerrors.Wrap(gwerrors.DeviceNotFound, lastErr, "aggregator: device %d unreachable after %d attempt(s)", deviceID, totalAttempts)
}

func (a *Aggregator) logAttempt(deviceID model.DeviceIdentifier, adapterIndex, attempt int, err error) {
	if a.bus == nil {
		return
	}
	reason := "ok"
	if err != nil {
		reason = err.Error()
	}
	a.bus.Emit(auditlog.Event{
		Category: auditlog.CategoryState,
		DeviceID: uint64(deviceID),
		Reason:   fmt.Sprintf("connect attempt %d via adapter %d: %s", attempt, adapterIndex, reason),
	})
}

func (a *Aggregator) registerRoute(adapterIndex int, underlying model.ConnectionHandle) model.ConnectionHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextHandle++
	h := model.ConnectionHandle(a.nextHandle)
	r := route{AdapterIndex: adapterIndex, Underlying: underlying}
	a.routesByHandle[h] = r
	a.routesByUnderlying[r] = h
	return h
}

func (a *Aggregator) resolve(h model.ConnectionHandle) (route, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.routesByHandle[h]
	return r, ok
}

func (a *Aggregator) unregister(h model.ConnectionHandle) (route, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.routesByHandle[h]
	if !ok {
		return route{}, false
	}
	delete(a.routesByHandle, h)
	delete(a.routesByUnderlying, r)
	return r, true
}

// Disconnect is idempotent: an unknown handle is treated as already
// disconnected rather than an error.
func (a *Aggregator) Disconnect(ctx context.Context, handle model.ConnectionHandle) error {
	r, ok := a.unregister(handle)
	if !ok {
		return nil
	}
	return a.adapters[r.AdapterIndex].Disconnect(ctx, r.Underlying)
}

func (a *Aggregator) OpenInterface(ctx context.Context, handle model.ConnectionHandle, kind model.InterfaceKind) error {
	r, ok := a.resolve(handle)
	if !ok {
		return gwerrors.New(gwerrors.NotConnected, "aggregator: unknown handle %d", handle)
	}
	return a.adapters[r.AdapterIndex].OpenInterface(ctx, r.Underlying, kind)
}

func (a *Aggregator) CloseInterface(ctx context.Context, handle model.ConnectionHandle, kind model.InterfaceKind) error {
	r, ok := a.resolve(handle)
	if !ok {
		return gwerrors.New(gwerrors.NotConnected, "aggregator: unknown handle %d", handle)
	}
	return a.adapters[r.AdapterIndex].CloseInterface(ctx, r.Underlying, kind)
}

func (a *Aggregator) SendRPC(ctx context.Context, handle model.ConnectionHandle, req model.RPCRequest, timeout time.Duration) (model.RPCResponse, error) {
	r, ok := a.resolve(handle)
	if !ok {
		return model.RPCResponse{}, gwerrors.New(gwerrors.NotConnected, "aggregator: unknown handle %d", handle)
	}
	return a.adapters[r.AdapterIndex].SendRPC(ctx, r.Underlying, req, timeout)
}

func (a *Aggregator) SendScript(ctx context.Context, handle model.ConnectionHandle, data []byte, onProgress func(sent, total int)) error {
	r, ok := a.resolve(handle)
	if !ok {
		return gwerrors.New(gwerrors.NotConnected, "aggregator: unknown handle %d", handle)
	}
	return a.adapters[r.AdapterIndex].SendScript(ctx, r.Underlying, data, onProgress)
}

func (a *Aggregator) SendHighspeed(ctx context.Context, handle model.ConnectionHandle, data []byte) error {
	r, ok := a.resolve(handle)
	if !ok {
		return gwerrors.New(gwerrors.NotConnected, "aggregator: unknown handle %d", handle)
	}
	return a.adapters[r.AdapterIndex].SendHighspeed(ctx, r.Underlying, data)
}

// Capabilities reports the union of every backing adapter's declared
// flags; MaxConcurrentConns sums their individual budgets. This shadows
// the AdapterBase-promoted method, which would otherwise always report
// the zero value this Aggregator was constructed with.
func (a *Aggregator) Capabilities() model.Capabilities {
	var caps model.Capabilities
	for _, ad := range a.adapters {
		c := ad.Capabilities()
		caps.SupportsBroadcast = caps.SupportsBroadcast || c.SupportsBroadcast
		caps.SupportsStreaming = caps.SupportsStreaming || c.SupportsStreaming
		caps.SupportsTracing = caps.SupportsTracing || c.SupportsTracing
		caps.SupportsDebug = caps.SupportsDebug || c.SupportsDebug
		caps.SupportsScript = caps.SupportsScript || c.SupportsScript
		caps.SupportsRPC = caps.SupportsRPC || c.SupportsRPC
		caps.RequiresProbe = caps.RequiresProbe || c.RequiresProbe
		caps.MaxConcurrentConns += c.MaxConcurrentConns
	}
	return caps
}
