// Package connection provides transport-connection lifecycle management
// shared by adapters whose backing transport is itself a persistent
// connection (serial port, TCP/WebSocket link to a remote radio bridge)
// rather than a per-call request: exponential backoff, jitter, state
// tracking, and an automatic reconnection loop.
//
// This is distinct from the per-RPC retry wheel in pkg/gwerrors, which
// governs retrying one fallible operation a bounded number of times by
// error kind (spec §4.3). Manager instead governs the transport link
// underneath an adapter: when that link drops, Manager redials it with
// backoff so the adapter's own Connect/SendRPC calls keep working
// against a live transport, per spec §4.3's "the adapter may attempt at
// most reconnect_attempts silent reconnects before raising."
//
// WithMaxSilentAttempts bounds that budget directly on the Manager: once
// exhausted, Manager stops retrying and calls OnReconnectFailed with a
// *gwerrors.Error of kind Disconnected, which is what an adapter (see
// pkg/adapter/serial) wires straight into its own EmitDisconnect. Below
// that budget, reconnection is invisible to the adapter's caller.
//
// # Reconnection Strategy
//
// When a connection is lost, Manager redials with exponential backoff:
//
//  1. Initial delay: 1 second
//  2. Exponential increase: 2s, 4s, 8s, 16s, 32s
//  3. Maximum delay: 60 seconds
//  4. Continue at 60s until successful, or until the WithMaxSilentAttempts
//     budget, when one is set, is exhausted
//  5. Reset to 1s on successful reconnection
//
// # Jitter
//
// To prevent thundering herd when multiple adapters reconnect at once:
//
//	actual_delay = base_delay + random(0, base_delay * 0.25)
package connection
