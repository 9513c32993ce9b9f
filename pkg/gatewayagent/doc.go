// Package gatewayagent implements the GatewayAgent façade (C7): a thin
// translation layer between an external transport and the Session
// layer's operations, per spec §4.7. Each client connection becomes one
// session.Session; no adapter-specific knowledge leaks into this
// package, and no one transport binding is privileged over another.
//
// Grounded on the teacher's pkg/transport.Server/ServerConn shape (one
// goroutine driving a connection's read loop, a write mutex guarding
// Send, OnConnect/OnMessage/OnDisconnect callbacks), generalized from a
// single TLS/CBOR protocol to the JSON-like {op, args, token} framing
// spec §4.7 specifies, over an arbitrary Conn implementation.
package gatewayagent
