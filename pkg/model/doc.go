// Package model defines the gateway's core data types: device identity,
// connection handles, scan results, interface kinds, readings and RPC
// request/response shapes, per spec §3 ("DATA MODEL"). Wire-exact byte
// layouts for these types live in pkg/wire; this package holds the
// in-memory representation the rest of the gateway operates on.
package model
