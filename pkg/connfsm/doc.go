// Package connfsm implements the per-ConnectionHandle state machine (spec
// §4.3, C3): which of the five interface kinds are open on a connection,
// mutual exclusion between script/debug and stream/trace, in-flight RPC
// cancellation on disconnect, and the async-RPC promise registry spec §9
// calls for ("model as a promise keyed by (connection, token) rather than
// callback chains").
//
// Grounded on the teacher's pkg/connection.State/Manager (state enum,
// mutex-guarded transitions, OnStateChange-style notification) and on
// pkg/wire's Request/Response MessageID correlation scheme, generalized
// here from one process-wide message ID space to one promise table per
// connection.
package connfsm
