// Package auditlog implements the gateway's event bus: a place to record
// protocol-level audit events (interface closed on a framing violation,
// fallback connect attempts, disconnects) without the emitter holding a
// reference to the subscriber, per spec §9's "cut cycles with weak
// back-references: the adapter emits events through an event bus that
// contains non-owning session IDs, not session pointers."
//
// Grounded on the teacher's pkg/log package: Event/Logger/NoopLogger
// shape and cbor-tagged, integer-keyed event fields are carried over
// directly; StateChangeEvent's Entity/OldState/NewState/Reason fields
// are reused verbatim as the vocabulary for this gateway's own state
// transition and audit events, since connfsm/aggregator/reportpipe
// transitions are structurally identical to the teacher's connection and
// session transitions even though the underlying protocol differs.
package auditlog
