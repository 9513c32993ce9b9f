// Package journal implements the bounded retransmission window spec.md
// §1 calls for: a fixed-capacity, per-(device, selector) ring of
// recently-assembled model.SignedListReport batches, kept so a
// reconnecting subscriber can be replayed the reports it missed instead
// of only ever seeing new ones from the moment it resubscribes.
//
// Persistence (optional, disabled unless a file is configured) reuses
// pkg/log's CBOR framing approach: each retained report is appended to
// a file as one CBOR record via github.com/fxamacker/cbor/v2, so a
// restarted gateway can rebuild its in-memory rings from disk before
// serving any replay requests.
package journal
