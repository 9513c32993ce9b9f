// Package aggregator implements the AggregatingAdapter (spec §4.2, C2): a
// DeviceAdapter that presents a single logical device space backed by an
// ordered list of real adapters, merging their scans, routing connect
// calls to the best-signal candidate with fallback, and re-tagging every
// callback with (adapter_index, device_id) before forwarding it to the
// single host callback registry.
//
// Grounded on the teacher's pkg/transport.Server pattern of registering
// many ServerConn instances behind one fan-in callback registry,
// generalized here from many client connections to many backing
// adapters. Connect-attempt pacing uses golang.org/x/time/rate, the same
// module hieuntg81-alfred-ai depends on directly for its own rate
// limiting.
package aggregator
