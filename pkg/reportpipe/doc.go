// Package reportpipe implements the report assembler and demultiplexer
// (spec §4.4, C4): it buffers self-delimited report fragments off a
// single streaming or tracing interface, validates and assembles them
// into a model.Report, and fans each assembled report out to interested
// subscribers keyed by (device_id, selector) with per-subscriber
// backpressure.
//
// Grounded on the teacher's pkg/transport framing (FrameReader/
// FrameWriter length-prefixed framing, generalized here to the
// self-delimited report framing of spec §6) for the assembler half, and
// on C360Studio-semstreams's worker pool pattern (via pkg/workerpool) for
// the demultiplexer's per-subscriber queues and drop counters.
package reportpipe
