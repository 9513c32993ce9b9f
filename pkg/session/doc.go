// Package session implements the gateway's multi-client, multi-device
// arbiter (spec §4.6, C6): DeviceManager tracks sessions, enforces
// at-most-one-active-connection-per-device across the whole process,
// routes RPCs and report/trace subscriptions through an underlying
// aggregator.Aggregator, and fans broadcast scan data out to registered
// monitors.
//
// Grounded on the teacher's pkg/service session/subscription bookkeeping
// (conn_tracker.go's tracked-resource-with-reaper shape, generalized
// from net.Conn to model.ConnectionHandle, and
// subscription_manager.go's ID-keyed registry shape, generalized from
// feature-attribute subscriptions to device report subscriptions). The
// global lock ordering DeviceManager -> Adapter -> Connection spec §5
// requires is documented and enforced the same way the teacher expects
// callers never to hold its locks across a callback invocation.
package session
