// Package workerpool provides the shared worker pool named in spec §5:
// "a shared worker pool handles callback dispatch. Operations that must
// not block the adapter loop ... are dispatched to the worker pool."
//
// Grounded on C360Studio-semstreams's pkg/worker.Pool[T] generic pool
// shape (bounded queue, non-blocking submit, context-driven shutdown),
// with metrics wired directly to github.com/prometheus/client_golang
// instead of that example's own metric.MetricsRegistry wrapper, since
// this module has no equivalent framework registry of its own.
package workerpool
