// Package registry is the gateway's one piece of global state, per
// spec §9's design note ("plug-in registry: pkg/registry, explicit,
// populated at startup, no package-discovery machinery"). Adapter and
// agent-binding constructors are registered by name at process startup
// (in cmd/iotile-gateway's main, or a test's setup), never discovered
// by scanning packages or build tags.
//
// Grounded on pkg/service.SubscriptionManager's mutex-guarded,
// name-keyed map shape, generalized from runtime subscriptions to
// startup-time factory registration.
package registry
