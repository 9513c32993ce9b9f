package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iotile/coretools/pkg/adapter"
	"github.com/iotile/coretools/pkg/session"
)

// AdapterFactory builds one DeviceAdapter instance from its raw
// configuration block.
type AdapterFactory func(rawConfig json.RawMessage) (adapter.DeviceAdapter, error)

// AgentBinding is what a running agent transport binding exposes to the
// composition root: gatewayagent/websocket.Server satisfies this
// directly, and any future binding (MQTT, HTTP long-poll, in-process)
// is expected to as well.
type AgentBinding interface {
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// AgentFactory builds one AgentBinding fronting manager, from its raw
// configuration block.
type AgentFactory func(manager *session.DeviceManager, rawConfig json.RawMessage) (AgentBinding, error)

// Registry is the gateway's single piece of global state: every
// adapter kind and agent transport the process can construct, keyed by
// the name used in gatewayconfig.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]AdapterFactory
	agents   map[string]AgentFactory
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		adapters: make(map[string]AdapterFactory),
		agents:   make(map[string]AgentFactory),
	}
}

// RegisterAdapter adds name to the registry. It fails if name is
// already registered, since a silent override would let two
// unrelated startup calls shadow each other without either noticing.
func (r *Registry) RegisterAdapter(name string, factory AdapterFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("registry: adapter %q already registered", name)
	}
	r.adapters[name] = factory
	return nil
}

// RegisterAgent adds name to the registry, same override protection as
// RegisterAdapter.
func (r *Registry) RegisterAgent(name string, factory AgentFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[name]; exists {
		return fmt.Errorf("registry: agent %q already registered", name)
	}
	r.agents[name] = factory
	return nil
}

// NewAdapter constructs the named adapter from rawConfig.
func (r *Registry) NewAdapter(name string, rawConfig json.RawMessage) (adapter.DeviceAdapter, error) {
	r.mu.RLock()
	factory, ok := r.adapters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: unknown adapter kind %q", name)
	}
	return factory(rawConfig)
}

// NewAgent constructs the named agent binding from rawConfig, fronting manager.
func (r *Registry) NewAgent(name string, manager *session.DeviceManager, rawConfig json.RawMessage) (AgentBinding, error) {
	r.mu.RLock()
	factory, ok := r.agents[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: unknown agent kind %q", name)
	}
	return factory(manager, rawConfig)
}

// AdapterKinds lists every registered adapter kind name, sorted.
func (r *Registry) AdapterKinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AgentKinds lists every registered agent kind name, sorted.
func (r *Registry) AgentKinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
