// Package gatewayinstance is the composition root: it wires
// gatewayconfig, pkg/registry, the aggregator, the session layer, the
// journal and every configured agent binding into one running
// GatewayInstance, the way the teacher's pkg/service.Gateway assembles
// its commissioning/zone/feature stack behind a single Start/Stop
// lifecycle.
package gatewayinstance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/iotile/coretools/pkg/adapter"
	"github.com/iotile/coretools/pkg/adapter/netdiscovery"
	"github.com/iotile/coretools/pkg/aggregator"
	"github.com/iotile/coretools/pkg/auditlog"
	"github.com/iotile/coretools/pkg/gatewayconfig"
	"github.com/iotile/coretools/pkg/journal"
	"github.com/iotile/coretools/pkg/registry"
	"github.com/iotile/coretools/pkg/session"
)

// GatewayInstance is one fully wired gateway process: the aggregated device
// layer, the session layer fronting it, every configured agent
// binding, and the ambient services (audit logging, the retransmission
// journal, mDNS advertisement, periodic probing) that ride alongside
// them.
type GatewayInstance struct {
	cfg *gatewayconfig.Config

	bus     *auditlog.Bus
	journal *journal.Journal

	aggregator *aggregator.Aggregator
	manager    *session.DeviceManager

	agents     []registry.AgentBinding
	advertiser *netdiscovery.MDNSAdvertiser
	cron       *cron.Cron

	mu      sync.Mutex
	running bool
}

// New builds a GatewayInstance from cfg, constructing every adapter and agent
// named in it through reg. It does not start anything; call Start.
func New(cfg *gatewayconfig.Config, reg *registry.Registry) (*GatewayInstance, error) {
	bus := auditlog.NewBus()
	bus.Register(auditlog.NewSlogSink(slog.Default()))

	adapters := make([]adapter.DeviceAdapter, 0, len(cfg.Adapters))
	for _, ac := range cfg.Adapters {
		raw, err := ac.RawOptions()
		if err != nil {
			return nil, fmt.Errorf("gatewayinstance: adapter %q options: %w", ac.Name, err)
		}
		ad, err := reg.NewAdapter(ac.Kind, raw)
		if err != nil {
			return nil, fmt.Errorf("gatewayinstance: build adapter %q: %w", ac.Name, err)
		}
		adapters = append(adapters, ad)
	}

	agg := aggregator.New(adapters, aggregator.WithAuditBus(bus))

	var jrnl *journal.Journal
	var err error
	if cfg.JournalPath != "" {
		jrnl, err = journal.Open(cfg.JournalCapacity, cfg.JournalPath)
	} else {
		jrnl = journal.New(cfg.JournalCapacity)
	}
	if err != nil {
		return nil, fmt.Errorf("gatewayinstance: open journal: %w", err)
	}

	manager := session.NewManager(context.Background(), agg, bus)

	agents := make([]registry.AgentBinding, 0, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		raw, err := ac.RawOptions()
		if err != nil {
			return nil, fmt.Errorf("gatewayinstance: agent %q options: %w", ac.Name, err)
		}
		ag, err := reg.NewAgent(ac.Kind, manager, raw)
		if err != nil {
			return nil, fmt.Errorf("gatewayinstance: build agent %q: %w", ac.Name, err)
		}
		agents = append(agents, ag)
	}

	inst := &GatewayInstance{
		cfg:        cfg,
		bus:        bus,
		journal:    jrnl,
		aggregator: agg,
		manager:    manager,
		agents:     agents,
	}

	if cfg.Discovery.Enabled {
		inst.advertiser = netdiscovery.NewMDNSAdvertiser(netdiscovery.AdvertiserConfig{
			Interface: cfg.Discovery.Interface,
		})
	}

	return inst, nil
}

// Manager exposes the session layer so an embedding process (or a test)
// can drive it directly instead of only through a configured agent.
func (g *GatewayInstance) Manager() *session.DeviceManager { return g.manager }

// Start brings the aggregated device layer up, starts every configured
// agent binding, advertises over mDNS if configured, and schedules
// periodic probing of every adapter whose capabilities require it.
func (g *GatewayInstance) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return fmt.Errorf("gatewayinstance: already running")
	}

	if err := g.aggregator.Start(ctx); err != nil {
		return err
	}

	started := make([]registry.AgentBinding, 0, len(g.agents))
	for _, ag := range g.agents {
		if err := ag.Start(ctx); err != nil {
			for _, s := range started {
				_ = s.Stop(0)
			}
			_ = g.aggregator.Stop(ctx)
			return fmt.Errorf("gatewayinstance: start agent: %w", err)
		}
		started = append(started, ag)
	}

	if g.advertiser != nil {
		if err := g.advertiser.Advertise(netdiscovery.GatewayInfo{
			GatewayID: g.cfg.Discovery.GatewayID,
			Port:      g.cfg.Discovery.Port,
		}); err != nil {
			g.bus.Emit(auditlog.Event{Category: auditlog.CategoryError, Reason: "mDNS advertise failed: " + err.Error()})
		}
	}

	if g.cfg.ProbeInterval != "" && g.aggregator.Capabilities().RequiresProbe {
		g.cron = cron.New()
		if _, err := g.cron.AddFunc(g.cfg.ProbeInterval, func() {
			if err := g.aggregator.Probe(ctx); err != nil {
				g.bus.Emit(auditlog.Event{Category: auditlog.CategoryError, Reason: "scheduled probe failed: " + err.Error()})
			}
		}); err != nil {
			return fmt.Errorf("gatewayinstance: invalid probe_interval: %w", err)
		}
		g.cron.Start()
	}

	g.running = true
	return nil
}

// Stop reverses Start: it stops periodic probing, every agent binding,
// mDNS advertisement, the aggregated device layer, and finally closes
// the journal. Every step runs even if an earlier one fails, so a
// partial failure never strands a resource the other steps would have
// released.
func (g *GatewayInstance) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error

	if g.cron != nil {
		<-g.cron.Stop().Done()
		g.cron = nil
	}

	for _, ag := range g.agents {
		if err := ag.Stop(0); err != nil {
			errs = append(errs, err)
		}
	}

	if g.advertiser != nil {
		g.advertiser.Stop()
	}

	if err := g.aggregator.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := g.journal.Close(); err != nil {
		errs = append(errs, err)
	}

	g.running = false
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("gatewayinstance: %d error(s) during stop: %v", len(errs), errs)
}
