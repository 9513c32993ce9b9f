package netdiscovery

import (
	"context"
	"net"

	"github.com/enbility/zeroconf/v3"
)

// BrowserConfig configures Browser behavior.
type BrowserConfig struct {
	// Interface restricts browsing to one network interface by name.
	// Empty means every interface.
	Interface string
}

// Browser discovers gateways advertising over mDNS.
type Browser interface {
	Browse(ctx context.Context) (<-chan *GatewayService, error)
	Find(ctx context.Context, gatewayID string) (*GatewayService, error)
}

// MDNSBrowser implements Browser using zeroconf, grounded on
// pkg/discovery.MDNSBrowser's instance-name aggregation: addresses seen
// on more than one interface for the same GatewayID are merged into one
// GatewayService rather than reported as separate discoveries.
type MDNSBrowser struct {
	cfg BrowserConfig
}

// NewMDNSBrowser builds a Browser using cfg.
func NewMDNSBrowser(cfg BrowserConfig) *MDNSBrowser {
	return &MDNSBrowser{cfg: cfg}
}

func (b *MDNSBrowser) clientOptions() []zeroconf.ClientOption {
	if b.cfg.Interface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(b.cfg.Interface)
	if err != nil {
		return nil
	}
	return []zeroconf.ClientOption{zeroconf.SelectIfaces([]net.Interface{*iface})}
}

// Browse streams every GatewayService discovered until ctx is
// cancelled, aggregating addresses across interfaces by GatewayID.
func (b *MDNSBrowser) Browse(ctx context.Context) (<-chan *GatewayService, error) {
	out := make(chan *GatewayService)
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	go func() {
		defer close(out)
		seen := make(map[string]*GatewayService)
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				svc := entryToGatewayService(entry)
				if svc == nil {
					continue
				}
				if existing, found := seen[svc.GatewayID]; found {
					existing.Addresses = mergeAddresses(existing.Addresses, svc.Addresses)
					continue
				}
				seen[svc.GatewayID] = svc
				select {
				case out <- svc:
				case <-ctx.Done():
					return
				}
			case _, ok := <-removed:
				if !ok {
					continue
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		_ = zeroconf.Browse(ctx, ServiceType, Domain, entries, removed, b.clientOptions()...)
	}()

	return out, nil
}

// Find browses until a gateway advertising gatewayID is seen or ctx is
// cancelled.
func (b *MDNSBrowser) Find(ctx context.Context, gatewayID string) (*GatewayService, error) {
	results, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}
	for {
		select {
		case svc, ok := <-results:
			if !ok {
				return nil, ctx.Err()
			}
			if svc.GatewayID == gatewayID {
				return svc, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func entryToGatewayService(entry *zeroconf.ServiceEntry) *GatewayService {
	gatewayID, deviceCount := decodeTXT(entry.Text)
	if gatewayID == "" {
		return nil
	}

	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}

	return &GatewayService{
		InstanceName: entry.Instance,
		Host:         entry.HostName,
		Port:         uint16(entry.Port),
		Addresses:    addrs,
		GatewayID:    gatewayID,
		DeviceCount:  deviceCount,
	}
}

func mergeAddresses(existing, added []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, a := range existing {
		seen[a] = true
	}
	for _, a := range added {
		if !seen[a] {
			existing = append(existing, a)
			seen[a] = true
		}
	}
	return existing
}

var _ Browser = (*MDNSBrowser)(nil)
