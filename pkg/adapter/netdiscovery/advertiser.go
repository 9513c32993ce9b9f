package netdiscovery

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// AdvertiserConfig configures Advertiser behavior.
type AdvertiserConfig struct {
	// Interface restricts advertisement to one network interface by
	// name. Empty means every interface.
	Interface string

	// TTL overrides DefaultTTL when nonzero.
	TTL time.Duration
}

// Advertiser publishes a gateway's presence over mDNS.
type Advertiser interface {
	Advertise(info GatewayInfo) error
	Update(info GatewayInfo) error
	Stop()
}

// MDNSAdvertiser implements Advertiser using zeroconf, grounded on
// pkg/discovery.MDNSAdvertiser's Register/Shutdown lifecycle.
type MDNSAdvertiser struct {
	cfg AdvertiserConfig

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewMDNSAdvertiser builds an Advertiser that hasn't registered
// anything yet; call Advertise to start.
func NewMDNSAdvertiser(cfg AdvertiserConfig) *MDNSAdvertiser {
	return &MDNSAdvertiser{cfg: cfg}
}

func (a *MDNSAdvertiser) interfaces() []net.Interface {
	if a.cfg.Interface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(a.cfg.Interface)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}

// Advertise registers info under ServiceType, replacing any prior
// registration from this Advertiser.
func (a *MDNSAdvertiser) Advertise(info GatewayInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	ttl := a.cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	server, err := zeroconf.Register(
		info.GatewayID,
		ServiceType,
		Domain,
		int(info.Port),
		encodeTXT(info),
		a.interfaces(),
		zeroconf.TTL(uint32(ttl.Seconds())),
	)
	if err != nil {
		return fmt.Errorf("netdiscovery: register %s: %w", info.GatewayID, err)
	}
	a.server = server
	return nil
}

// Update replaces the advertised TXT records (for example after
// DeviceCount changes) without changing the registered port or name.
func (a *MDNSAdvertiser) Update(info GatewayInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server == nil {
		return fmt.Errorf("netdiscovery: update %s: not advertising", info.GatewayID)
	}
	a.server.SetText(encodeTXT(info))
	return nil
}

// Stop withdraws the advertisement, if any.
func (a *MDNSAdvertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

func encodeTXT(info GatewayInfo) []string {
	return []string{
		txtKeyGatewayID + "=" + info.GatewayID,
		txtKeyDeviceCount + "=" + strconv.Itoa(info.DeviceCount),
	}
}

var _ Advertiser = (*MDNSAdvertiser)(nil)
