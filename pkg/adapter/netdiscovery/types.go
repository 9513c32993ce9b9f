package netdiscovery

import "time"

// ServiceType is the mDNS service name a gateway advertises itself
// under. There is exactly one: gateways do not distinguish commissioning
// phases the way the teacher's protocol does.
const ServiceType = "_iotile-gw._tcp"

// Domain is the mDNS domain every advertisement and browse uses.
const Domain = "local."

// DefaultTTL is the advertised record lifetime when AdvertiserConfig
// doesn't override it.
const DefaultTTL = 2 * time.Minute

// DefaultBrowseTimeout is a 10-second browse duration. Find does not
// apply it: Find waits until a match arrives or its ctx is done.
const DefaultBrowseTimeout = 10 * time.Second

// GatewayInfo is what one gateway advertises about itself: enough for a
// peer to open a gatewayagent connection without prior configuration.
type GatewayInfo struct {
	// GatewayID identifies the advertising process, independent of
	// hostname or address.
	GatewayID string

	// Port is the TCP port its gatewayagent/websocket.Server listens on.
	Port uint16

	// DeviceCount is the number of devices currently reachable through
	// this gateway's adapters, advertised so a browser can prefer a
	// gateway that actually has devices behind it.
	DeviceCount int
}

// GatewayService is a discovered gateway: GatewayInfo plus where it was
// found. Addresses is populated from every network interface the
// advertisement was seen on, deduplicated.
type GatewayService struct {
	InstanceName string
	Host         string
	Port         uint16
	Addresses    []string
	GatewayID    string
	DeviceCount  int
}

const (
	txtKeyGatewayID   = "gw"
	txtKeyDeviceCount = "dc"
)
