// Package netdiscovery advertises and discovers network-reachable tiles
// over mDNS, per the SPEC_FULL.md §6 addendum: "Network-reachable
// adapters (WebSocket, virtual-over-LAN) advertise and discover tiles
// via mDNS using github.com/enbility/zeroconf/v3."
//
// It is grounded on the teacher's pkg/discovery package, which uses the
// same zeroconf dependency for a commissioning-specific protocol
// (discriminators, zone IDs, setup codes): the instance-name-keyed
// advertise/browse shape, TTL and interface-selection options, and the
// multi-interface address-aggregation pattern in MDNSBrowser all carry
// over unchanged. The TXT-record vocabulary and service type are
// IOTile-specific: a gateway advertises only its GatewayID and how many
// devices it can reach, rather than a commissionable/operational/
// commissioner Matter-style device.
package netdiscovery
