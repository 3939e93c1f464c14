// Package config holds the CLI configuration types.
package config

// LinkKind selects the broadcast medium a node attaches to.
type LinkKind string

const (
	LinkUDP       LinkKind = "udp"        // multicast group on the local segment
	LinkHub       LinkKind = "hub"        // WebSocket relay
	LinkRTCHost   LinkKind = "rtc-host"   // WebRTC, this side runs signaling
	LinkRTCClient LinkKind = "rtc-client" // WebRTC, this side dials signaling
)

// Config stores all parameters gathered from flags or the interactive CLI
// prompts.
type Config struct {
	Host   string   // Mesh address of this node
	Link   LinkKind // Which medium to join
	Group  string   // UDP: multicast group as "addr:port"
	HubURL string   // Hub: relay URL to connect to
	WSAddr string   // RTC host: signaling listen address
	WSURL  string   // RTC client: signaling URL to connect to
}
