package udp

import (
	"net"
	"time"
)

// MaxDatagramSize is the largest UDP payload over IPv4.
const MaxDatagramSize = 65507

// Config holds configuration for one relay.
type Config struct {
	// Side labels logs and metrics.
	Side string

	// BindIP is the address the relay socket listens on. nil binds all IPv4 interfaces.
	BindIP net.IP

	// Origin is the address the association was requested for. An unspecified IP or a
	// zero port is learned from the first datagram that matches the rest of it.
	Origin *net.UDPAddr

	// OriginIP restricts learning an unspecified origin IP to this address, normally
	// the IP of the TCP connection that requested the association.
	OriginIP net.IP

	// IdleTimeout closes the relay after this long without a relayed datagram.
	// 0 means no timeout; the relay then lives as long as its TCP session.
	IdleTimeout time.Duration

	// MaxDatagramSize bounds the datagrams read from the socket.
	MaxDatagramSize int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxDatagramSize: MaxDatagramSize,
	}
}

// network picks the socket family for the bind address. The IPv4 wildcard stays on
// udp4 so the socket reports an IPv4 local address. The IPv6 wildcard binds dual-stack
// so the relay can still reach IPv4 peers.
func (c *Config) network() string {
	switch {
	case c.BindIP == nil || c.BindIP.To4() != nil:
		return "udp4"
	case c.BindIP.IsUnspecified():
		return "udp"
	default:
		return "udp6"
	}
}
