// Package socks5 implements the SOCKS5 wire format (RFC 1928) used on both hops of the tunnel:
// method negotiation, the token sub-negotiation, command requests and replies, address fields
// and UDP relay frames.
package socks5

// Version is the only protocol version accepted on either hop.
const Version = 0x05

// Authentication methods.
const (
	AuthMethodNoAuth       = 0x00
	AuthMethodGSSAPI       = 0x01
	AuthMethodUserPass     = 0x02
	AuthMethodToken        = 0x80 // tunnel-private token sub-negotiation
	AuthMethodNoAcceptable = 0xFF
)

// Token sub-negotiation status.
const (
	AuthStatusFailure = 0x00
	AuthStatusSuccess = 0x01
)

// Command types.
const (
	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03
)

// Address types.
const (
	AddrTypeIPv4   = 0x01
	AddrTypeDomain = 0x03
	AddrTypeIPv6   = 0x04
)

// Reply codes.
const (
	ReplySucceeded          = 0x00
	ReplyServerFailure      = 0x01
	ReplyNotAllowed         = 0x02
	ReplyNetworkUnreachable = 0x03
	ReplyHostUnreachable    = 0x04
	ReplyConnectionRefused  = 0x05
	ReplyTTLExpired         = 0x06
	ReplyCmdNotSupported    = 0x07
	ReplyAddrNotSupported   = 0x08
)

// CommandName returns a short lowercase name for a command, used in logs and metric labels.
func CommandName(cmd byte) string {
	switch cmd {
	case CmdConnect:
		return "connect"
	case CmdBind:
		return "bind"
	case CmdUDPAssociate:
		return "udp_associate"
	default:
		return "unknown"
	}
}

// ReplyName returns a short lowercase name for a reply code.
func ReplyName(code byte) string {
	switch code {
	case ReplySucceeded:
		return "succeeded"
	case ReplyServerFailure:
		return "server_failure"
	case ReplyNotAllowed:
		return "not_allowed"
	case ReplyNetworkUnreachable:
		return "network_unreachable"
	case ReplyHostUnreachable:
		return "host_unreachable"
	case ReplyConnectionRefused:
		return "connection_refused"
	case ReplyTTLExpired:
		return "ttl_expired"
	case ReplyCmdNotSupported:
		return "command_not_supported"
	case ReplyAddrNotSupported:
		return "address_not_supported"
	default:
		return "unknown"
	}
}
