package socks5

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"

	"golang.org/x/net/idna"
)

// MaxDomainLength is the longest domain an address field can carry.
const MaxDomainLength = 255

// Addr is a SOCKS5 address field: exactly one of IP (IPv4/IPv6) or Host (domain) is set,
// selected by Type.
//
//	+------+----------+----------+
//	| ATYP | DST.ADDR | DST.PORT |
//	+------+----------+----------+
//	|  1   | Variable |    2     |
//	+------+----------+----------+
type Addr struct {
	Type byte
	IP   net.IP
	Host string
	Port uint16
}

// IPAddr builds an address from an IP, choosing IPv4 when the IP has a 4-byte form.
// A nil IP becomes 0.0.0.0.
func IPAddr(ip net.IP, port uint16) Addr {
	if ip == nil {
		return Addr{Type: AddrTypeIPv4, IP: net.IPv4zero.To4(), Port: port}
	}
	if v4 := ip.To4(); v4 != nil {
		return Addr{Type: AddrTypeIPv4, IP: v4, Port: port}
	}
	return Addr{Type: AddrTypeIPv6, IP: ip.To16(), Port: port}
}

// DomainAddr builds a domain address.
func DomainAddr(host string, port uint16) Addr {
	return Addr{Type: AddrTypeDomain, Host: host, Port: port}
}

// FromNetAddr converts a *net.TCPAddr or *net.UDPAddr. Other address kinds yield 0.0.0.0:0.
func FromNetAddr(a net.Addr) Addr {
	switch v := a.(type) {
	case *net.TCPAddr:
		return IPAddr(v.IP, uint16(v.Port))
	case *net.UDPAddr:
		return IPAddr(v.IP, uint16(v.Port))
	default:
		return IPAddr(nil, 0)
	}
}

// ParseAddr parses "host:port"; literal IPs become IP addresses, anything else a domain.
func ParseAddr(hostport string) (Addr, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Addr{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Addr{}, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	if ip := net.ParseIP(host); ip != nil {
		return IPAddr(ip, uint16(port)), nil
	}
	if len(host) == 0 || len(host) > MaxDomainLength {
		return Addr{}, fmt.Errorf("invalid domain length %d", len(host))
	}
	return DomainAddr(host, uint16(port)), nil
}

// Hostname returns the IP literal or the domain.
func (a Addr) Hostname() string {
	if a.Type == AddrTypeDomain {
		return a.Host
	}
	return a.IP.String()
}

// DialString returns "host:port" for dialing, with an internationalized domain
// converted to its ASCII (punycode) form.
func (a Addr) DialString() (string, error) {
	if a.Type != AddrTypeDomain {
		return a.String(), nil
	}
	host, err := idna.Lookup.ToASCII(a.Host)
	if err != nil {
		return "", NewReplyError(ReplyHostUnreachable, fmt.Errorf("invalid domain %q: %w", a.Host, err))
	}
	return net.JoinHostPort(host, strconv.Itoa(int(a.Port))), nil
}

// String returns "host:port".
func (a Addr) String() string {
	return net.JoinHostPort(a.Hostname(), strconv.Itoa(int(a.Port)))
}

// IsUnspecified reports whether the address is an IP address of all zeros.
func (a Addr) IsUnspecified() bool {
	return a.Type != AddrTypeDomain && (a.IP == nil || a.IP.IsUnspecified())
}

// UDPAddr returns the address as a *net.UDPAddr, or nil for domain addresses.
func (a Addr) UDPAddr() *net.UDPAddr {
	if a.Type == AddrTypeDomain {
		return nil
	}
	return &net.UDPAddr{IP: a.IP, Port: int(a.Port)}
}

// EncodedLen returns the number of bytes Encode produces.
func (a Addr) EncodedLen() int {
	switch a.Type {
	case AddrTypeIPv4:
		return 1 + net.IPv4len + 2
	case AddrTypeIPv6:
		return 1 + net.IPv6len + 2
	default:
		return 1 + 1 + len(a.Host) + 2
	}
}

// Encode returns ATYP + ADDR + PORT.
func (a Addr) Encode() []byte {
	return a.AppendTo(make([]byte, 0, a.EncodedLen()))
}

// AppendTo appends ATYP + ADDR + PORT to b.
func (a Addr) AppendTo(b []byte) []byte {
	switch a.Type {
	case AddrTypeIPv4:
		ip := a.IP.To4()
		if ip == nil {
			ip = net.IPv4zero.To4()
		}
		b = append(b, AddrTypeIPv4)
		b = append(b, ip...)
	case AddrTypeIPv6:
		b = append(b, AddrTypeIPv6)
		b = append(b, a.IP.To16()...)
	default:
		host := a.Host
		if len(host) > MaxDomainLength {
			host = host[:MaxDomainLength]
		}
		b = append(b, AddrTypeDomain, byte(len(host)))
		b = append(b, host...)
	}
	return binary.BigEndian.AppendUint16(b, a.Port)
}

// ReadAddr reads ATYP + ADDR + PORT from r.
func ReadAddr(r io.Reader) (Addr, error) {
	var atyp [1]byte
	if _, err := io.ReadFull(r, atyp[:]); err != nil {
		return Addr{}, err
	}
	return readAddrBody(r, atyp[0])
}

func readAddrBody(r io.Reader, atyp byte) (Addr, error) {
	a := Addr{Type: atyp}

	switch atyp {
	case AddrTypeIPv4:
		ip := make([]byte, net.IPv4len)
		if _, err := io.ReadFull(r, ip); err != nil {
			return Addr{}, err
		}
		a.IP = net.IP(ip)

	case AddrTypeIPv6:
		ip := make([]byte, net.IPv6len)
		if _, err := io.ReadFull(r, ip); err != nil {
			return Addr{}, err
		}
		a.IP = net.IP(ip)

	case AddrTypeDomain:
		var l [1]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return Addr{}, err
		}
		if l[0] == 0 {
			return Addr{}, fmt.Errorf("%w: zero-length domain", ErrParsing)
		}
		host := make([]byte, l[0])
		if _, err := io.ReadFull(r, host); err != nil {
			return Addr{}, err
		}
		a.Host = string(host)

	default:
		return Addr{}, NewReplyError(ReplyAddrNotSupported,
			fmt.Errorf("%w: %#x", ErrAddressNotSupported, atyp))
	}

	var port [2]byte
	if _, err := io.ReadFull(r, port[:]); err != nil {
		return Addr{}, err
	}
	a.Port = binary.BigEndian.Uint16(port[:])
	return a, nil
}

// DecodeAddr decodes ATYP + ADDR + PORT from the start of b and returns the number of
// bytes consumed. Short input is a parsing error.
func DecodeAddr(b []byte) (Addr, int, error) {
	n, err := AddrLen(b)
	if err != nil {
		return Addr{}, 0, err
	}

	a := Addr{Type: b[0]}
	switch a.Type {
	case AddrTypeIPv4:
		a.IP = net.IP(append([]byte(nil), b[1:1+net.IPv4len]...))
	case AddrTypeIPv6:
		a.IP = net.IP(append([]byte(nil), b[1:1+net.IPv6len]...))
	case AddrTypeDomain:
		a.Host = string(b[2 : 2+int(b[1])])
	}
	a.Port = binary.BigEndian.Uint16(b[n-2 : n])
	return a, n, nil
}

// AddrLen returns the encoded length of the address field at the start of b without
// decoding it.
func AddrLen(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, fmt.Errorf("%w: empty address", ErrParsing)
	}

	var n int
	switch b[0] {
	case AddrTypeIPv4:
		n = 1 + net.IPv4len + 2
	case AddrTypeIPv6:
		n = 1 + net.IPv6len + 2
	case AddrTypeDomain:
		if len(b) < 2 {
			return 0, fmt.Errorf("%w: short domain address", ErrParsing)
		}
		if b[1] == 0 {
			return 0, fmt.Errorf("%w: zero-length domain", ErrParsing)
		}
		n = 1 + 1 + int(b[1]) + 2
	default:
		return 0, NewReplyError(ReplyAddrNotSupported,
			fmt.Errorf("%w: %#x", ErrAddressNotSupported, b[0]))
	}

	if len(b) < n {
		return 0, fmt.Errorf("%w: address needs %d bytes, have %d", ErrParsing, n, len(b))
	}
	return n, nil
}
