package udp

import (
	"context"
	"fmt"
	"net"

	"github.com/postalsys/shadow-tunnel/internal/socks5"
)

// Codec encrypts and decrypts relay frames. *shadow.Session implements it.
type Codec interface {
	EncryptUDPData(frame []byte) ([]byte, error)
	DecryptUDPData(b []byte) ([]byte, error)
}

// Resolver looks up target hosts. *net.Resolver implements it.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// LocalTranslator is the Local hop's translator: plain frames from the client are
// encrypted for the Remote relay, encrypted frames from it are decrypted for the client.
type LocalTranslator struct {
	Codec Codec
}

// Outbound rejects fragmented frames and encrypts the rest for the peer.
func (t *LocalTranslator) Outbound(_ context.Context, frame []byte) ([]byte, *net.UDPAddr, error) {
	if _, err := socks5.ParseDatagram(frame); err != nil {
		return nil, nil, err
	}
	out, err := t.Codec.EncryptUDPData(frame)
	if err != nil {
		return nil, nil, err
	}
	return out, nil, nil
}

// Inbound decrypts a Remote frame back to a plain SOCKS5 UDP frame.
func (t *LocalTranslator) Inbound(b []byte, _ *net.UDPAddr) ([]byte, error) {
	return t.Codec.DecryptUDPData(b)
}

// RemoteTranslator is the Remote hop's translator: encrypted frames from the Local
// relay are unwrapped and their payload sent to the target; target replies are wrapped
// with the sender address and encrypted.
type RemoteTranslator struct {
	Codec    Codec
	Resolver Resolver

	// Network restricts resolution to "ip4" or "ip6" to match the relay socket.
	Network string
}

// Outbound decrypts a frame and resolves its destination.
func (t *RemoteTranslator) Outbound(ctx context.Context, b []byte) ([]byte, *net.UDPAddr, error) {
	frame, err := t.Codec.DecryptUDPData(b)
	if err != nil {
		return nil, nil, err
	}
	d, err := socks5.ParseDatagram(frame)
	if err != nil {
		return nil, nil, err
	}

	dst, err := t.resolve(ctx, d.Addr)
	if err != nil {
		return nil, nil, err
	}
	return d.Payload, dst, nil
}

// Inbound wraps a target reply in a frame naming the target and encrypts it.
func (t *RemoteTranslator) Inbound(payload []byte, src *net.UDPAddr) ([]byte, error) {
	d := socks5.Datagram{Addr: socks5.FromNetAddr(src), Payload: payload}
	return t.Codec.EncryptUDPData(d.Bytes())
}

func (t *RemoteTranslator) resolve(ctx context.Context, a socks5.Addr) (*net.UDPAddr, error) {
	if a.Type != socks5.AddrTypeDomain {
		return a.UDPAddr(), nil
	}

	hostport, err := a.DialString()
	if err != nil {
		return nil, err
	}
	host, _, _ := net.SplitHostPort(hostport)

	resolver := t.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	network := t.Network
	if network == "" {
		network = "ip4"
	}
	ips, err := resolver.LookupIP(ctx, network, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}
	return &net.UDPAddr{IP: ips[0], Port: int(a.Port)}, nil
}
