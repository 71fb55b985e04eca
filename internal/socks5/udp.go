package socks5

import (
	"fmt"
)

// UDPHeaderMinLen is the shortest UDP request header: RSV, FRAG and an IPv4 address.
const UDPHeaderMinLen = 3 + 1 + 4 + 2

// Datagram is a SOCKS5 UDP request frame.
//
//	+----+------+------+----------+----------+----------+
//	|RSV | FRAG | ATYP | DST.ADDR | DST.PORT |   DATA   |
//	+----+------+------+----------+----------+----------+
//	| 2  |  1   |  1   | Variable |    2     | Variable |
//	+----+------+------+----------+----------+----------+
type Datagram struct {
	Frag    byte
	Addr    Addr
	Payload []byte
}

// UDPHeaderLen returns the length of the frame header (RSV through DST.PORT) at the start
// of b.
func UDPHeaderLen(b []byte) (int, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("%w: datagram of %d bytes", ErrParsing, len(b))
	}
	n, err := AddrLen(b[3:])
	if err != nil {
		return 0, err
	}
	return 3 + n, nil
}

// ParseDatagram parses a UDP frame. Fragmented frames are rejected with
// ErrFragmentedDatagram. The payload aliases b.
func ParseDatagram(b []byte) (*Datagram, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: datagram of %d bytes", ErrParsing, len(b))
	}
	if b[2] != 0 {
		return nil, ErrFragmentedDatagram
	}

	addr, n, err := DecodeAddr(b[3:])
	if err != nil {
		return nil, err
	}
	return &Datagram{Frag: b[2], Addr: addr, Payload: b[3+n:]}, nil
}

// Bytes encodes the frame with RSV and FRAG zeroed.
func (d *Datagram) Bytes() []byte {
	b := make([]byte, 0, 3+d.Addr.EncodedLen()+len(d.Payload))
	b = append(b, 0, 0, 0)
	b = d.Addr.AppendTo(b)
	return append(b, d.Payload...)
}
