package socks5

import (
	"bytes"
	"errors"
	"net"
	"testing"
)

func TestParseDatagram_IPv4(t *testing.T) {
	data := []byte{
		0x00, 0x00, // RSV
		0x00,       // FRAG
		0x01,       // ATYP (IPv4)
		8, 8, 8, 8,
		0x00, 0x35, // Port 53
		'h', 'e', 'l', 'l', 'o',
	}

	d, err := ParseDatagram(data)
	if err != nil {
		t.Fatalf("ParseDatagram error: %v", err)
	}
	if d.Addr.Type != AddrTypeIPv4 {
		t.Errorf("Type = %d, want %d", d.Addr.Type, AddrTypeIPv4)
	}
	if !d.Addr.IP.Equal(net.IPv4(8, 8, 8, 8)) {
		t.Errorf("IP = %v, want 8.8.8.8", d.Addr.IP)
	}
	if d.Addr.Port != 53 {
		t.Errorf("Port = %d, want 53", d.Addr.Port)
	}
	if string(d.Payload) != "hello" {
		t.Errorf("Payload = %q, want %q", d.Payload, "hello")
	}
}

func TestParseDatagram_Domain(t *testing.T) {
	data := []byte{0x00, 0x00, 0x00, 0x03, 11}
	data = append(data, "example.com"...)
	data = append(data, 0x01, 0xBB)
	data = append(data, "payload"...)

	d, err := ParseDatagram(data)
	if err != nil {
		t.Fatalf("ParseDatagram error: %v", err)
	}
	if d.Addr.Host != "example.com" {
		t.Errorf("Host = %q, want example.com", d.Addr.Host)
	}
	if d.Addr.Port != 443 {
		t.Errorf("Port = %d, want 443", d.Addr.Port)
	}
	if string(d.Payload) != "payload" {
		t.Errorf("Payload = %q", d.Payload)
	}
}

func TestParseDatagram_Fragmented(t *testing.T) {
	data := []byte{0x00, 0x00, 0x01, 0x01, 1, 2, 3, 4, 0x00, 0x50}
	if _, err := ParseDatagram(data); !errors.Is(err, ErrFragmentedDatagram) {
		t.Errorf("err = %v, want ErrFragmentedDatagram", err)
	}
}

func TestParseDatagram_TooShort(t *testing.T) {
	tests := [][]byte{
		{},
		{0x00, 0x00, 0x00},
		{0x00, 0x00, 0x00, 0x01, 1, 2, 3},
		{0x00, 0x00, 0x00, 0x04, 0, 0, 0, 0, 0, 0, 0, 0},
		{0x00, 0x00, 0x00, 0x03, 5, 'a', 'b'},
	}
	for _, data := range tests {
		if _, err := ParseDatagram(data); !errors.Is(err, ErrParsing) {
			t.Errorf("ParseDatagram(%x) err = %v, want ErrParsing", data, err)
		}
	}
}

func TestParseDatagram_UnknownAddrType(t *testing.T) {
	data := []byte{0x00, 0x00, 0x00, 0x09, 1, 2, 3, 4, 0, 80}
	_, err := ParseDatagram(data)
	if ReplyCode(err) != ReplyAddrNotSupported {
		t.Errorf("ReplyCode = %#x, want %#x (err %v)", ReplyCode(err), ReplyAddrNotSupported, err)
	}
}

func TestDatagram_RoundTrip(t *testing.T) {
	addrs := []Addr{
		IPAddr(net.IPv4(10, 0, 0, 1), 53),
		IPAddr(net.ParseIP("2001:db8::1"), 443),
		DomainAddr("example.org", 8080),
	}

	for _, a := range addrs {
		t.Run(a.String(), func(t *testing.T) {
			in := &Datagram{Addr: a, Payload: []byte("data")}
			out, err := ParseDatagram(in.Bytes())
			if err != nil {
				t.Fatalf("ParseDatagram error: %v", err)
			}
			if out.Addr.String() != a.String() || out.Addr.Type != a.Type {
				t.Errorf("Addr = %v (type %d), want %v (type %d)", out.Addr, out.Addr.Type, a, a.Type)
			}
			if !bytes.Equal(out.Payload, in.Payload) {
				t.Errorf("Payload = %q, want %q", out.Payload, in.Payload)
			}
		})
	}
}

func TestUDPHeaderLen(t *testing.T) {
	frame := (&Datagram{Addr: DomainAddr("abc", 1), Payload: []byte("xyz")}).Bytes()
	n, err := UDPHeaderLen(frame)
	if err != nil {
		t.Fatalf("UDPHeaderLen error: %v", err)
	}
	if want := 3 + 1 + 1 + 3 + 2; n != want {
		t.Errorf("UDPHeaderLen = %d, want %d", n, want)
	}
}
