package socks5

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
)

// ============================================================================
// Method Negotiation Tests
// ============================================================================

func TestReadMethodRequest(t *testing.T) {
	m, err := ReadMethodRequest(bytes.NewReader([]byte{0x05, 0x02, 0x00, 0x80}))
	if err != nil {
		t.Fatalf("ReadMethodRequest error: %v", err)
	}
	if !m.Offers(AuthMethodNoAuth) || !m.Offers(AuthMethodToken) {
		t.Errorf("Methods = %x, want 00 and 80 offered", m.Methods)
	}
	if m.Offers(AuthMethodUserPass) {
		t.Error("Offers(0x02) = true, want false")
	}
	if !bytes.Equal(m.Bytes(), []byte{0x05, 0x02, 0x00, 0x80}) {
		t.Errorf("Bytes = %x", m.Bytes())
	}
}

func TestReadMethodRequest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"socks4", []byte{0x04, 0x01, 0x00}, ErrVersionMismatch},
		{"no methods", []byte{0x05, 0x00}, ErrParsing},
		{"truncated", []byte{0x05, 0x03, 0x00}, io.ErrUnexpectedEOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadMethodRequest(bytes.NewReader(tt.data))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseMethodRequest_TrailingBytes(t *testing.T) {
	if _, err := ParseMethodRequest([]byte{0x05, 0x01, 0x80, 0xAA}); !errors.Is(err, ErrParsing) {
		t.Errorf("err = %v, want ErrParsing", err)
	}
	if _, err := ParseMethodRequest([]byte{0x05, 0x02, 0x80}); !errors.Is(err, ErrParsing) {
		t.Errorf("truncated err = %v, want ErrParsing", err)
	}
}

func TestParseMethodReply(t *testing.T) {
	method, err := ParseMethodReply([]byte{0x05, 0x80})
	if err != nil || method != AuthMethodToken {
		t.Errorf("ParseMethodReply = %#x, %v", method, err)
	}
	if _, err := ParseMethodReply([]byte{0x05, 0xFF}); !errors.Is(err, ErrNoAcceptableMethods) {
		t.Errorf("err = %v, want ErrNoAcceptableMethods", err)
	}
	if _, err := ParseMethodReply([]byte{0x04, 0x00}); !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("err = %v, want ErrVersionMismatch", err)
	}
}

// ============================================================================
// Token Sub-negotiation Tests
// ============================================================================

func TestTokenRequest_RoundTrip(t *testing.T) {
	b, err := TokenRequest("secret-token")
	if err != nil {
		t.Fatalf("TokenRequest error: %v", err)
	}
	if b[0] != Version || int(b[1]) != len("secret-token") {
		t.Errorf("header = %x", b[:2])
	}

	token, err := ParseTokenRequest(b)
	if err != nil {
		t.Fatalf("ParseTokenRequest error: %v", err)
	}
	if token != "secret-token" {
		t.Errorf("token = %q", token)
	}
}

func TestTokenRequest_Length(t *testing.T) {
	if _, err := TokenRequest(""); err == nil {
		t.Error("TokenRequest(\"\") should fail")
	}
	if _, err := TokenRequest(string(make([]byte, 256))); err == nil {
		t.Error("TokenRequest(256 bytes) should fail")
	}
	if _, err := TokenRequest(string(make([]byte, 255))); err != nil {
		t.Errorf("TokenRequest(255 bytes) error: %v", err)
	}
}

func TestParseTokenRequest_Empty(t *testing.T) {
	token, err := ParseTokenRequest([]byte{0x05, 0x00})
	if err != nil {
		t.Fatalf("ParseTokenRequest error: %v", err)
	}
	if token != "" {
		t.Errorf("token = %q, want empty", token)
	}
}

func TestParseTokenReply(t *testing.T) {
	if err := ParseTokenReply(TokenReply(true)); err != nil {
		t.Errorf("success reply error: %v", err)
	}
	if err := ParseTokenReply(TokenReply(false)); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("failure reply err = %v, want ErrAuthenticationFailed", err)
	}
	if err := ParseTokenReply([]byte{0x05}); !errors.Is(err, ErrParsing) {
		t.Errorf("short reply err = %v, want ErrParsing", err)
	}
}

// ============================================================================
// Request / Reply Tests
// ============================================================================

func TestRequest_AddrTypes(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{
			name: "IPv4",
			data: []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x1F, 0x90},
			want: "127.0.0.1:8080",
		},
		{
			name: "IPv6",
			data: append(append([]byte{0x05, 0x01, 0x00, 0x04}, net.IPv6loopback...), 0x00, 0x50),
			want: "[::1]:80",
		},
		{
			name: "Domain",
			data: append(append([]byte{0x05, 0x01, 0x00, 0x03, 11}, "example.com"...), 0x01, 0xBB),
			want: "example.com:443",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ReadRequest(bytes.NewReader(tt.data))
			if err != nil {
				t.Fatalf("ReadRequest error: %v", err)
			}
			if req.Command != CmdConnect {
				t.Errorf("Command = %d, want %d", req.Command, CmdConnect)
			}
			if req.Addr.String() != tt.want {
				t.Errorf("Addr = %s, want %s", req.Addr, tt.want)
			}
			if !bytes.Equal(req.Bytes(), tt.data) {
				t.Errorf("Bytes = %x, want %x", req.Bytes(), tt.data)
			}
		})
	}
}

func TestRequest_UnsupportedAddressType(t *testing.T) {
	_, err := ParseRequest([]byte{0x05, 0x01, 0x00, 0x05, 1, 2, 3, 4, 0, 80})
	if !errors.Is(err, ErrAddressNotSupported) {
		t.Errorf("err = %v, want ErrAddressNotSupported", err)
	}
	if ReplyCode(err) != ReplyAddrNotSupported {
		t.Errorf("ReplyCode = %#x, want %#x", ReplyCode(err), ReplyAddrNotSupported)
	}
}

func TestRequest_ZeroLengthDomain(t *testing.T) {
	_, err := ParseRequest([]byte{0x05, 0x01, 0x00, 0x03, 0x00, 0x00, 0x50})
	if !errors.Is(err, ErrParsing) {
		t.Errorf("err = %v, want ErrParsing", err)
	}
}

func TestReply_RoundTrip(t *testing.T) {
	reply := NewReply(ReplySucceeded, &net.TCPAddr{IP: net.IPv4(192, 168, 1, 10), Port: 40000})
	got, err := ParseReply(reply.Bytes())
	if err != nil {
		t.Fatalf("ParseReply error: %v", err)
	}
	if got.Code != ReplySucceeded {
		t.Errorf("Code = %#x", got.Code)
	}
	if got.Addr.String() != "192.168.1.10:40000" {
		t.Errorf("Addr = %s", got.Addr)
	}
}

func TestNewReply_NilBind(t *testing.T) {
	want := []byte{0x05, 0x04, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if got := NewReply(ReplyHostUnreachable, nil).Bytes(); !bytes.Equal(got, want) {
		t.Errorf("Bytes = %x, want %x", got, want)
	}
}

// ============================================================================
// Address Tests
// ============================================================================

func TestParseAddr(t *testing.T) {
	tests := []struct {
		in       string
		wantType byte
	}{
		{"1.2.3.4:80", AddrTypeIPv4},
		{"[2001:db8::1]:443", AddrTypeIPv6},
		{"example.com:22", AddrTypeDomain},
	}
	for _, tt := range tests {
		a, err := ParseAddr(tt.in)
		if err != nil {
			t.Fatalf("ParseAddr(%q) error: %v", tt.in, err)
		}
		if a.Type != tt.wantType {
			t.Errorf("ParseAddr(%q).Type = %d, want %d", tt.in, a.Type, tt.wantType)
		}
		if a.String() != tt.in {
			t.Errorf("String() = %q, want %q", a.String(), tt.in)
		}
	}

	if _, err := ParseAddr("example.com:99999"); err == nil {
		t.Error("ParseAddr with out-of-range port should fail")
	}
}

func TestAddr_IsUnspecified(t *testing.T) {
	if !IPAddr(nil, 0).IsUnspecified() {
		t.Error("0.0.0.0 should be unspecified")
	}
	if !IPAddr(net.IPv6unspecified, 0).IsUnspecified() {
		t.Error(":: should be unspecified")
	}
	if IPAddr(net.IPv4(127, 0, 0, 1), 0).IsUnspecified() {
		t.Error("127.0.0.1 should not be unspecified")
	}
	if DomainAddr("localhost", 0).IsUnspecified() {
		t.Error("domain should not be unspecified")
	}
}

func TestAddr_DialString(t *testing.T) {
	tests := []struct {
		addr Addr
		want string
	}{
		{IPAddr(net.IPv4(10, 0, 0, 1), 80), "10.0.0.1:80"},
		{IPAddr(net.ParseIP("2001:db8::1"), 443), "[2001:db8::1]:443"},
		{DomainAddr("example.com", 8080), "example.com:8080"},
		{DomainAddr("bücher.example", 80), "xn--bcher-kva.example:80"},
	}
	for _, tt := range tests {
		got, err := tt.addr.DialString()
		if err != nil {
			t.Errorf("DialString(%v): %v", tt.addr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("DialString(%v) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

// ============================================================================
// Reply Code Mapping Tests
// ============================================================================

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestReplyCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want byte
	}{
		{"nil", nil, ReplySucceeded},
		{"reply error", NewReplyError(ReplyNotAllowed, errors.New("denied")), ReplyNotAllowed},
		{"wrapped command", fmt.Errorf("handle: %w", ErrCommandNotSupported), ReplyCmdNotSupported},
		{"dns", &net.DNSError{Err: "no such host", Name: "nx.invalid", IsNotFound: true}, ReplyHostUnreachable},
		{"dns timeout", &net.DNSError{Err: "timeout", Name: "slow.invalid", IsTimeout: true}, ReplyTTLExpired},
		{"refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, ReplyConnectionRefused},
		{"net unreachable", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ENETUNREACH}, ReplyNetworkUnreachable},
		{"host unreachable", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.EHOSTUNREACH}, ReplyHostUnreachable},
		{"timeout", &net.OpError{Op: "dial", Net: "tcp", Err: timeoutErr{}}, ReplyTTLExpired},
		{"deadline", context.DeadlineExceeded, ReplyTTLExpired},
		{"dial other", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("boom")}, ReplyHostUnreachable},
		{"general failure", fmt.Errorf("relay: %w", ErrGeneralFailure), ReplyServerFailure},
		{"generic", errors.New("boom"), ReplyServerFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReplyCode(tt.err); got != tt.want {
				t.Errorf("ReplyCode(%v) = %#x, want %#x", tt.err, got, tt.want)
			}
		})
	}
}
