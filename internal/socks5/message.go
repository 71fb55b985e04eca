package socks5

import (
	"bytes"
	"fmt"
	"io"
	"net"
)

// MaxTokenLength is the longest token the sub-negotiation can carry.
const MaxTokenLength = 255

// MethodRequest is the client greeting.
//
//	+-----+----------+----------+
//	| VER | NMETHODS | METHODS  |
//	+-----+----------+----------+
//	|  1  |    1     | 1 to 255 |
//	+-----+----------+----------+
type MethodRequest struct {
	Methods []byte
}

// ReadMethodRequest reads a greeting from r.
func ReadMethodRequest(r io.Reader) (*MethodRequest, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != Version {
		return nil, fmt.Errorf("%w: %#x", ErrVersionMismatch, hdr[0])
	}
	if hdr[1] == 0 {
		return nil, fmt.Errorf("%w: empty method list", ErrParsing)
	}

	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(r, methods); err != nil {
		return nil, err
	}
	return &MethodRequest{Methods: methods}, nil
}

// ParseMethodRequest parses a complete greeting.
func ParseMethodRequest(b []byte) (*MethodRequest, error) {
	rd := bytes.NewReader(b)
	m, err := ReadMethodRequest(rd)
	if err != nil {
		return nil, shortIsParsing(err)
	}
	if rd.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after greeting", ErrParsing, rd.Len())
	}
	return m, nil
}

// Offers reports whether method is in the greeting.
func (m *MethodRequest) Offers(method byte) bool {
	return bytes.IndexByte(m.Methods, method) >= 0
}

// Bytes encodes the greeting.
func (m *MethodRequest) Bytes() []byte {
	b := make([]byte, 0, 2+len(m.Methods))
	b = append(b, Version, byte(len(m.Methods)))
	return append(b, m.Methods...)
}

// MethodReply encodes the server's method selection.
func MethodReply(method byte) []byte {
	return []byte{Version, method}
}

// ParseMethodReply parses a method selection. AuthMethodNoAcceptable is reported as
// ErrNoAcceptableMethods.
func ParseMethodReply(b []byte) (byte, error) {
	if len(b) != 2 {
		return 0, fmt.Errorf("%w: method reply of %d bytes", ErrParsing, len(b))
	}
	if b[0] != Version {
		return 0, fmt.Errorf("%w: %#x", ErrVersionMismatch, b[0])
	}
	if b[1] == AuthMethodNoAcceptable {
		return b[1], ErrNoAcceptableMethods
	}
	return b[1], nil
}

// TokenRequest encodes the token sub-negotiation request.
//
//	+-----+------+-------+
//	| VER | ULEN | TOKEN |
//	+-----+------+-------+
//	|  1  |  1   | ULEN  |
//	+-----+------+-------+
func TokenRequest(token string) ([]byte, error) {
	if len(token) == 0 || len(token) > MaxTokenLength {
		return nil, fmt.Errorf("token length %d out of range 1..%d", len(token), MaxTokenLength)
	}
	b := make([]byte, 0, 2+len(token))
	b = append(b, Version, byte(len(token)))
	return append(b, token...), nil
}

// ReadTokenRequest reads a token sub-negotiation request.
func ReadTokenRequest(r io.Reader) (string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", err
	}
	if hdr[0] != Version {
		return "", fmt.Errorf("%w: %#x", ErrVersionMismatch, hdr[0])
	}
	if hdr[1] == 0 {
		return "", nil
	}
	token := make([]byte, hdr[1])
	if _, err := io.ReadFull(r, token); err != nil {
		return "", err
	}
	return string(token), nil
}

// ParseTokenRequest parses a complete token request. An empty token is returned as ""
// and left for the checker to reject.
func ParseTokenRequest(b []byte) (string, error) {
	rd := bytes.NewReader(b)
	token, err := ReadTokenRequest(rd)
	if err != nil {
		return "", shortIsParsing(err)
	}
	if rd.Len() != 0 {
		return "", fmt.Errorf("%w: %d trailing bytes after token", ErrParsing, rd.Len())
	}
	return token, nil
}

// TokenReply encodes the sub-negotiation status.
func TokenReply(ok bool) []byte {
	if ok {
		return []byte{Version, AuthStatusSuccess}
	}
	return []byte{Version, AuthStatusFailure}
}

// ParseTokenReply parses the sub-negotiation status. A failure status is reported as
// ErrAuthenticationFailed.
func ParseTokenReply(b []byte) error {
	if len(b) != 2 {
		return fmt.Errorf("%w: token reply of %d bytes", ErrParsing, len(b))
	}
	if b[0] != Version {
		return fmt.Errorf("%w: %#x", ErrVersionMismatch, b[0])
	}
	if b[1] != AuthStatusSuccess {
		return ErrAuthenticationFailed
	}
	return nil
}

// Request is a command request.
//
//	+-----+-----+-------+------+----------+----------+
//	| VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
//	+-----+-----+-------+------+----------+----------+
//	|  1  |  1  | X'00' |  1   | Variable |    2     |
//	+-----+-----+-------+------+----------+----------+
type Request struct {
	Command byte
	Addr    Addr
}

// ReadRequest reads a command request from r. The command byte is not validated here.
func ReadRequest(r io.Reader) (*Request, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != Version {
		return nil, fmt.Errorf("%w: %#x", ErrVersionMismatch, hdr[0])
	}

	addr, err := ReadAddr(r)
	if err != nil {
		return nil, err
	}
	return &Request{Command: hdr[1], Addr: addr}, nil
}

// ParseRequest parses a complete command request.
func ParseRequest(b []byte) (*Request, error) {
	rd := bytes.NewReader(b)
	req, err := ReadRequest(rd)
	if err != nil {
		return nil, shortIsParsing(err)
	}
	if rd.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after request", ErrParsing, rd.Len())
	}
	return req, nil
}

// Bytes encodes the request.
func (r *Request) Bytes() []byte {
	b := make([]byte, 0, 3+r.Addr.EncodedLen())
	b = append(b, Version, r.Command, 0x00)
	return r.Addr.AppendTo(b)
}

// Reply is a command reply. It has the request layout with REP in place of CMD.
type Reply struct {
	Code byte
	Addr Addr
}

// NewReply builds a reply whose bound address is taken from bind, or 0.0.0.0:0 when
// bind is nil.
func NewReply(code byte, bind net.Addr) *Reply {
	if bind == nil {
		return &Reply{Code: code, Addr: IPAddr(nil, 0)}
	}
	return &Reply{Code: code, Addr: FromNetAddr(bind)}
}

// ReadReply reads a command reply from r.
func ReadReply(r io.Reader) (*Reply, error) {
	req, err := ReadRequest(r)
	if err != nil {
		return nil, err
	}
	return &Reply{Code: req.Command, Addr: req.Addr}, nil
}

// ParseReply parses a complete command reply.
func ParseReply(b []byte) (*Reply, error) {
	req, err := ParseRequest(b)
	if err != nil {
		return nil, err
	}
	return &Reply{Code: req.Command, Addr: req.Addr}, nil
}

// Bytes encodes the reply.
func (r *Reply) Bytes() []byte {
	return (&Request{Command: r.Code, Addr: r.Addr}).Bytes()
}

func shortIsParsing(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: truncated message", ErrParsing)
	}
	return err
}
