package socks5

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Error taxonomy shared by both hops. Sessions match these with errors.Is to pick the
// reply code they send before closing.
var (
	ErrParsing              = errors.New("socks5: malformed message")
	ErrVersionMismatch      = errors.New("socks5: unsupported version")
	ErrNoAcceptableMethods  = errors.New("socks5: no acceptable authentication methods")
	ErrAuthenticationFailed = errors.New("socks5: authentication failed")
	ErrCommandNotSupported  = errors.New("socks5: command not supported")
	ErrAddressNotSupported  = errors.New("socks5: address type not supported")
	ErrNotAllowed           = errors.New("socks5: connection not allowed")
	ErrHostUnreachable      = errors.New("socks5: host unreachable")
	ErrNetworkUnreachable   = errors.New("socks5: network unreachable")
	ErrConnectionRefused    = errors.New("socks5: connection refused")
	ErrTTLExpired           = errors.New("socks5: ttl expired")
	ErrGeneralFailure       = errors.New("socks5: general server failure")
	ErrState                = errors.New("socks5: message not valid in session state")
	ErrFragmentedDatagram   = errors.New("socks5: fragmented UDP datagrams are not supported")
)

// ReplyError carries the reply code a failure should be reported with.
type ReplyError struct {
	Code byte
	Err  error
}

// NewReplyError wraps err with a reply code.
func NewReplyError(code byte, err error) *ReplyError {
	return &ReplyError{Code: code, Err: err}
}

func (e *ReplyError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("socks5: reply %s", ReplyName(e.Code))
	}
	return e.Err.Error()
}

func (e *ReplyError) Unwrap() error {
	return e.Err
}

// ReplyCode maps an error to the SOCKS5 reply code reported to the peer.
//
// Resolution and generic dial failures report host unreachable, refused connections
// report connection refused, unreachable networks report network unreachable and
// timeouts report TTL expired. Anything unrecognised is a general server failure.
func ReplyCode(err error) byte {
	if err == nil {
		return ReplySucceeded
	}

	var re *ReplyError
	if errors.As(err, &re) {
		return re.Code
	}

	switch {
	case errors.Is(err, ErrCommandNotSupported):
		return ReplyCmdNotSupported
	case errors.Is(err, ErrAddressNotSupported):
		return ReplyAddrNotSupported
	case errors.Is(err, ErrNotAllowed):
		return ReplyNotAllowed
	case errors.Is(err, ErrHostUnreachable):
		return ReplyHostUnreachable
	case errors.Is(err, ErrNetworkUnreachable):
		return ReplyNetworkUnreachable
	case errors.Is(err, ErrConnectionRefused):
		return ReplyConnectionRefused
	case errors.Is(err, ErrTTLExpired):
		return ReplyTTLExpired
	case errors.Is(err, ErrGeneralFailure):
		return ReplyServerFailure
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return ReplyTTLExpired
		}
		return ReplyHostUnreachable
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReplyConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return ReplyNetworkUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH):
		return ReplyHostUnreachable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReplyTTLExpired
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return ReplyHostUnreachable
	}

	return ReplyServerFailure
}
