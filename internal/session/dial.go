package session

import (
	"context"
	"net"
	"time"
)

// Dialer makes outbound TCP connections: the Local hop dials the Remote hop with it and
// the Remote hop dials CONNECT targets.
type Dialer interface {
	// DialContext dials with context support for cancellation.
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DirectDialer connects directly to destinations.
type DirectDialer struct{}

// DialContext makes a direct TCP connection.
func (d *DirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, network, address)
}

// DialTimeout dials address through d, bounded by timeout when it is positive.
func DialTimeout(ctx context.Context, d Dialer, address string, timeout time.Duration) (net.Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return d.DialContext(ctx, "tcp", address)
}
