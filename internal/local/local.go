// Package local implements the Local hop: a plain SOCKS5 server for clients that carries
// every session to the Remote hop over the shadow protocol.
package local

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/postalsys/shadow-tunnel/internal/logging"
	"github.com/postalsys/shadow-tunnel/internal/metrics"
	"github.com/postalsys/shadow-tunnel/internal/session"
	"github.com/postalsys/shadow-tunnel/internal/shadow"
)

// Config holds the Local hop's tunnel settings.
type Config struct {
	// Remote is the Remote hop address ("host:port").
	Remote string

	// Token authenticates this Local hop to the Remote hop.
	Token string

	// ConnectTimeout bounds the dial to the Remote hop.
	ConnectTimeout time.Duration

	// HandshakeTimeout bounds the tunnel negotiation on the hop connection. Cleared once
	// the session is established.
	HandshakeTimeout time.Duration

	// UDPIP is the address UDP relays listen on. The relay talks to both the client and
	// the Remote hop, so nil (all IPv4 interfaces) is the usual choice.
	UDPIP net.IP

	// UDPIdleTimeout closes a UDP relay after this long without traffic.
	UDPIdleTimeout time.Duration

	// BytesPerSec limits each established session (0 = unlimited).
	BytesPerSec uint64
}

// Handler serves SOCKS5 clients. It implements session.Handler.
type Handler struct {
	cfg     Config
	proto   *shadow.Protocol
	dialer  session.Dialer
	logger  *slog.Logger
	metrics *metrics.Metrics

	nextID atomic.Uint64
}

// NewHandler creates a handler. A nil logger discards output and nil metrics uses the
// process-wide collectors.
func NewHandler(cfg Config, proto *shadow.Protocol, logger *slog.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Handler{
		cfg:     cfg,
		proto:   proto,
		dialer:  &session.DirectDialer{},
		logger:  logger,
		metrics: m,
	}
}

// SetDialer replaces the dialer used to reach the Remote hop.
func (h *Handler) SetDialer(d session.Dialer) {
	h.dialer = d
}

// ServeConn runs one client session on conn until it ends.
func (h *Handler) ServeConn(ctx context.Context, conn net.Conn) {
	h.NewSession(conn).Serve(ctx)
}
