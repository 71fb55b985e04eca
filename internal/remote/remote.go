// Package remote implements the Remote hop: it accepts shadow protocol connections from
// Local hops, authenticates them by token and executes their SOCKS5 commands against the
// real targets.
package remote

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/postalsys/shadow-tunnel/internal/auth"
	"github.com/postalsys/shadow-tunnel/internal/logging"
	"github.com/postalsys/shadow-tunnel/internal/metrics"
	"github.com/postalsys/shadow-tunnel/internal/session"
	"github.com/postalsys/shadow-tunnel/internal/shadow"
	"github.com/postalsys/shadow-tunnel/internal/udp"
)

// Config holds the Remote hop's command settings.
type Config struct {
	// ConnectTimeout bounds a CONNECT dial (0 = no limit beyond the session's).
	ConnectTimeout time.Duration

	// BindIP and BindPort are where BIND listens. Port 0 picks an ephemeral port.
	BindIP   net.IP
	BindPort int

	// BindTimeout bounds the wait for the single inbound BIND connection.
	BindTimeout time.Duration

	// UDPIP is the address UDP relays listen on.
	UDPIP net.IP

	// UDPIdleTimeout closes a UDP relay after this long without traffic.
	UDPIdleTimeout time.Duration

	// BytesPerSec limits each established session (0 = unlimited).
	BytesPerSec uint64
}

// Handler serves Remote hop sessions. It implements session.Handler.
type Handler struct {
	cfg      Config
	proto    *shadow.Protocol
	checker  auth.TokenChecker
	dialer   session.Dialer
	resolver udp.Resolver
	logger   *slog.Logger
	metrics  *metrics.Metrics

	nextID atomic.Uint64
}

// NewHandler creates a handler. A nil logger discards output and nil metrics uses the
// process-wide collectors.
func NewHandler(cfg Config, proto *shadow.Protocol, checker auth.TokenChecker, logger *slog.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Handler{
		cfg:      cfg,
		proto:    proto,
		checker:  checker,
		dialer:   &session.DirectDialer{},
		resolver: net.DefaultResolver,
		logger:   logger,
		metrics:  m,
	}
}

// SetDialer replaces the dialer used for CONNECT.
func (h *Handler) SetDialer(d session.Dialer) {
	h.dialer = d
}

// SetResolver replaces the resolver used for UDP destinations.
func (h *Handler) SetResolver(r udp.Resolver) {
	h.resolver = r
}

// ServeConn runs one session on conn until it ends.
func (h *Handler) ServeConn(ctx context.Context, conn net.Conn) {
	s, err := h.newSession(conn)
	if err != nil {
		h.logger.Error("session setup failed", logging.KeyError, err)
		return
	}
	s.serve(ctx)
}

func (h *Handler) udpNetwork() string {
	if h.cfg.UDPIP != nil && h.cfg.UDPIP.To4() == nil {
		return "ip6"
	}
	return "ip4"
}
