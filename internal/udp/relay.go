package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/shadow-tunnel/internal/logging"
	"github.com/postalsys/shadow-tunnel/internal/metrics"
)

// Drop reasons reported to metrics.
const (
	DropUnknownSender = "unknown_sender"
	DropNoPeer        = "no_peer"
	DropNotAllowed    = "not_allowed"
	DropTranslate     = "translate"
	DropWrite         = "write"
)

// ErrIdle is returned by Serve when the idle timeout expires.
var ErrIdle = errors.New("udp: relay idle timeout")

// Translator converts datagrams crossing the relay.
type Translator interface {
	// Outbound converts a datagram from the origin. A nil destination sends the result
	// to the relay's peer.
	Outbound(ctx context.Context, b []byte) (out []byte, dst *net.UDPAddr, err error)

	// Inbound converts a datagram the peer sent from src into the datagram returned
	// to the origin.
	Inbound(b []byte, src *net.UDPAddr) ([]byte, error)
}

// Relay is one UDP association.
type Relay struct {
	cfg        Config
	conn       *net.UDPConn
	translator Translator
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu          sync.Mutex
	origin      *net.UDPAddr
	originKnown bool
	peer        *net.UDPAddr

	closed atomic.Bool
}

// Listen opens the relay socket on an ephemeral port.
func Listen(cfg Config, t Translator, logger *slog.Logger, m *metrics.Metrics) (*Relay, error) {
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = MaxDatagramSize
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}

	bindIP := cfg.BindIP
	if bindIP == nil {
		bindIP = net.IPv4zero
	}
	conn, err := net.ListenUDP(cfg.network(), &net.UDPAddr{IP: bindIP})
	if err != nil {
		return nil, fmt.Errorf("create UDP socket: %w", err)
	}

	r := &Relay{
		cfg:        cfg,
		conn:       conn,
		translator: t,
		metrics:    m,
	}
	r.logger = logger.With(logging.KeyComponent, "udp", logging.KeyLocalAddr, conn.LocalAddr().String())
	r.setOrigin(cfg.Origin)

	m.RecordUDPOpen()
	return r, nil
}

func (r *Relay) setOrigin(declared *net.UDPAddr) {
	if declared == nil {
		r.origin = &net.UDPAddr{}
		return
	}
	o := *declared
	r.origin = &o
	r.originKnown = !unspecifiedIP(o.IP) && o.Port != 0
}

// LocalAddr returns the relay socket's address.
func (r *Relay) LocalAddr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// SetPeer sets the peer address. Only the first call has an effect.
func (r *Relay) SetPeer(addr *net.UDPAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peer == nil && addr != nil {
		p := *addr
		r.peer = &p
	}
}

// Peer returns the peer address, or nil if not yet known.
func (r *Relay) Peer() *net.UDPAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peer
}

// Origin returns the origin address and whether it is fully known.
func (r *Relay) Origin() (*net.UDPAddr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := *r.origin
	return &o, r.originKnown
}

// Allowed reports whether src is in the allow-list. An origin that is still being
// learned counts as allowed when src fits its known parts.
func (r *Relay) Allowed(src *net.UDPAddr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	fromOrigin, fromPeer, _ := r.classifyLocked(src, false)
	return fromOrigin || fromPeer
}

// classifyLocked decides which side src is. With learn set, a partially declared origin
// is completed from src.
func (r *Relay) classifyLocked(src *net.UDPAddr, learn bool) (fromOrigin, fromPeer, learned bool) {
	if r.originKnown && sameAddr(src, r.origin) {
		return true, false, false
	}
	if r.peer != nil && sameAddr(src, r.peer) {
		return false, true, false
	}
	if r.originKnown || !r.fitsOrigin(src) {
		return false, false, false
	}
	if learn {
		r.origin = &net.UDPAddr{IP: src.IP, Port: src.Port, Zone: src.Zone}
		r.originKnown = true
	}
	return true, false, learn
}

func (r *Relay) fitsOrigin(src *net.UDPAddr) bool {
	if unspecifiedIP(r.origin.IP) {
		if r.cfg.OriginIP != nil && !unspecifiedIP(r.cfg.OriginIP) && !r.cfg.OriginIP.Equal(src.IP) {
			return false
		}
	} else if !r.origin.IP.Equal(src.IP) {
		return false
	}
	return r.origin.Port == 0 || r.origin.Port == src.Port
}

// Serve relays datagrams until ctx is done, Close is called or the idle timeout
// expires. It closes the relay before returning.
func (r *Relay) Serve(ctx context.Context) error {
	defer r.Close()

	stop := context.AfterFunc(ctx, func() { r.Close() })
	defer stop()

	r.logger.Debug("udp relay started")

	buf := make([]byte, r.cfg.MaxDatagramSize)
	for {
		if r.cfg.IdleTimeout > 0 {
			r.conn.SetReadDeadline(time.Now().Add(r.cfg.IdleTimeout))
		}

		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if r.closed.Load() {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				r.logger.Debug("udp relay idle, closing", "idle_timeout", r.cfg.IdleTimeout)
				return ErrIdle
			}
			r.logger.Debug("udp read failed", logging.KeyError, err)
			continue
		}

		r.handle(ctx, buf[:n], src)
	}
}

func (r *Relay) handle(ctx context.Context, b []byte, src *net.UDPAddr) {
	r.mu.Lock()
	fromOrigin, fromPeer, learned := r.classifyLocked(src, true)
	peer := r.peer
	origin := r.origin
	r.mu.Unlock()

	if learned {
		r.logger.Debug("udp origin learned", logging.KeyRemoteAddr, src.String())
	}

	switch {
	case fromOrigin:
		r.forwardOutbound(ctx, b, src, peer)
	case fromPeer:
		r.forwardInbound(b, src, origin)
	default:
		r.drop(DropUnknownSender, src, nil)
	}
}

func (r *Relay) forwardOutbound(ctx context.Context, b []byte, src, peer *net.UDPAddr) {
	out, dst, err := r.translator.Outbound(ctx, b)
	if err != nil {
		r.drop(DropTranslate, src, err)
		return
	}

	if dst == nil {
		if peer == nil {
			r.drop(DropNoPeer, src, nil)
			return
		}
		dst = peer
	} else {
		r.mu.Lock()
		if r.peer == nil {
			r.peer = dst
		}
		allowed := sameAddr(dst, r.peer)
		r.mu.Unlock()
		if !allowed {
			r.drop(DropNotAllowed, dst, nil)
			return
		}
	}

	if _, err := r.conn.WriteToUDP(out, dst); err != nil {
		r.drop(DropWrite, dst, err)
		return
	}
	r.metrics.RecordUDPDatagram(r.cfg.Side, metrics.DirectionUpstream)
}

func (r *Relay) forwardInbound(b []byte, src, origin *net.UDPAddr) {
	out, err := r.translator.Inbound(b, src)
	if err != nil {
		r.drop(DropTranslate, src, err)
		return
	}
	if _, err := r.conn.WriteToUDP(out, origin); err != nil {
		r.drop(DropWrite, origin, err)
		return
	}
	r.metrics.RecordUDPDatagram(r.cfg.Side, metrics.DirectionDownstream)
}

func (r *Relay) drop(reason string, addr *net.UDPAddr, err error) {
	r.metrics.RecordUDPDrop(r.cfg.Side, reason)
	attrs := []any{"reason", reason, logging.KeyRemoteAddr, addr.String()}
	if err != nil {
		attrs = append(attrs, logging.KeyError, err)
	}
	r.logger.Debug("udp datagram dropped", attrs...)
}

// Close releases the socket. It is safe to call more than once.
func (r *Relay) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.metrics.RecordUDPClose()
	return r.conn.Close()
}

// IsClosed returns true if the relay has been closed.
func (r *Relay) IsClosed() bool {
	return r.closed.Load()
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

func unspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.IsUnspecified()
}
