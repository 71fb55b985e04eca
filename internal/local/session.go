package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/postalsys/shadow-tunnel/internal/logging"
	"github.com/postalsys/shadow-tunnel/internal/metrics"
	"github.com/postalsys/shadow-tunnel/internal/recovery"
	"github.com/postalsys/shadow-tunnel/internal/session"
	"github.com/postalsys/shadow-tunnel/internal/shadow"
	"github.com/postalsys/shadow-tunnel/internal/socks5"
	"github.com/postalsys/shadow-tunnel/internal/udp"
)

const side = metrics.SideLocal

// Session is one client connection and, once negotiated, its hop connection to the
// Remote. Everything but State runs on the goroutine that calls Serve.
type Session struct {
	h      *Handler
	client net.Conn
	raw    net.Conn // hop transport, nil until the Remote is dialed
	hop    *shadow.Conn
	state  session.Machine
	logger *slog.Logger
	start  time.Time
}

// NewSession wraps an accepted client connection.
func (h *Handler) NewSession(client net.Conn) *Session {
	id := h.nextID.Add(1)
	return &Session{
		h:      h,
		client: client,
		logger: h.logger.With(
			logging.KeySessionID, id,
			logging.KeySide, side,
			logging.KeyRemoteAddr, client.RemoteAddr().String(),
		),
		start: time.Now(),
	}
}

// State returns the current state.
func (s *Session) State() session.State {
	return s.state.State()
}

// Serve runs the session until the client or the tunnel goes away. The hop connection is
// closed on return; the client connection is left to the caller.
func (s *Session) Serve(ctx context.Context) {
	s.transition(session.StateConnected)
	s.logger.Debug("session opened")

	err := s.run(ctx)
	if s.raw != nil {
		s.raw.Close()
	}
	if err != nil {
		s.state.Fail()
		if shadow.IsAuthFailure(err) {
			s.h.metrics.RecordTagFailure(side)
		}
		s.logger.Debug("session failed",
			logging.KeyState, s.state.State().String(),
			logging.KeyError, err)
	}
	s.state.Close()
}

func (s *Session) run(ctx context.Context) error {
	greeting, err := socks5.ReadMethodRequest(s.client)
	if err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if !greeting.Offers(socks5.AuthMethodNoAuth) {
		s.client.Write(socks5.MethodReply(socks5.AuthMethodNoAcceptable))
		return socks5.ErrNoAcceptableMethods
	}

	if err := s.openTunnel(ctx); err != nil {
		s.client.Write(socks5.MethodReply(socks5.AuthMethodNoAcceptable))
		return fmt.Errorf("open tunnel: %w", err)
	}

	s.transition(session.StateCommand)
	if _, err := s.client.Write(socks5.MethodReply(socks5.AuthMethodNoAuth)); err != nil {
		return fmt.Errorf("write method reply: %w", err)
	}

	req, err := socks5.ReadRequest(s.client)
	if err != nil {
		if errors.Is(err, socks5.ErrAddressNotSupported) {
			s.replyClient(socks5.NewReply(socks5.ReplyAddrNotSupported, nil))
		}
		return fmt.Errorf("read request: %w", err)
	}

	s.logger = s.logger.With(
		logging.KeyCommand, socks5.CommandName(req.Command),
		logging.KeyTarget, req.Addr.String(),
	)
	s.h.metrics.RecordCommand(side, socks5.CommandName(req.Command))

	switch req.Command {
	case socks5.CmdConnect:
		return s.handleStream(ctx, req, 1)
	case socks5.CmdBind:
		return s.handleStream(ctx, req, 2)
	case socks5.CmdUDPAssociate:
		return s.handleUDPAssociate(ctx, req)
	default:
		s.replyClient(socks5.NewReply(socks5.ReplyCmdNotSupported, nil))
		return fmt.Errorf("%w: %#x", socks5.ErrCommandNotSupported, req.Command)
	}
}

// openTunnel dials the Remote hop and authenticates with the configured token.
func (s *Session) openTunnel(ctx context.Context) error {
	conn, err := session.DialTimeout(ctx, s.h.dialer, s.h.cfg.Remote, s.h.cfg.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("dial remote %s: %w", s.h.cfg.Remote, err)
	}
	ss, err := s.h.proto.NewSession(shadow.Initiator)
	if err != nil {
		conn.Close()
		return err
	}
	if s.h.cfg.HandshakeTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.h.cfg.HandshakeTimeout))
	}
	s.raw = conn
	s.hop = shadow.NewConn(conn, ss)

	greeting := &socks5.MethodRequest{Methods: []byte{socks5.AuthMethodToken}}
	if err := s.hop.WriteControl(greeting.Bytes()); err != nil {
		return fmt.Errorf("write greeting: %w", err)
	}
	s.transition(session.StateMethodsSent)

	msg, err := s.hop.ReadControl()
	if err != nil {
		return fmt.Errorf("read method reply: %w", err)
	}
	method, err := socks5.ParseMethodReply(msg)
	if err != nil {
		return err
	}
	if method != socks5.AuthMethodToken {
		return fmt.Errorf("%w: remote selected %#x", socks5.ErrNoAcceptableMethods, method)
	}

	tok, err := socks5.TokenRequest(s.h.cfg.Token)
	if err != nil {
		return err
	}
	if err := s.hop.WriteControl(tok); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	s.transition(session.StateAuth)

	msg, err = s.hop.ReadControl()
	if err != nil {
		return fmt.Errorf("read token reply: %w", err)
	}
	if err := socks5.ParseTokenReply(msg); err != nil {
		s.h.metrics.RecordAuthFailure(side, "token")
		return err
	}
	return nil
}

// handleStream forwards a CONNECT or BIND request and relays the Remote's replies,
// one for CONNECT and two for BIND.
func (s *Session) handleStream(ctx context.Context, req *socks5.Request, replies int) error {
	if err := s.hop.WriteControl(req.Bytes()); err != nil {
		s.replyClient(socks5.NewReply(socks5.ReplyServerFailure, nil))
		return fmt.Errorf("forward request: %w", err)
	}

	for i := 0; i < replies; i++ {
		rep, err := s.readRemoteReply()
		if err != nil {
			return err
		}
		if err := s.replyClient(rep); err != nil {
			return err
		}
		if rep.Code != socks5.ReplySucceeded {
			return socks5.NewReplyError(rep.Code, fmt.Errorf("remote replied %s", socks5.ReplyName(rep.Code)))
		}
		if i+1 < replies {
			s.transition(session.StateWaitingConnection)
		}
	}

	s.establish(req.Command)
	stats, err := session.Pipe(ctx, s.client, s.hop, session.NewLimiter(s.h.cfg.BytesPerSec))
	s.h.metrics.RecordBytes(side, metrics.DirectionUpstream, stats.Upstream)
	s.h.metrics.RecordBytes(side, metrics.DirectionDownstream, stats.Downstream)
	s.logger.Debug("session closed",
		logging.KeyBytes, stats,
		logging.KeyDuration, time.Since(s.start))
	return err
}

func (s *Session) handleUDPAssociate(ctx context.Context, req *socks5.Request) error {
	cfg := udp.DefaultConfig()
	cfg.Side = side
	cfg.BindIP = s.h.cfg.UDPIP
	if cfg.BindIP == nil {
		// A client that reached us over IPv6 needs a relay address in its own family.
		if ip := addrIP(s.client.LocalAddr()); ip != nil && ip.To4() == nil {
			cfg.BindIP = net.IPv6unspecified
		}
	}
	cfg.Origin = req.Addr.UDPAddr()
	cfg.OriginIP = addrIP(s.client.RemoteAddr())
	cfg.IdleTimeout = s.h.cfg.UDPIdleTimeout

	relay, err := udp.Listen(cfg, &udp.LocalTranslator{Codec: s.hop.Session()}, s.logger, s.h.metrics)
	if err != nil {
		s.replyClient(socks5.NewReply(socks5.ReplyServerFailure, nil))
		return err
	}
	defer relay.Close()

	fwd := &socks5.Request{Command: socks5.CmdUDPAssociate, Addr: socks5.FromNetAddr(relay.LocalAddr())}
	if err := s.hop.WriteControl(fwd.Bytes()); err != nil {
		s.replyClient(socks5.NewReply(socks5.ReplyServerFailure, nil))
		return fmt.Errorf("forward request: %w", err)
	}
	rep, err := s.readRemoteReply()
	if err != nil {
		return err
	}
	if rep.Code != socks5.ReplySucceeded {
		s.replyClient(rep)
		return socks5.NewReplyError(rep.Code, fmt.Errorf("remote replied %s", socks5.ReplyName(rep.Code)))
	}

	peer := rep.Addr.UDPAddr()
	if peer == nil {
		s.replyClient(socks5.NewReply(socks5.ReplyServerFailure, nil))
		return fmt.Errorf("%w: remote relay address %s is not an IP", socks5.ErrParsing, rep.Addr)
	}
	if peer.IP.IsUnspecified() {
		peer.IP = addrIP(s.raw.RemoteAddr())
	}
	relay.SetPeer(peer)

	bound := relay.LocalAddr()
	if bound.IP.IsUnspecified() {
		bound = &net.UDPAddr{IP: addrIP(s.client.LocalAddr()), Port: bound.Port}
	}
	if err := s.replyClient(socks5.NewReply(socks5.ReplySucceeded, bound)); err != nil {
		return err
	}
	s.establish(req.Command)
	s.logger.Debug("udp relay ready",
		logging.KeyLocalAddr, relay.LocalAddr().String(),
		"peer", peer.String())

	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		relayErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer s.client.Close()
		defer recovery.RecoverWithLog(s.logger, "udpRelay", s.h.metrics)
		relayErr = relay.Serve(relayCtx)
	}()
	go func() {
		defer wg.Done()
		defer s.client.Close()
		io.Copy(io.Discard, s.hop)
	}()

	// The association lives as long as the client's TCP connection.
	_, err = io.Copy(io.Discard, s.client)
	cancel()
	s.raw.Close()
	wg.Wait()

	learned, _ := relay.Origin()
	s.logger.Debug("udp association closed", logging.KeyOrigin, learned.String())
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	if relayErr != nil && !errors.Is(relayErr, udp.ErrIdle) && !errors.Is(relayErr, context.Canceled) {
		return relayErr
	}
	return nil
}

func (s *Session) readRemoteReply() (*socks5.Reply, error) {
	msg, err := s.hop.ReadControl()
	if err != nil {
		s.replyClient(socks5.NewReply(socks5.ReplyServerFailure, nil))
		return nil, fmt.Errorf("read remote reply: %w", err)
	}
	rep, err := socks5.ParseReply(msg)
	if err != nil {
		s.replyClient(socks5.NewReply(socks5.ReplyServerFailure, nil))
		return nil, fmt.Errorf("parse remote reply: %w", err)
	}
	return rep, nil
}

func (s *Session) replyClient(rep *socks5.Reply) error {
	s.h.metrics.RecordReply(side, socks5.ReplyName(rep.Code))
	if _, err := s.client.Write(rep.Bytes()); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

func (s *Session) establish(cmd byte) {
	s.transition(session.StateEstablished)
	s.client.SetDeadline(time.Time{})
	s.raw.SetDeadline(time.Time{})
	s.h.metrics.RecordEstablished(side, socks5.CommandName(cmd), time.Since(s.start).Seconds())
	s.logger.Debug("session established")
}

func (s *Session) transition(next session.State) {
	if err := s.state.Transition(next); err != nil {
		s.logger.Warn("invalid state transition", logging.KeyError, err)
	}
}

func addrIP(a net.Addr) net.IP {
	switch v := a.(type) {
	case *net.TCPAddr:
		return v.IP
	case *net.UDPAddr:
		return v.IP
	}
	return nil
}
