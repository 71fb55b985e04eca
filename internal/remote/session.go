package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/postalsys/shadow-tunnel/internal/logging"
	"github.com/postalsys/shadow-tunnel/internal/metrics"
	"github.com/postalsys/shadow-tunnel/internal/recovery"
	"github.com/postalsys/shadow-tunnel/internal/session"
	"github.com/postalsys/shadow-tunnel/internal/shadow"
	"github.com/postalsys/shadow-tunnel/internal/socks5"
	"github.com/postalsys/shadow-tunnel/internal/udp"
)

const side = metrics.SideRemote

// serverSession is one hop connection seen from the Remote side.
type serverSession struct {
	h      *Handler
	raw    net.Conn
	hop    *shadow.Conn
	state  session.Machine
	logger *slog.Logger
	start  time.Time
}

func (h *Handler) newSession(conn net.Conn) (*serverSession, error) {
	ss, err := h.proto.NewSession(shadow.Responder)
	if err != nil {
		return nil, err
	}
	id := h.nextID.Add(1)
	return &serverSession{
		h:   h,
		raw: conn,
		hop: shadow.NewConn(conn, ss),
		logger: h.logger.With(
			logging.KeySessionID, id,
			logging.KeySide, side,
			logging.KeyRemoteAddr, conn.RemoteAddr().String(),
		),
		start: time.Now(),
	}, nil
}

func (s *serverSession) serve(ctx context.Context) {
	s.transition(session.StateConnected)
	s.logger.Debug("session opened")

	err := s.run(ctx)
	if err != nil {
		s.state.Fail()
		s.noteFailure(err)
		s.logger.Debug("session failed",
			logging.KeyState, s.state.State().String(),
			logging.KeyError, err)
	}
	s.state.Close()
}

func (s *serverSession) run(ctx context.Context) error {
	if err := s.negotiate(ctx); err != nil {
		return err
	}

	req, err := s.readRequest()
	if err != nil {
		return err
	}

	s.logger = s.logger.With(
		logging.KeyCommand, socks5.CommandName(req.Command),
		logging.KeyTarget, req.Addr.String(),
	)
	s.h.metrics.RecordCommand(side, socks5.CommandName(req.Command))

	switch req.Command {
	case socks5.CmdConnect:
		return s.handleConnect(ctx, req)
	case socks5.CmdBind:
		return s.handleBind(ctx, req)
	case socks5.CmdUDPAssociate:
		return s.handleUDPAssociate(ctx, req)
	default:
		s.reply(socks5.ReplyCmdNotSupported, nil)
		return fmt.Errorf("%w: %#x", socks5.ErrCommandNotSupported, req.Command)
	}
}

// negotiate runs method selection and the token sub-negotiation.
func (s *serverSession) negotiate(ctx context.Context) error {
	msg, err := s.hop.ReadControl()
	if err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	greeting, err := socks5.ParseMethodRequest(msg)
	if err != nil {
		return fmt.Errorf("parse greeting: %w", err)
	}
	if !greeting.Offers(socks5.AuthMethodToken) {
		s.h.metrics.RecordAuthFailure(side, "method")
		s.hop.WriteControl(socks5.MethodReply(socks5.AuthMethodNoAcceptable))
		return socks5.ErrNoAcceptableMethods
	}
	if err := s.hop.WriteControl(socks5.MethodReply(socks5.AuthMethodToken)); err != nil {
		return fmt.Errorf("write method reply: %w", err)
	}
	s.transition(session.StateMethodsSent)

	msg, err = s.hop.ReadControl()
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	token, err := socks5.ParseTokenRequest(msg)
	if err != nil {
		return fmt.Errorf("parse token: %w", err)
	}
	if err := s.h.checker.Check(ctx, token); err != nil {
		s.h.metrics.RecordAuthFailure(side, "token")
		s.hop.WriteControl(socks5.TokenReply(false))
		return fmt.Errorf("%w: %w", socks5.ErrAuthenticationFailed, err)
	}
	if err := s.hop.WriteControl(socks5.TokenReply(true)); err != nil {
		return fmt.Errorf("write token reply: %w", err)
	}
	s.transition(session.StateAuth)
	return nil
}

func (s *serverSession) readRequest() (*socks5.Request, error) {
	msg, err := s.hop.ReadControl()
	if err != nil {
		return nil, fmt.Errorf("read request: %w", err)
	}
	req, err := socks5.ParseRequest(msg)
	if err != nil {
		if errors.Is(err, socks5.ErrAddressNotSupported) {
			s.reply(socks5.ReplyAddrNotSupported, nil)
		}
		return nil, fmt.Errorf("parse request: %w", err)
	}
	s.transition(session.StateCommand)
	return req, nil
}

func (s *serverSession) handleConnect(ctx context.Context, req *socks5.Request) error {
	dest, err := req.Addr.DialString()
	if err != nil {
		s.replyError(err)
		return err
	}

	target, err := session.DialTimeout(ctx, s.h.dialer, dest, s.h.cfg.ConnectTimeout)
	if err != nil {
		s.replyFailure(connectReplyCode(err), err)
		return fmt.Errorf("dial %s: %w", dest, err)
	}
	defer target.Close()

	if err := s.reply(socks5.ReplySucceeded, target.LocalAddr()); err != nil {
		return err
	}
	return s.relay(ctx, req.Command, target)
}

func (s *serverSession) handleBind(ctx context.Context, req *socks5.Request) error {
	addr := net.JoinHostPort(bindHost(s.h.cfg.BindIP), strconv.Itoa(s.h.cfg.BindPort))
	ln, err := listenBind(ctx, addr)
	if err != nil {
		s.replyError(socks5.NewReplyError(socks5.ReplyServerFailure, err))
		return fmt.Errorf("bind listen %s: %w", addr, err)
	}
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	if err := s.reply(socks5.ReplySucceeded, s.advertised(ln.Addr())); err != nil {
		return err
	}
	s.transition(session.StateWaitingConnection)
	s.logger.Debug("bind listening", logging.KeyLocalAddr, ln.Addr().String())

	if s.h.cfg.BindTimeout > 0 {
		if tl, ok := ln.(*net.TCPListener); ok {
			tl.SetDeadline(time.Now().Add(s.h.cfg.BindTimeout))
		}
	}

	// The listener must not outlive the hop, and nothing may arrive on the hop before
	// the second reply.
	s.raw.SetReadDeadline(time.Time{})
	hopDone := make(chan error, 1)
	go func() {
		var b [1]byte
		_, err := s.hop.Read(b[:])
		if err == nil {
			err = fmt.Errorf("%w: data before the bind peer connected", socks5.ErrState)
		}
		hopDone <- err
		ln.Close()
	}()

	peer, err := ln.Accept()
	ln.Close()
	s.raw.SetReadDeadline(time.Now())
	hopErr := <-hopDone
	s.raw.SetReadDeadline(time.Time{})
	if !errors.Is(hopErr, os.ErrDeadlineExceeded) {
		if peer != nil {
			peer.Close()
		}
		return fmt.Errorf("hop ended while waiting for bind peer: %w", hopErr)
	}
	if err != nil {
		s.replyError(err)
		return fmt.Errorf("bind accept: %w", err)
	}
	defer peer.Close()

	if err := s.reply(socks5.ReplySucceeded, peer.RemoteAddr()); err != nil {
		return err
	}
	return s.relay(ctx, req.Command, peer)
}

func (s *serverSession) handleUDPAssociate(ctx context.Context, req *socks5.Request) error {
	peerIP := tcpIP(s.raw.RemoteAddr())
	origin := req.Addr.UDPAddr()
	if origin != nil && (origin.IP == nil || origin.IP.IsUnspecified()) {
		origin.IP = peerIP
	}

	cfg := udp.DefaultConfig()
	cfg.Side = side
	cfg.BindIP = s.h.cfg.UDPIP
	cfg.Origin = origin
	cfg.OriginIP = peerIP
	cfg.IdleTimeout = s.h.cfg.UDPIdleTimeout

	tr := &udp.RemoteTranslator{
		Codec:    s.hop.Session(),
		Resolver: s.h.resolver,
		Network:  s.h.udpNetwork(),
	}
	relay, err := udp.Listen(cfg, tr, s.logger, s.h.metrics)
	if err != nil {
		s.replyError(socks5.NewReplyError(socks5.ReplyServerFailure, err))
		return err
	}
	defer relay.Close()

	if err := s.reply(socks5.ReplySucceeded, s.advertised(relay.LocalAddr())); err != nil {
		return err
	}
	s.establish(req.Command)

	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	serveErr := make(chan error, 1)
	go func() {
		var err error
		defer func() {
			serveErr <- err
			s.raw.Close()
		}()
		defer recovery.RecoverWithLog(s.logger, "udpRelay", s.h.metrics)
		err = relay.Serve(relayCtx)
	}()

	// The association lives as long as the hop connection.
	_, err = io.Copy(io.Discard, s.hop)
	cancel()
	relayErr := <-serveErr

	learned, _ := relay.Origin()
	s.logger.Debug("udp association closed", logging.KeyOrigin, learned.String())
	if errors.Is(relayErr, udp.ErrIdle) {
		return nil
	}
	return ignoreClosed(err)
}

// relay marks the session established and pipes the hop to target until either ends.
func (s *serverSession) relay(ctx context.Context, cmd byte, target net.Conn) error {
	s.establish(cmd)
	target.SetDeadline(time.Time{})

	stats, err := session.Pipe(ctx, s.hop, target, session.NewLimiter(s.h.cfg.BytesPerSec))
	s.h.metrics.RecordBytes(side, metrics.DirectionUpstream, stats.Upstream)
	s.h.metrics.RecordBytes(side, metrics.DirectionDownstream, stats.Downstream)
	s.logger.Debug("session closed",
		logging.KeyBytes, stats,
		logging.KeyDuration, time.Since(s.start))
	return err
}

func (s *serverSession) establish(cmd byte) {
	s.transition(session.StateEstablished)
	s.raw.SetDeadline(time.Time{})
	s.h.metrics.RecordEstablished(side, socks5.CommandName(cmd), time.Since(s.start).Seconds())
	s.logger.Debug("session established")
}

// reply sends a command reply. A nil bind reports 0.0.0.0:0.
func (s *serverSession) reply(code byte, bind net.Addr) error {
	s.h.metrics.RecordReply(side, socks5.ReplyName(code))
	if err := s.hop.WriteControl(socks5.NewReply(code, bind).Bytes()); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

func (s *serverSession) replyError(err error) {
	s.replyFailure(socks5.ReplyCode(err), err)
}

func (s *serverSession) replyFailure(code byte, err error) {
	s.logger.Debug("command failed",
		logging.KeyReply, socks5.ReplyName(code),
		logging.KeyError, err)
	s.reply(code, nil)
}

// connectReplyCode maps a failed CONNECT dial to its reply. Refusals raised by the dialer
// keep their code; any other failure to reach the target reports the host unreachable.
func connectReplyCode(err error) byte {
	var re *socks5.ReplyError
	if errors.As(err, &re) {
		return re.Code
	}
	if errors.Is(err, socks5.ErrNotAllowed) {
		return socks5.ReplyNotAllowed
	}
	return socks5.ReplyHostUnreachable
}

// advertised replaces an unspecified listening IP with the IP the hop connection
// arrived on, which is the address the Local side can reach.
func (s *serverSession) advertised(a net.Addr) net.Addr {
	switch v := a.(type) {
	case *net.TCPAddr:
		if v.IP == nil || v.IP.IsUnspecified() {
			return &net.TCPAddr{IP: tcpIP(s.raw.LocalAddr()), Port: v.Port}
		}
	case *net.UDPAddr:
		if v.IP == nil || v.IP.IsUnspecified() {
			return &net.UDPAddr{IP: tcpIP(s.raw.LocalAddr()), Port: v.Port}
		}
	}
	return a
}

func (s *serverSession) noteFailure(err error) {
	if shadow.IsAuthFailure(err) {
		s.h.metrics.RecordTagFailure(side)
	}
}

func (s *serverSession) transition(next session.State) {
	if err := s.state.Transition(next); err != nil {
		s.logger.Warn("invalid state transition", logging.KeyError, err)
	}
}

func tcpIP(a net.Addr) net.IP {
	if ta, ok := a.(*net.TCPAddr); ok {
		return ta.IP
	}
	return nil
}

func bindHost(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
