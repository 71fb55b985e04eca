package session

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
	"github.com/postalsys/shadow-tunnel/internal/recovery"
)

// Handler serves one accepted connection. The server closes conn once ServeConn returns.
// ctx is cancelled when the server stops.
type Handler interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn net.Conn)

// ServeConn calls f(ctx, conn).
func (f HandlerFunc) ServeConn(ctx context.Context, conn net.Conn) { f(ctx, conn) }

// ServerConfig holds listener configuration.
type ServerConfig struct {
	// Address to listen on (e.g., "127.0.0.1:1080")
	Address string

	// Side labels logs and metrics (metrics.SideLocal or metrics.SideRemote)
	Side string

	// MaxConnections limits concurrent connections (0 = unlimited)
	MaxConnections int

	// IdleTimeout is the deadline for a session to become established (0 = none).
	// Handlers clear it once they start relaying.
	IdleTimeout time.Duration
}

// Server accepts TCP connections and hands each to a Handler on its own goroutine.
type Server struct {
	cfg      ServerConfig
	handler  Handler
	logger   *slog.Logger
	metrics  *metrics.Metrics
	listener net.Listener
	conns    *connTracker[net.Conn]

	ctx    context.Context
	cancel context.CancelFunc

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a server. A nil logger discards output and nil metrics uses the
// process-wide collectors.
func NewServer(cfg ServerConfig, h Handler, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: h,
		logger:  logger.With(logging.KeyComponent, cfg.Side),
		metrics: m,
		conns:   newConnTracker[net.Conn](),
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
	}
}

// Start listens on the configured address and begins accepting.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if err := s.Serve(ln); err != nil {
		ln.Close()
		return err
	}
	return nil
}

// Serve begins accepting on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("server already running")
	}
	s.listener = ln

	s.logger.Info("listening", logging.KeyAddress, ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and every open connection, then waits for handlers to return.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)
		s.cancel()

		if s.listener != nil {
			err = s.listener.Close()
		}
		s.conns.closeAll()
	})

	s.wg.Wait()
	return err
}

// StopWithContext stops the server, giving up waiting when ctx is done.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Address returns the listening address.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int64 {
	return s.conns.count()
}

// IsRunning returns true if the server is accepting.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				s.logger.Error("listener closed", logging.KeyError, err)
				return
			}
			backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
			s.logger.Warn("accept failed", logging.KeyError, err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-s.stopCh:
				return
			}
			continue
		}
		backoff = 0

		if !s.conns.tryAdd(conn, s.cfg.MaxConnections) {
			s.logger.Warn("connection limit reached, rejecting",
				logging.KeyRemoteAddr, conn.RemoteAddr().String(),
				"max_connections", s.cfg.MaxConnections)
			s.metrics.RecordSessionRejected(s.cfg.Side)
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	start := time.Now()
	s.metrics.RecordSessionOpen(s.cfg.Side)

	defer s.wg.Done()
	defer func() {
		s.metrics.RecordSessionClose(s.cfg.Side, time.Since(start).Seconds())
	}()
	defer s.conns.remove(conn)
	defer conn.Close()
	defer recovery.RecoverWithLog(s.logger, "session", s.metrics)

	if s.cfg.IdleTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}

	s.handler.ServeConn(s.ctx, conn)
}
