package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/shadow-tunnel/internal/auth"
	"github.com/postalsys/shadow-tunnel/internal/config"
	"github.com/postalsys/shadow-tunnel/internal/crypto"
	"github.com/postalsys/shadow-tunnel/internal/health"
	"github.com/postalsys/shadow-tunnel/internal/local"
	"github.com/postalsys/shadow-tunnel/internal/logging"
	"github.com/postalsys/shadow-tunnel/internal/metrics"
	"github.com/postalsys/shadow-tunnel/internal/remote"
	"github.com/postalsys/shadow-tunnel/internal/session"
	"github.com/postalsys/shadow-tunnel/internal/shadow"
)

func localCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "local",
		Short: "Run the local hop",
		Long:  "Accept SOCKS5 clients and tunnel their sessions to the remote hop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, (*config.Config).ValidateLocal)
			if err != nil {
				return err
			}
			return run(cfg, metrics.SideLocal)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func remoteCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Run the remote hop",
		Long:  "Accept tunnelled sessions from local hops and execute their commands.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, (*config.Config).ValidateRemote)
			if err != nil {
				return err
			}
			return run(cfg, metrics.SideRemote)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func loadConfig(path string, validateSide func(*config.Config) error) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := validateSide(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger and returns the file it writes to, if any.
func newLogger(cfg *config.Config) (*slog.Logger, io.Closer) {
	if cfg.Log.File == "" {
		return logging.NewLogger(cfg.LogLevel(), cfg.Log.Format), nil
	}
	w := logging.OpenFile(logging.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	return logging.NewLoggerWithWriter(cfg.LogLevel(), cfg.Log.Format, w), w
}

func newProtocol(cfg *config.Config) (*shadow.Protocol, error) {
	return shadow.New(shadow.Config{
		Key: cfg.Key,
		Control: shadow.PlaneConfig{
			Cipher: cfg.Cipher.Control.Name,
			Salt:   cfg.Cipher.Control.Salt,
		},
		Data: shadow.PlaneConfig{
			Cipher: cfg.Cipher.Data.Name,
			Salt:   cfg.Cipher.Data.Salt,
		},
	}, crypto.NewKeyStore(cfg.KeyDir))
}

// newServer wires the hop's handler behind a session server.
func newServer(cfg *config.Config, side string, logger *slog.Logger, m *metrics.Metrics) (*session.Server, error) {
	proto, err := newProtocol(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set up protocol: %w", err)
	}
	rate, err := cfg.RateBytes()
	if err != nil {
		return nil, err
	}

	srvCfg := session.ServerConfig{
		Side:        side,
		IdleTimeout: cfg.Timeout,
	}

	var h session.Handler
	switch side {
	case metrics.SideLocal:
		srvCfg.Address = cfg.Local.Address
		srvCfg.MaxConnections = cfg.Local.MaxConnections
		h = local.NewHandler(local.Config{
			Remote:           cfg.Local.Remote,
			Token:            cfg.Local.Token,
			ConnectTimeout:   cfg.Local.ConnectTimeout,
			HandshakeTimeout: cfg.Timeout,
			UDPIP:            net.ParseIP(cfg.Local.UDPInterface),
			UDPIdleTimeout:   cfg.Limits.UDPIdleTimeout,
			BytesPerSec:      rate,
		}, proto, logger, m)
	case metrics.SideRemote:
		checker, err := auth.NewChecker(cfg.Remote.Tokens, cfg.Remote.HashedTokens)
		if err != nil {
			return nil, fmt.Errorf("failed to set up tokens: %w", err)
		}
		srvCfg.Address = cfg.Remote.Address
		srvCfg.MaxConnections = cfg.Remote.MaxConnections
		h = remote.NewHandler(remote.Config{
			ConnectTimeout: cfg.Remote.ConnectTimeout,
			BindIP:         net.ParseIP(cfg.Remote.BindInterface),
			BindPort:       cfg.Remote.BindPort,
			BindTimeout:    cfg.Remote.BindTimeout,
			UDPIP:          net.ParseIP(cfg.Remote.UDPInterface),
			UDPIdleTimeout: cfg.Limits.UDPIdleTimeout,
			BytesPerSec:    rate,
		}, proto, checker, logger, m)
	default:
		return nil, fmt.Errorf("unknown side %q", side)
	}

	return session.NewServer(srvCfg, h, logger, m), nil
}

func run(cfg *config.Config, side string) error {
	logger, logFile := newLogger(cfg)
	if logFile != nil {
		defer logFile.Close()
	}

	m := metrics.Default()
	srv, err := newServer(cfg, side, logger, m)
	if err != nil {
		return err
	}

	fmt.Printf("Starting shadow-tunnel %s hop...\n", side)

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start %s hop: %w", side, err)
	}
	fmt.Printf("Listening on %s (control: %s, data: %s)\n",
		srv.Address(), cfg.Cipher.Control.Name, cfg.Cipher.Data.Name)
	logger.Info("hop started",
		logging.KeySide, side,
		logging.KeyAddress, srv.Address().String())

	var hs *health.Server
	if cfg.Metrics.Enabled {
		hcfg := health.DefaultServerConfig()
		hcfg.Address = cfg.Metrics.Address
		hcfg.MetricsPath = cfg.Metrics.Path
		hcfg.Side = side
		hcfg.Pprof = cfg.Debug
		hs = health.NewServer(hcfg, srv)
		if err := hs.Start(); err != nil {
			srv.Stop()
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		fmt.Printf("Metrics: http://%s%s\n", hs.Address(), hcfg.MetricsPath)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if hs != nil {
		hs.Stop()
	}
	if err := srv.StopWithContext(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	fmt.Println("Shutdown complete")
	return nil
}
