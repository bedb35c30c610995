package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

func (c TLSConfig) enabled() bool {
	return c.CertFile != ""
}

// Config controls how Run serves and stops the HTTP server.
type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	// Ready is closed once the listener is bound.
	Ready chan<- struct{}
	// OnListen receives the bound address, which differs from Server.Addr
	// when the configured port is 0.
	OnListen func(net.Addr)
	// Drain runs after the server has stopped serving and shares the shutdown
	// budget. It is skipped when the listener never came up.
	Drain  func(ctx context.Context) error
	Logger *slog.Logger
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Run serves until ctx is cancelled or the server fails, then shuts down
// gracefully and drains. Both a cert and a key file switch the listener to TLS.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return errors.New("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return errors.New("both TLS cert file and key file must be provided")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	ln, err := listen(cfg)
	if err != nil {
		return err
	}
	if cfg.OnListen != nil {
		cfg.OnListen(ln.Addr())
	}
	logger.Info("http server listening", "addr", ln.Addr().String(), "tls", cfg.TLS.enabled())
	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Serve(ln)
	}()

	var runErr error
	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return errors.Join(runErr, drain(shutdownCtx, cfg.Drain))
	case <-ctx.Done():
	}

	logger.Info("http server shutting down", "timeout", timeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := cfg.Server.Shutdown(shutdownCtx); err != nil {
		runErr = fmt.Errorf("shutdown http server: %w", err)
	} else if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		runErr = err
	}
	return errors.Join(runErr, drain(shutdownCtx, cfg.Drain))
}

func listen(cfg Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.enabled() {
		return ln, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		ln.Close()
		return nil, err
	}
	tlsCfg := cfg.Server.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	cfg.Server.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}

func drain(ctx context.Context, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}
	if err := fn(ctx); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	return nil
}
