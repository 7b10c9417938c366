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

// TLSConfig holds certificate and key paths. Both or neither must be set.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// Config controls how Run serves and drains an HTTP server.
type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	// OnListen is called with the bound address once the listener is open.
	OnListen func(net.Addr)
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Run serves cfg.Server until ctx is cancelled or serving fails. On
// cancellation in-flight requests get ShutdownTimeout to drain; connections
// still open after that are closed. Hijacked connections such as signaling
// sockets are not tracked by the server and must be closed by their owner.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return fmt.Errorf("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return fmt.Errorf("both TLS cert file and key file must be provided")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := listen(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("http server listening", "addr", ln.Addr().String(), "tls", cfg.TLS.Enabled())
	if cfg.OnListen != nil {
		cfg.OnListen(ln.Addr())
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- cfg.Server.Serve(ln) }()

	select {
	case err := <-serveErr:
		return ignoreClosed(err)
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	return drain(cfg.Server, serveErr, timeout, logger)
}

func listen(cfg Config, logger *slog.Logger) (net.Listener, error) {
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	if !cfg.TLS.Enabled() {
		return ln, nil
	}

	loader := &certLoader{certFile: cfg.TLS.CertFile, keyFile: cfg.TLS.KeyFile, logger: logger}
	if err := loader.load(); err != nil {
		ln.Close()
		return nil, err
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.Server.TLSConfig != nil {
		tlsCfg = cfg.Server.TLSConfig.Clone()
	}
	tlsCfg.GetCertificate = loader.GetCertificate
	cfg.Server.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}

func drain(srv *http.Server, serveErr <-chan error, timeout time.Duration, logger *slog.Logger) error {
	logger.Info("http server draining", "timeout", timeout.String())
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http drain timed out, closing remaining connections", "error", err)
		_ = srv.Close()
		<-serveErr
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return ignoreClosed(<-serveErr)
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
