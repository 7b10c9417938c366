package serverutil

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// certLoader serves the key pair from disk and reloads it when either file's
// modification time changes, so rotated certificates are picked up without a
// restart. A broken replacement keeps the previous pair until the files
// change again.
type certLoader struct {
	certFile string
	keyFile  string
	logger   *slog.Logger

	mu      sync.Mutex
	cert    *tls.Certificate
	certMod time.Time
	keyMod  time.Time
}

func (l *certLoader) load() error {
	certMod, keyMod, err := l.stat()
	if err != nil {
		return err
	}
	cert, err := tls.LoadX509KeyPair(l.certFile, l.keyFile)
	if err != nil {
		return fmt.Errorf("load tls key pair: %w", err)
	}
	l.mu.Lock()
	l.cert, l.certMod, l.keyMod = &cert, certMod, keyMod
	l.mu.Unlock()
	return nil
}

func (l *certLoader) stat() (time.Time, time.Time, error) {
	certInfo, err := os.Stat(l.certFile)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("stat tls certificate: %w", err)
	}
	keyInfo, err := os.Stat(l.keyFile)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("stat tls key: %w", err)
	}
	return certInfo.ModTime(), keyInfo.ModTime(), nil
}

func (l *certLoader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	certMod, keyMod, err := l.stat()
	l.mu.Lock()
	changed := err == nil && (!certMod.Equal(l.certMod) || !keyMod.Equal(l.keyMod))
	if changed {
		// remember the attempt so a bad pair is not re-read on every handshake
		l.certMod, l.keyMod = certMod, keyMod
	}
	l.mu.Unlock()

	if changed {
		if err := l.load(); err != nil {
			l.logger.Warn("tls certificate reload failed, keeping previous pair", "error", err)
		} else {
			l.logger.Info("tls certificate reloaded", "cert_file", l.certFile)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cert, nil
}
