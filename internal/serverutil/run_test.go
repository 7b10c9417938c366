package serverutil

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRun(t *testing.T, cfg Config) (context.CancelFunc, <-chan error, net.Addr) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	addrCh := make(chan net.Addr, 1)
	cfg.OnListen = func(a net.Addr) { addrCh <- a }
	cfg.Logger = quietLogger()
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, cfg)
	}()

	select {
	case addr := <-addrCh:
		return cancel, done, addr
	case err := <-done:
		t.Fatalf("run returned early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}
	return nil, nil, nil
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRunServesAndShutsDown(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	server := &http.Server{Addr: "127.0.0.1:0", Handler: mux}
	cancel, done, addr := startRun(t, Config{Server: server, ShutdownTimeout: time.Second})

	resp, err := http.Get("http://" + addr.String() + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	cancel()
	waitDone(t, done)
}

func TestRunUsesTLSWhenConfigured(t *testing.T) {
	certFile, keyFile := writeSelfSignedCert(t)
	server := &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()}
	cancel, done, addr := startRun(t, Config{
		Server:          server,
		ShutdownTimeout: time.Second,
		TLS:             TLSConfig{CertFile: certFile, KeyFile: keyFile},
	})

	conn, err := tls.Dial("tcp", addr.String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls dial failed: %v", err)
	}
	conn.Close()

	cancel()
	waitDone(t, done)
}

func peerSerial(t *testing.T, addr net.Addr) int64 {
	t.Helper()
	conn, err := tls.Dial("tcp", addr.String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls dial failed: %v", err)
	}
	defer conn.Close()
	return conn.ConnectionState().PeerCertificates[0].SerialNumber.Int64()
}

func TestRunReloadsRotatedCertificate(t *testing.T) {
	certFile, keyFile := writeSelfSignedCert(t)
	server := &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()}
	cancel, done, addr := startRun(t, Config{
		Server:          server,
		ShutdownTimeout: time.Second,
		TLS:             TLSConfig{CertFile: certFile, KeyFile: keyFile},
	})

	if got := peerSerial(t, addr); got != 1 {
		t.Fatalf("expected serial 1, got %d", got)
	}

	writeCertPair(t, certFile, keyFile, 2)
	later := time.Now().Add(time.Minute)
	for _, path := range []string{certFile, keyFile} {
		if err := os.Chtimes(path, later, later); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	if got := peerSerial(t, addr); got != 2 {
		t.Fatalf("expected rotated serial 2, got %d", got)
	}

	if err := os.WriteFile(certFile, []byte("not a certificate"), 0o600); err != nil {
		t.Fatalf("write broken cert: %v", err)
	}
	broken := later.Add(time.Minute)
	if err := os.Chtimes(certFile, broken, broken); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if got := peerSerial(t, addr); got != 2 {
		t.Fatalf("broken replacement must keep serial 2, got %d", got)
	}

	cancel()
	waitDone(t, done)
}

func TestRunRejectsPartialTLSConfig(t *testing.T) {
	server := &http.Server{Addr: "127.0.0.1:0"}
	err := Run(context.Background(), Config{Server: server, TLS: TLSConfig{CertFile: "cert.pem"}})
	if err == nil {
		t.Fatal("expected error for partial tls config")
	}
}

func TestRunStartupError(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	server := &http.Server{Addr: listener.Addr().String(), Handler: http.NewServeMux()}
	called := false
	err = Run(context.Background(), Config{
		Server:   server,
		Logger:   quietLogger(),
		OnListen: func(net.Addr) { called = true },
	})
	if err == nil {
		t.Fatal("expected startup error")
	}
	if called {
		t.Fatal("OnListen must not fire when listen fails")
	}
}

func writeSelfSignedCert(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	writeCertPair(t, certPath, keyPath, 1)
	return certPath, keyPath
}

func writeCertPair(t *testing.T, certPath, keyPath string, serial int64) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
}
