// Package redisstub is a minimal RESP2 server for tests that exercise the
// real go-redis client. It understands the connection handshake, PING and
// the stream commands the notify publisher issues.
package redisstub

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

// Entry is one stream record as stored by XADD.
type Entry struct {
	ID     string
	Values map[string]string
}

type Server struct {
	password string
	listener net.Listener
	certPEM  []byte
	done     chan struct{}
	once     sync.Once

	mu      sync.Mutex
	streams map[string][]Entry
	seq     int64
}

// Start listens on a loopback port and serves until Close.
func Start(opts Options) (*Server, error) {
	s := &Server{
		password: opts.Password,
		done:     make(chan struct{}),
		streams:  make(map[string][]Entry),
	}
	var err error
	if opts.EnableTLS {
		var cert tls.Certificate
		if s.certPEM, cert, err = selfSigned(); err != nil {
			return nil, err
		}
		s.listener, err = tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	} else {
		s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	}
	if err != nil {
		return nil, err
	}
	go s.accept()
	return s, nil
}

func (s *Server) Addr() string { return s.listener.Addr().String() }

// CertPEM returns the self-signed certificate when TLS is enabled.
func (s *Server) CertPEM() []byte { return s.certPEM }

// Entries returns a copy of the records appended to stream.
func (s *Server) Entries(stream string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.streams[stream]...)
}

func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.listener.Close()
	})
	return err
}

func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.session(&respConn{r: bufio.NewReader(conn), w: bufio.NewWriter(conn), c: conn})
	}
}

type respConn struct {
	r *bufio.Reader
	w *bufio.Writer
	c net.Conn
}

// session answers one client. The handshake commands work before AUTH; HELLO
// and CLIENT are refused so go-redis falls back to plain RESP2 AUTH.
func (s *Server) session(conn *respConn) {
	defer conn.c.Close()
	authed := s.password == ""
	for {
		args, err := conn.command()
		if err != nil {
			return
		}
		if len(args) == 0 {
			if conn.fail("ERR empty command") != nil {
				return
			}
			continue
		}
		name := strings.ToUpper(args[0])
		switch {
		case name == "AUTH":
			err = s.auth(conn, args[1:], &authed)
		case name == "PING":
			err = conn.status("PONG")
		case name == "SELECT":
			err = conn.status("OK")
		case name == "HELLO" || name == "CLIENT":
			err = conn.fail("ERR unknown command '" + strings.ToLower(name) + "'")
		case !authed:
			err = conn.fail("NOAUTH Authentication required.")
		case name == "XADD":
			err = s.xadd(conn, args[1:])
		case name == "XLEN":
			err = s.xlen(conn, args[1:])
		default:
			err = conn.fail("ERR unknown command '" + strings.ToLower(name) + "'")
		}
		if err != nil {
			return
		}
	}
}

// auth accepts AUTH password and AUTH username password.
func (s *Server) auth(conn *respConn, args []string, authed *bool) error {
	if len(args) == 0 || len(args) > 2 {
		return conn.fail("ERR wrong number of arguments for 'auth'")
	}
	if s.password != "" && args[len(args)-1] != s.password {
		return conn.fail("WRONGPASS invalid username-password pair")
	}
	*authed = true
	return conn.status("OK")
}

// xadd handles XADD key [MAXLEN [~|=] n] id field value [field value ...].
func (s *Server) xadd(conn *respConn, args []string) error {
	if len(args) < 4 {
		return conn.fail("ERR wrong number of arguments for 'xadd'")
	}
	key, args := args[0], args[1:]
	limit := -1
	if strings.EqualFold(args[0], "MAXLEN") {
		args = args[1:]
		if len(args) > 0 && (args[0] == "~" || args[0] == "=") {
			args = args[1:]
		}
		if len(args) == 0 {
			return conn.fail("ERR syntax error")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return conn.fail("ERR value is not an integer or out of range")
		}
		limit, args = n, args[1:]
	}
	if len(args) < 3 || len(args)%2 == 0 {
		return conn.fail("ERR wrong number of arguments for 'xadd'")
	}
	entry := Entry{ID: args[0], Values: make(map[string]string, len(args)/2)}
	for i := 1; i < len(args); i += 2 {
		entry.Values[args[i]] = args[i+1]
	}

	s.mu.Lock()
	if entry.ID == "*" {
		s.seq++
		entry.ID = strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + strconv.FormatInt(s.seq, 10)
	}
	records := append(s.streams[key], entry)
	if limit >= 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	s.streams[key] = records
	s.mu.Unlock()
	return conn.bulk(entry.ID)
}

func (s *Server) xlen(conn *respConn, args []string) error {
	if len(args) != 1 {
		return conn.fail("ERR wrong number of arguments for 'xlen'")
	}
	s.mu.Lock()
	n := len(s.streams[args[0]])
	s.mu.Unlock()
	return conn.integer(int64(n))
}

// command reads one request: an array of bulk strings.
func (c *respConn) command() ([]string, error) {
	n, err := c.header('*')
	if err != nil {
		return nil, err
	}
	args := make([]string, n)
	for i := range args {
		size, err := c.header('$')
		if err != nil {
			return nil, err
		}
		if size < 0 {
			continue
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(c.r, buf); err != nil {
			return nil, err
		}
		args[i] = string(buf[:size])
	}
	return args, nil
}

func (c *respConn) header(want byte) (int, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" || line[0] != want {
		return 0, errors.New("redisstub: malformed request")
	}
	return strconv.Atoi(line[1:])
}

func (c *respConn) reply(format string, args ...any) error {
	if _, err := fmt.Fprintf(c.w, format, args...); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *respConn) status(s string) error { return c.reply("+%s\r\n", s) }
func (c *respConn) fail(msg string) error { return c.reply("-%s\r\n", msg) }
func (c *respConn) integer(n int64) error { return c.reply(":%d\r\n", n) }
func (c *respConn) bulk(s string) error { return c.reply("$%d\r\n%s\r\n", len(s), s) }

func selfSigned() ([]byte, tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	cert, err := tls.X509KeyPair(certPEM, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	return certPEM, cert, err
}
