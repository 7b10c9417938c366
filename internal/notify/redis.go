package notify

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"stream-orchestrator/internal/observability/logging"
)

const (
	DefaultRedisStream = "orchestrator:sessions"
	DefaultRedisMaxLen = 10000
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the Redis stream publisher.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	MasterName   string
	Stream       string
	MaxLen       int64
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLS          RedisTLSConfig
	Logger       *slog.Logger
}

type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisPublisher appends events to a Redis stream with XADD, trimming it
// to roughly MaxLen entries.
type RedisPublisher struct {
	client streamClient
	stream string
	maxLen int64
	logger *slog.Logger
}

// NewRedisPublisher connects to Redis and verifies the connection with PING.
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisPublisher(client, cfg), nil
}

func newRedisPublisher(client streamClient, cfg RedisConfig) *RedisPublisher {
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = DefaultRedisStream
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = DefaultRedisMaxLen
	}
	return &RedisPublisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logging.WithComponent(cfg.Logger, "notify.redis"),
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":      event.Type,
			"streamKey": event.StreamKey,
			"state":     string(event.State),
			"payload":   string(payload),
		},
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	p.logger.Debug("published session event", "stream", p.stream, "id", id, "type", event.Type, "stream_key", event.StreamKey)
	return nil
}

// Ping checks the connection for health reporting.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, fmt.Errorf("redis tls cert and key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
