// Package config loads orchestrator settings from the environment. An
// optional .env file is applied first; variables already set in the process
// environment win over the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "ORCH_"

type Config struct {
	Addr        string
	TLSCertFile string
	TLSKeyFile  string
	APIToken    string
	IngestToken string
	LogLevel    string
	LogFormat   string
	// CORSOrigins lists browser origins allowed to call the API besides
	// same-origin requests.
	CORSOrigins []string

	OutputRoot  string
	FFmpegPath  string
	IngestURL   string
	PeerIngest  string
	KillGrace   time.Duration
	MaxSessions int
	MaxDuration time.Duration

	CleanupDelay   time.Duration
	CleanupBackoff time.Duration

	SegmentSeconds    int
	ListSize          int
	DefaultQuality    string
	LadderFile        string
	Thumbnails        bool
	ThumbnailInterval time.Duration
	PlaylistWait      time.Duration

	RTC RTCConfig

	Redis    RedisConfig
	Postgres PostgresConfig

	HistoryRetention     time.Duration
	HistoryPurgeInterval time.Duration
}

type RTCConfig struct {
	ListenIP         string
	AnnouncedIP      string
	MinPort          int
	MaxPort          int
	HandshakeTimeout time.Duration
	ReapInterval     time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	Stream   string
	TLSCA    string
	TLSCert  string
	TLSKey   string
}

// Enabled reports whether a Redis publisher is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type PostgresConfig struct {
	DSN      string
	MaxConns int
}

func (p PostgresConfig) Enabled() bool { return p.DSN != "" }

// Default returns the settings used when no variable is set.
func Default() Config {
	return Config{
		Addr:              ":8080",
		LogLevel:          "info",
		LogFormat:         "json",
		OutputRoot:        "./streams/hls",
		FFmpegPath:        "ffmpeg",
		IngestURL:         "rtmp://localhost:1935/live/{streamKey}",
		PeerIngest:        "rtsp://127.0.0.1:8554/{streamKey}",
		KillGrace:         5 * time.Second,
		MaxSessions:       10,
		CleanupDelay:      5 * time.Minute,
		CleanupBackoff:    5 * time.Second,
		SegmentSeconds:    6,
		ListSize:          10,
		DefaultQuality:    "medium",
		Thumbnails:        true,
		ThumbnailInterval: 30 * time.Second,
		PlaylistWait:      30 * time.Second,
		RTC: RTCConfig{
			ListenIP:         "0.0.0.0",
			AnnouncedIP:      "127.0.0.1",
			MinPort:          10000,
			MaxPort:          10100,
			HandshakeTimeout: 30 * time.Second,
			ReapInterval:     10 * time.Second,
		},
		HistoryRetention:     720 * time.Hour,
		HistoryPurgeInterval: time.Hour,
	}
}

// LoadDotEnv applies the first existing file of paths to the process
// environment. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
		return nil
	}
	return nil
}

// Load reads ORCH_* variables from the process environment after applying
// the optional env file named by ORCH_ENV_FILE (default .env).
func Load() (Config, error) {
	envFile := strings.TrimSpace(os.Getenv(envPrefix + "ENV_FILE"))
	if err := LoadDotEnv(envFile, ".env"); err != nil {
		return Config{}, err
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from lookup. Parse failures and validation
// failures are reported together.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	r := reader{lookup: lookup}

	r.str("ADDR", &cfg.Addr)
	r.str("TLS_CERT", &cfg.TLSCertFile)
	r.str("TLS_KEY", &cfg.TLSKeyFile)
	r.str("API_TOKEN", &cfg.APIToken)
	r.str("INGEST_TOKEN", &cfg.IngestToken)
	r.str("LOG_LEVEL", &cfg.LogLevel)
	r.str("LOG_FORMAT", &cfg.LogFormat)
	r.list("CORS_ORIGINS", &cfg.CORSOrigins)

	r.str("OUTPUT_ROOT", &cfg.OutputRoot)
	r.str("FFMPEG_PATH", &cfg.FFmpegPath)
	r.str("INGEST_URL_TEMPLATE", &cfg.IngestURL)
	r.str("PEER_INGEST_URL_TEMPLATE", &cfg.PeerIngest)
	r.duration("KILL_GRACE", &cfg.KillGrace)
	r.integer("MAX_SESSIONS", &cfg.MaxSessions)
	r.duration("MAX_STREAM_DURATION", &cfg.MaxDuration)

	r.duration("CLEANUP_DELAY", &cfg.CleanupDelay)
	r.duration("CLEANUP_RETRY_BACKOFF", &cfg.CleanupBackoff)

	r.integer("HLS_SEGMENT_SECONDS", &cfg.SegmentSeconds)
	r.integer("HLS_LIST_SIZE", &cfg.ListSize)
	r.str("DEFAULT_QUALITY", &cfg.DefaultQuality)
	r.str("LADDER_FILE", &cfg.LadderFile)
	r.boolean("THUMBNAILS", &cfg.Thumbnails)
	r.duration("THUMBNAIL_INTERVAL", &cfg.ThumbnailInterval)
	r.duration("PLAYLIST_WAIT", &cfg.PlaylistWait)

	r.str("RTC_LISTEN_IP", &cfg.RTC.ListenIP)
	r.str("RTC_ANNOUNCED_IP", &cfg.RTC.AnnouncedIP)
	r.integer("RTC_MIN_PORT", &cfg.RTC.MinPort)
	r.integer("RTC_MAX_PORT", &cfg.RTC.MaxPort)
	r.duration("HANDSHAKE_TIMEOUT", &cfg.RTC.HandshakeTimeout)
	r.duration("REAP_INTERVAL", &cfg.RTC.ReapInterval)

	r.str("REDIS_ADDR", &cfg.Redis.Addr)
	r.str("REDIS_PASSWORD", &cfg.Redis.Password)
	r.str("REDIS_STREAM", &cfg.Redis.Stream)
	r.str("REDIS_TLS_CA", &cfg.Redis.TLSCA)
	r.str("REDIS_TLS_CERT", &cfg.Redis.TLSCert)
	r.str("REDIS_TLS_KEY", &cfg.Redis.TLSKey)

	r.str("POSTGRES_DSN", &cfg.Postgres.DSN)
	r.integer("POSTGRES_MAX_CONNS", &cfg.Postgres.MaxConns)

	r.duration("HISTORY_RETENTION", &cfg.HistoryRetention)
	r.duration("HISTORY_PURGE_INTERVAL", &cfg.HistoryPurgeInterval)

	if err := errors.Join(r.errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("ORCH_ADDR must not be empty"))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, errors.New("ORCH_TLS_CERT and ORCH_TLS_KEY must be set together"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("ORCH_LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	if strings.TrimSpace(c.OutputRoot) == "" {
		errs = append(errs, errors.New("ORCH_OUTPUT_ROOT must not be empty"))
	}
	if strings.TrimSpace(c.FFmpegPath) == "" {
		errs = append(errs, errors.New("ORCH_FFMPEG_PATH must not be empty"))
	}
	for name, tmpl := range map[string]string{"ORCH_INGEST_URL_TEMPLATE": c.IngestURL, "ORCH_PEER_INGEST_URL_TEMPLATE": c.PeerIngest} {
		if !strings.Contains(tmpl, "{streamKey}") {
			errs = append(errs, fmt.Errorf("%s must contain {streamKey}", name))
		}
	}
	if c.KillGrace <= 0 {
		errs = append(errs, errors.New("ORCH_KILL_GRACE must be positive"))
	}
	if c.MaxSessions <= 0 {
		errs = append(errs, errors.New("ORCH_MAX_SESSIONS must be positive"))
	}
	if c.MaxDuration < 0 {
		errs = append(errs, errors.New("ORCH_MAX_STREAM_DURATION cannot be negative"))
	}
	if c.CleanupDelay < 0 || c.CleanupBackoff < 0 {
		errs = append(errs, errors.New("cleanup delays cannot be negative"))
	}
	if c.SegmentSeconds <= 0 {
		errs = append(errs, errors.New("ORCH_HLS_SEGMENT_SECONDS must be positive"))
	}
	if c.ListSize < 0 {
		errs = append(errs, errors.New("ORCH_HLS_LIST_SIZE cannot be negative"))
	}
	if c.Thumbnails && c.ThumbnailInterval < time.Second {
		errs = append(errs, errors.New("ORCH_THUMBNAIL_INTERVAL must be at least 1s"))
	}
	if c.RTC.MinPort <= 0 || c.RTC.MaxPort > 65535 || c.RTC.MinPort > c.RTC.MaxPort {
		errs = append(errs, fmt.Errorf("invalid rtc port range %d-%d", c.RTC.MinPort, c.RTC.MaxPort))
	}
	if c.RTC.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("ORCH_HANDSHAKE_TIMEOUT must be positive"))
	}
	if (c.Redis.TLSCert == "") != (c.Redis.TLSKey == "") {
		errs = append(errs, errors.New("ORCH_REDIS_TLS_CERT and ORCH_REDIS_TLS_KEY must be set together"))
	}
	if c.Postgres.MaxConns < 0 {
		errs = append(errs, errors.New("ORCH_POSTGRES_MAX_CONNS cannot be negative"))
	}
	if c.HistoryRetention < 0 {
		errs = append(errs, errors.New("ORCH_HISTORY_RETENTION cannot be negative"))
	}
	return errors.Join(errs...)
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) value(name string) (string, bool) {
	raw, ok := r.lookup(envPrefix + name)
	if !ok {
		return "", false
	}
	trimmed := strings.TrimSpace(raw)
	return trimmed, trimmed != ""
}

func (r *reader) str(name string, dst *string) {
	if v, ok := r.value(name); ok {
		*dst = v
	}
}

func (r *reader) list(name string, dst *[]string) {
	v, ok := r.value(name)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (r *reader) integer(name string, dst *int) {
	v, ok := r.value(name)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("parse %s%s: %w", envPrefix, name, err))
		return
	}
	*dst = parsed
}

func (r *reader) duration(name string, dst *time.Duration) {
	v, ok := r.value(name)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("parse %s%s: %w", envPrefix, name, err))
		return
	}
	*dst = parsed
}

func (r *reader) boolean(name string, dst *bool) {
	v, ok := r.value(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("parse %s%s: %w", envPrefix, name, err))
		return
	}
	*dst = parsed
}
