package notify

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stream-orchestrator/internal/models"
	"stream-orchestrator/internal/testsupport/redisstub"
)

func TestRedisPublisherAgainstStubPlain(t *testing.T) {
	runRedisPublisherStub(t, false)
}

func TestRedisPublisherAgainstStubTLS(t *testing.T) {
	runRedisPublisherStub(t, true)
}

func runRedisPublisherStub(t *testing.T, useTLS bool) {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{Password: "secret", EnableTLS: useTLS})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	cfg := RedisConfig{
		Addr:        srv.Addr(),
		Password:    "secret",
		Stream:      "test-sessions",
		MaxLen:      2,
		DialTimeout: 2 * time.Second,
	}
	if useTLS {
		caPath := filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(caPath, srv.CertPEM(), 0o600))
		cfg.TLS = RedisTLSConfig{CAFile: caPath}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pub, err := NewRedisPublisher(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })
	require.NoError(t, pub.Ping(ctx))

	states := []models.SessionState{models.StateStarting, models.StateLive, models.StateEnded}
	for _, state := range states {
		require.NoError(t, pub.Publish(ctx, stateEvent("stub-stream-key", state)))
	}

	entries := srv.Entries("test-sessions")
	require.Len(t, entries, 2, "stream trimmed to MaxLen")
	last := entries[1].Values
	assert.Equal(t, TypeSessionState, last["type"])
	assert.Equal(t, "stub-stream-key", last["streamKey"])
	assert.Equal(t, string(models.StateEnded), last["state"])

	var decoded Event
	require.NoError(t, json.Unmarshal([]byte(last["payload"]), &decoded))
	assert.Equal(t, models.StateEnded, decoded.State)
}

func TestNewRedisPublisherRejectsWrongPassword(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = NewRedisPublisher(ctx, RedisConfig{Addr: srv.Addr(), Password: "wrong"})
	require.Error(t, err)
}
