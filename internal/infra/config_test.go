package infra

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "tracklogs", cfg.Bucket.Name)
	assert.True(t, cfg.Bucket.Encryption)
	assert.Equal(t, 100, cfg.Ingest.FlushCount)
	assert.Equal(t, 1<<20, cfg.Ingest.FlushBytes)
	assert.Equal(t, 2*time.Second, cfg.Ingest.FlushInterval)
	assert.Equal(t, 4, cfg.Storage.MaxRetries)
	assert.True(t, cfg.Storage.UsePathStyle)
	assert.Equal(t, 2*time.Second, cfg.Stream.TailInterval)
	assert.Equal(t, 5*time.Second, cfg.Auth.RevocationRefresh)
	assert.Equal(t, "info", cfg.Logger.Level)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("BUCKET_NAME", "custom-logs")
	t.Setenv("INGEST_FLUSH_COUNT", "250")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "custom-logs", cfg.Bucket.Name)
	assert.Equal(t, 250, cfg.Ingest.FlushCount)
}

func TestLoadConfigSecretsFromEnv(t *testing.T) {
	t.Setenv("AUTH_SIGNING_SECRET_DATA", "signing-secret-material")
	t.Setenv("SEAL_ROOT_KEY_DATA", "root-key-material")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, []byte("signing-secret-material"), cfg.Auth.SigningSecret)
	assert.Equal(t, []byte("root-key-material"), cfg.Seal.RootKey)
}
