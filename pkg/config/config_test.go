package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKeys = []string{
	EnvFileVar, "PORT", "ENVIRONMENT", "DATABASE_PATH", "JWT_SECRET", "CORS_ORIGINS", "MAX_UPLOAD_SIZE",
	"FILE_STORAGE_PATH", "LOG_LEVEL", "INTEGRITY_MODE", "KEY_ROTATION_INTERVAL", "SHARED_KEY_SALT",
	"REDIS_URL", "VAPID_PUBLIC_KEY", "VAPID_PRIVATE_KEY",
}

// clearEnv unsets every config key for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range allKeys {
		if value, ok := os.LookupEnv(key); ok {
			require.NoError(t, os.Unsetenv(key))
			t.Cleanup(func() { os.Setenv(key, value) })
		}
	}
}

func writeEnvFile(t *testing.T, dir string, body string) string {
	t.Helper()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadReadsExplicitEnvFile(t *testing.T) {
	clearEnv(t)

	envPath := writeEnvFile(t, t.TempDir(), `
PORT=9090
ENVIRONMENT=production
DATABASE_PATH=/var/lib/nameh/nameh.db
JWT_SECRET=super-secret
CORS_ORIGINS=https://example.com
MAX_UPLOAD_SIZE=2048
FILE_STORAGE_PATH=/var/lib/nameh/uploads
LOG_LEVEL=DEBUG
INTEGRITY_MODE=lenient
KEY_ROTATION_INTERVAL=12h
SHARED_KEY_SALT=pepper
REDIS_URL=redis://localhost:6379/0
VAPID_PUBLIC_KEY=pub
VAPID_PRIVATE_KEY=priv
`)
	t.Setenv(EnvFileVar, envPath)

	cfg := Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "production", cfg.Environment)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "/var/lib/nameh/nameh.db", cfg.DatabasePath)
	assert.Equal(t, "/var/lib/nameh/uploads", cfg.FileStoragePath)
	assert.Equal(t, "super-secret", cfg.JWTSecret)
	assert.Equal(t, "https://example.com", cfg.CORSOrigins)
	assert.Equal(t, int64(2048), cfg.MaxUploadSize)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "lenient", cfg.IntegrityMode)
	assert.Equal(t, 12*time.Hour, cfg.KeyRotationInterval)
	assert.Equal(t, "pepper", cfg.SharedKeySalt)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, "pub", cfg.VAPIDPublicKey)
	assert.Equal(t, "priv", cfg.VAPIDPrivateKey)

	_, leaked := os.LookupEnv("SHARED_KEY_SALT")
	assert.False(t, leaked, "env file values must not be exported to the process")
}

func TestLoadEnvVarOverridesEnvFile(t *testing.T) {
	clearEnv(t)

	envPath := writeEnvFile(t, t.TempDir(), `
PORT=9090
DATABASE_PATH=/var/lib/nameh/nameh.db
FILE_STORAGE_PATH=/var/lib/nameh/uploads
JWT_SECRET=file-secret
`)
	t.Setenv(EnvFileVar, envPath)
	t.Setenv("DATABASE_PATH", "/override.db")
	t.Setenv("PORT", "7777")

	cfg := Load()

	assert.Equal(t, "7777", cfg.Port)
	assert.Equal(t, "/override.db", cfg.DatabasePath)
	assert.Equal(t, "/var/lib/nameh/uploads", cfg.FileStoragePath)
	assert.Equal(t, "file-secret", cfg.JWTSecret)
}

func TestLoadFallsBackToDefaultsWhenNoEnvFile(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvFileVar, filepath.Join(t.TempDir(), "missing.env"))

	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "./data/nameh.db", cfg.DatabasePath)
	assert.Equal(t, "./data/uploads", cfg.FileStoragePath)
	assert.Equal(t, "strict", cfg.IntegrityMode)
	assert.Equal(t, 24*time.Hour, cfg.KeyRotationInterval)
	assert.Equal(t, "shared-salt", cfg.SharedKeySalt)
	assert.Empty(t, cfg.RedisURL)
	assert.False(t, cfg.IsProduction())
}

func TestInvalidNumbersFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvFileVar, filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("MAX_UPLOAD_SIZE", "lots")
	t.Setenv("KEY_ROTATION_INTERVAL", "-1h")

	cfg := Load()

	assert.Equal(t, int64(10485760), cfg.MaxUploadSize)
	assert.Equal(t, 24*time.Hour, cfg.KeyRotationInterval)
}
