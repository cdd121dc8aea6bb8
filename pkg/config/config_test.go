package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proofcaptcha/proofcaptcha/pkg/limiter"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "LOG_LEVEL", "ENVIRONMENT", "SERVER_SECRET", "REDIS_DB"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, "development", cfg.Environment)
	assert.Len(t, cfg.ServerSecret, minSecretBytes)
}

func TestLoad_Explicit(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("SERVER_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("REDIS_DB", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, []byte("0123456789abcdef0123456789abcdef"), cfg.ServerSecret)
	assert.Equal(t, 3, cfg.RedisDB)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("PORT", "70000")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("PORT", "8080")
	t.Setenv("SERVER_SECRET", "short")
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("SERVER_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("LOG_LEVEL", "noisy")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rateLimits:
  challenge:
    rps: 10
    burst: 40
risk:
  denyScore: 120
  difficultyFloor: 5
`), 0o600))

	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, 120, p.Risk.DenyScore)
	assert.Equal(t, 5, p.Risk.DifficultyFloor)

	merged := p.LimiterPolicies()
	assert.Equal(t, limiter.Policy{RPS: 10, Burst: 40}, merged[limiter.GroupChallenge])
	// Untouched groups keep their defaults.
	assert.Equal(t, limiter.DefaultPolicies()[limiter.GroupVerify], merged[limiter.GroupVerify])
}

func TestLoadProfile_EmptyPathAndBadFile(t *testing.T) {
	p, err := LoadProfile("")
	require.NoError(t, err)
	assert.Empty(t, p.RateLimits)

	_, err = LoadProfile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("rateLimits: ["), 0o600))
	_, err = LoadProfile(bad)
	assert.Error(t, err)
}
