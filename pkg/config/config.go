// Package config assembles runtime configuration from environment
// variables, with an optional YAML tuning profile for the knobs operators
// actually adjust in the field.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/proofcaptcha/proofcaptcha/pkg/crypto"
)

// minSecretBytes is the floor for the server signing secret.
const minSecretBytes = 32

// Config is the process configuration.
type Config struct {
	Port        int
	LogLevel    slog.Level
	Environment string // development, staging, production

	// ServerSecret signs challenges and handshakes. Generated per process
	// when unset, which invalidates outstanding challenges on restart.
	ServerSecret []byte

	DatabaseURL   string // empty selects the in-memory store
	RedisAddr     string // empty keeps rate limiting process-local
	RedisPassword string
	RedisDB       int

	VPNAPIKey   string
	ProfilePath string
	OTLPAddr    string
}

// Load reads configuration from the environment. The only hard failure is
// an explicitly set but unusable value; absent values get defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          8080,
		LogLevel:      slog.LevelInfo,
		Environment:   getenv("ENVIRONMENT", "development"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		VPNAPIKey:     os.Getenv("VPN_API_KEY"),
		ProfilePath:   os.Getenv("TUNING_PROFILE"),
		OTLPAddr:      os.Getenv("OTLP_ADDR"),
	}

	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 || p > 65535 {
			return nil, fmt.Errorf("invalid PORT %q", v)
		}
		cfg.Port = p
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB %q", v)
		}
		cfg.RedisDB = db
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q", v)
		}
		cfg.LogLevel = lvl
	}

	if v := os.Getenv("SERVER_SECRET"); v != "" {
		if len(v) < minSecretBytes {
			return nil, fmt.Errorf("SERVER_SECRET must be at least %d bytes", minSecretBytes)
		}
		cfg.ServerSecret = []byte(v)
	} else {
		secret, err := crypto.RandomBytes(minSecretBytes)
		if err != nil {
			return nil, fmt.Errorf("generate server secret: %w", err)
		}
		cfg.ServerSecret = secret
		slog.Warn("SERVER_SECRET not set, generated an ephemeral one; " +
			"outstanding challenges will not survive a restart")
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
