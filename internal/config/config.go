// Package config loads gochat's process configuration from the environment,
// with an optional .env file for local development (spec §6 "Configuration").
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const masterKeyHexLen = 64 // 32 bytes, hex-encoded

// Config is the full set of values that govern one server process.
type Config struct {
	CommandAddr string // command-stream listener address
	RealtimeAddr string // real-time (WebSocket) listener address

	DBDriver string // "sqlite" or "postgres"
	DBDSN    string

	TLSEnable bool
	TLSCert   string
	TLSKey    string

	MasterKey [32]byte

	SessionLifetime    time.Duration
	SessionSweepPeriod time.Duration

	GroupMaxMembers int

	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment (after loading a .env file
// if one is present in the working directory — missing .env is not an
// error). logger is used only to emit the master-key-generation warning
// spec §4.5/§6 requires and the TLS plaintext-fallback warnings.
func Load(logger *slog.Logger) (*Config, error) {
	_ = godotenv.Load() // optional; local dev convenience only

	cfg := &Config{
		CommandAddr:        getenv("GOCHAT_CMD_ADDR", ":7000"),
		RealtimeAddr:       getenv("GOCHAT_RT_ADDR", ":7001"),
		DBDriver:           getenv("GOCHAT_DB_DRIVER", "sqlite"),
		DBDSN:              getenv("GOCHAT_DB_DSN", "file:gochat.db?cache=shared&_pragma=busy_timeout(5000)"),
		TLSEnable:          getenvBool("GOCHAT_TLS_ENABLE", false),
		TLSCert:            getenv("GOCHAT_TLS_CERT", ""),
		TLSKey:             getenv("GOCHAT_TLS_KEY", ""),
		GroupMaxMembers:    getenvInt("GOCHAT_GROUP_MAX_MEMBERS", 200),
		LogLevel:           getenv("GOCHAT_LOG_LEVEL", "info"),
		LogFormat:          getenv("GOCHAT_LOG_FORMAT", "text"),
	}

	days := getenvInt("GOCHAT_SESSION_LIFETIME_DAYS", 7)
	cfg.SessionLifetime = time.Duration(days) * 24 * time.Hour

	sweep := getenv("GOCHAT_SESSION_SWEEP_INTERVAL", "15m")
	d, err := time.ParseDuration(sweep)
	if err != nil {
		return nil, fmt.Errorf("config: invalid GOCHAT_SESSION_SWEEP_INTERVAL %q: %w", sweep, err)
	}
	cfg.SessionSweepPeriod = d

	if err := cfg.loadMasterKey(logger); err != nil {
		return nil, err
	}

	if cfg.TLSEnable {
		if _, err := os.Stat(cfg.TLSCert); err != nil {
			logger.Warn("TLS cert unreadable, falling back to plaintext command stream", "path", cfg.TLSCert, "err", err)
			cfg.TLSEnable = false
		} else if _, err := os.Stat(cfg.TLSKey); err != nil {
			logger.Warn("TLS key unreadable, falling back to plaintext command stream", "path", cfg.TLSKey, "err", err)
			cfg.TLSEnable = false
		}
	}

	return cfg, nil
}

// loadMasterKey reads GOCHAT_MASTER_KEY (64 hex chars). When unset, it
// generates a fresh random key and warns that restarting without
// persisting it invalidates all prior ciphertext (spec §4.5, §6).
func (c *Config) loadMasterKey(logger *slog.Logger) error {
	raw := os.Getenv("GOCHAT_MASTER_KEY")
	if raw == "" {
		if _, err := rand.Read(c.MasterKey[:]); err != nil {
			return fmt.Errorf("config: generate master key: %w", err)
		}
		logger.Warn("GOCHAT_MASTER_KEY not set; generated an ephemeral key — " +
			"restarting without persisting it makes all prior ciphertext unreadable",
			"master_key_hex", hex.EncodeToString(c.MasterKey[:]))
		return nil
	}
	if len(raw) != masterKeyHexLen {
		return fmt.Errorf("config: GOCHAT_MASTER_KEY must be %d hex chars (32 bytes), got %d", masterKeyHexLen, len(raw))
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("config: GOCHAT_MASTER_KEY is not valid hex: %w", err)
	}
	copy(c.MasterKey[:], decoded)
	return nil
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
