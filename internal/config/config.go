// Package config assembles process configuration once at startup and
// holds the small client-local state file. Nothing else in the
// repository reads environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Mode is the at-rest encryption policy for stored payloads.
type Mode string

const (
	// ModeOff stores plaintext only.
	ModeOff Mode = "off"
	// ModeDual stores both columns; the encrypted value wins on read.
	ModeDual Mode = "dual"
	// ModeEncOnly stores ciphertext only and fails writes without a key.
	ModeEncOnly Mode = "enc_only"
)

// Config is the full server/client process configuration. Built once
// by FromEnv and threaded explicitly into the store, vault, and API.
type Config struct {
	DataDir    string
	ListenAddr string
	ServerURL  string // client side: base URL of the settings API
	Account    string

	Token      string // optional bearer token for the HTTP API
	CORSOrigin string

	EncryptionMode Mode
	EncryptionKey  string // 64-hex, 32-byte base64, or passphrase
	PassphraseSalt string

	HistoryKeepDefault int
	HistoryKeepMin     int
	HistoryKeepMax     int

	RateLimitWindow time.Duration
	RateLimitMax    int

	DebounceDelay   time.Duration
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
}

// FromEnv builds a Config from HUBDECK_* environment variables,
// falling back to defaults suitable for a single-account home hub.
func FromEnv() Config {
	return Config{
		DataDir:    envStr("HUBDECK_DATA_DIR", defaultDataDir()),
		ListenAddr: envStr("HUBDECK_LISTEN_ADDR", "localhost:8412"),
		ServerURL:  envStr("HUBDECK_SERVER_URL", "http://localhost:8412"),
		Account:    envStr("HUBDECK_ACCOUNT", "home"),

		Token:      os.Getenv("HUBDECK_TOKEN"),
		CORSOrigin: os.Getenv("HUBDECK_CORS_ORIGIN"),

		EncryptionMode: parseMode(os.Getenv("HUBDECK_ENCRYPTION_MODE")),
		EncryptionKey:  os.Getenv("HUBDECK_ENCRYPTION_KEY"),
		PassphraseSalt: os.Getenv("HUBDECK_PASSPHRASE_SALT"),

		HistoryKeepDefault: envInt("HUBDECK_HISTORY_KEEP", 50),
		HistoryKeepMin:     5,
		HistoryKeepMax:     500,

		RateLimitWindow: envDuration("HUBDECK_RATE_WINDOW", time.Minute),
		RateLimitMax:    envInt("HUBDECK_RATE_MAX", 240),

		DebounceDelay:   envDuration("HUBDECK_DEBOUNCE", 3500*time.Millisecond),
		PollInterval:    envDuration("HUBDECK_POLL_INTERVAL", 4*time.Second),
		ShutdownTimeout: envDuration("HUBDECK_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// ClampKeepLimit bounds a requested history keep-limit to the
// configured range. Zero or negative falls back to the default.
func (c Config) ClampKeepLimit(n int) int {
	if n <= 0 {
		n = c.HistoryKeepDefault
	}
	if n < c.HistoryKeepMin {
		return c.HistoryKeepMin
	}
	if n > c.HistoryKeepMax {
		return c.HistoryKeepMax
	}
	return n
}

// Normalize maps empty or unknown mode strings to ModeOff so a
// zero-value Config behaves like an explicit off.
func (m Mode) Normalize() Mode {
	switch m {
	case ModeDual, ModeEncOnly:
		return m
	default:
		return ModeOff
	}
}

func parseMode(s string) Mode {
	return Mode(s).Normalize()
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hubdeck"
	}
	return home + "/.hubdeck"
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
