// Package config loads minerctl settings from the environment (optionally
// seeded by a .env file) and from a fleet file describing known hosts.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process-wide settings.
type Config struct {
	// Default credentials used when neither a flag nor the fleet file names any.
	Username string
	Password string

	// Transport
	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// Inventory database
	DBPath string

	// Address for `minerctl serve`
	Listen string

	// Networks scanned when `minerctl scan` gets no arguments
	// (comma-separated CIDRs, ranges or hosts).
	Networks []string

	// Scan fan-out
	Concurrency int

	// Optional fleet file (.yaml, .yml or .toml)
	FleetPath string
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Username:       "root",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 10 * time.Second,
		DBPath:         "minerctl.db",
		Listen:         "127.0.0.1:8080",
		Networks:       []string{},
		Concurrency:    50,
	}
}

// LoadConfig loads configuration from a .env file and environment variables.
func LoadConfig() *Config {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if v := os.Getenv("MINERCTL_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("MINERCTL_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("MINERCTL_CONNECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.ConnectTimeout = d
		}
	}
	if v := os.Getenv("MINERCTL_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RequestTimeout = d
		}
	}
	if v := os.Getenv("MINERCTL_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("MINERCTL_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("MINERCTL_NETWORKS"); v != "" {
		cfg.Networks = splitList(v)
	}
	if v := os.Getenv("MINERCTL_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Concurrency = n
		}
	}
	if v := os.Getenv("MINERCTL_FLEET"); v != "" {
		cfg.FleetPath = v
	}

	return cfg
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
