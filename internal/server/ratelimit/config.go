package ratelimit

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EndpointConfig limits one method on a path. A Path ending in "/" covers
// every path below it.
type EndpointConfig struct {
	Path   string
	Method string
	Limit  int           // requests per Window
	Window time.Duration
	Burst  int // defaults to Limit
}

// Defaults used when the environment leaves a value unset.
const (
	defaultLimit           = 1000
	defaultWindow          = time.Minute
	defaultCleanupInterval = 5 * time.Minute
)

// LoadConfig reads the RATE_LIMIT_* environment variables. Malformed values
// fall back to their defaults.
func LoadConfig() *Config {
	env := envReader(os.Getenv)
	if !env.bool("RATE_LIMIT_ENABLED", true) {
		return &Config{Enabled: false}
	}
	return &Config{
		Enabled:         true,
		DefaultLimit:    env.int("RATE_LIMIT_DEFAULT_LIMIT", defaultLimit),
		DefaultWindow:   env.duration("RATE_LIMIT_DEFAULT_WINDOW", defaultWindow),
		CleanupInterval: env.duration("RATE_LIMIT_CLEANUP_INTERVAL", defaultCleanupInterval),
		Whitelist:       clientSet(os.Getenv("RATE_LIMIT_WHITELIST")),
		Blacklist:       clientSet(os.Getenv("RATE_LIMIT_BLACKLIST")),
		EndpointConfigs: DefaultEndpointConfigs(),
	}
}

// DefaultEndpointConfigs returns the limits for write endpoints. Reads use
// the default limit; /health and /events are never limited.
func DefaultEndpointConfigs() []EndpointConfig {
	enqueue := func(path string) EndpointConfig {
		return EndpointConfig{Path: path, Method: "POST", Limit: 60, Window: time.Minute, Burst: 10}
	}
	write := func(method, path string) EndpointConfig {
		return EndpointConfig{Path: path, Method: method, Limit: 100, Window: time.Minute, Burst: 10}
	}
	return []EndpointConfig{
		// Triggers, retries, skips, cancels and queue actions enqueue or move jobs.
		enqueue("/workflows/"),
		enqueue("/runs/"),
		enqueue("/queues/"),

		write("POST", "/workflows"),
		write("PATCH", "/workflows/"),
		write("DELETE", "/workflows/"),
		write("DELETE", "/runs/"),
		write("DELETE", "/queues/"),
	}
}

type envReader func(string) string

func (e envReader) int(key string, def int) int {
	if n, err := strconv.Atoi(e(key)); err == nil {
		return n
	}
	return def
}

func (e envReader) bool(key string, def bool) bool {
	if b, err := strconv.ParseBool(e(key)); err == nil {
		return b
	}
	return def
}

func (e envReader) duration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(e(key)); err == nil {
		return d
	}
	return def
}

// clientSet parses a comma-separated list of client addresses.
func clientSet(list string) map[string]bool {
	set := make(map[string]bool)
	for _, client := range strings.Split(list, ",") {
		if client = strings.TrimSpace(client); client != "" {
			set[client] = true
		}
	}
	return set
}
