package girder

import (
	"fmt"
	"net/url"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the server configuration, loaded from GIRDER_* environment
// variables.
type Config struct {
	// Addr is the listen address. ENV: GIRDER_ADDR
	Addr string `env:"GIRDER_ADDR,default=:8080"`

	// StoreDSN selects the persistent store: "memory://" or
	// "redis://host:port". Required; the process must not start without
	// persistence reachable. ENV: GIRDER_STORE_DSN
	StoreDSN string `env:"GIRDER_STORE_DSN,required"`

	// PubSubDSN selects the room-sync transport, same schemes as StoreDSN.
	// ENV: GIRDER_PUBSUB_DSN
	PubSubDSN string `env:"GIRDER_PUBSUB_DSN,default=memory://"`

	// SessionTimeout bounds session freshness and idle eviction.
	// ENV: GIRDER_SESSION_TIMEOUT
	SessionTimeout time.Duration `env:"GIRDER_SESSION_TIMEOUT,default=720h"`

	// SweepInterval is the eviction sweep cadence.
	// ENV: GIRDER_SESSION_SWEEP_INTERVAL
	SweepInterval time.Duration `env:"GIRDER_SESSION_SWEEP_INTERVAL,default=1m"`

	// MaxSessions caps the in-memory session index; 0 means unlimited.
	// ENV: GIRDER_MAX_SESSIONS
	MaxSessions int `env:"GIRDER_MAX_SESSIONS,default=0"`

	// AllowedOrigins restricts websocket origins; empty allows any.
	// ENV: GIRDER_ALLOWED_ORIGINS (semicolon-separated)
	AllowedOrigins []string `env:"GIRDER_ALLOWED_ORIGINS"`

	// HookDir holds per-verb script hooks; empty disables hooks.
	// ENV: GIRDER_HOOK_DIR
	HookDir string `env:"GIRDER_HOOK_DIR"`

	// HookWatchdog bounds hook runs; 0 leaves them unbounded.
	// ENV: GIRDER_HOOK_WATCHDOG
	HookWatchdog time.Duration `env:"GIRDER_HOOK_WATCHDOG,default=0"`
}

// ConfigFromEnv populates a Config from the environment. A missing store
// DSN is an error; callers treat it as fatal.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

// dsnScheme splits a backend DSN into scheme and address.
func dsnScheme(dsn string) (scheme, addr string, err error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", "", fmt.Errorf("invalid DSN %q: %w", dsn, err)
	}
	return u.Scheme, u.Host, nil
}
