package repository

import "time"

// Config tunes connection and transaction behavior. Defaults mirror spec.md §4.2.
type Config struct {
	DSN             string
	ConnectTimeout  time.Duration
	StatementTimeout time.Duration
	RetryBackoff    time.Duration
	MaxAttempts     int
	MaxConns        int32
	MinConns        int32
}

const (
	DefaultConnectTimeout   = 10 * time.Second
	DefaultStatementTimeout = 30 * time.Second
	DefaultRetryBackoff     = 30 * time.Second
	DefaultMaxAttempts      = 5
	DefaultMaxConns         = 10
	DefaultMinConns         = 1
)

// withDefaults returns a copy of c with every non-positive field replaced by
// its spec-mandated default.
func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.StatementTimeout <= 0 {
		c.StatementTimeout = DefaultStatementTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MaxConns <= 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.MinConns <= 0 {
		c.MinConns = DefaultMinConns
	}
	return c
}

// ShortLived returns tuning appropriate for an observability-surface
// Repository instance: tight timeouts, a pool of at most two connections,
// never shared with a worker's pool (spec.md §6.4).
func ShortLived(dsn string) Config {
	return Config{
		DSN:              dsn,
		ConnectTimeout:   2 * time.Second,
		StatementTimeout: 5 * time.Second,
		MaxConns:         2,
		MinConns:         0,
	}
}
