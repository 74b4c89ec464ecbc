// Package config defines the resolved, typed configuration record
// consumed by conveyor at startup. The core never reads files or the
// environment itself; a thin adapter (such as the conveyord binary)
// assembles the record and hands it over fully resolved.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/surveymill/conveyor/fault"
)

// Store driver names, as registered with database/sql.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite3"
)

// Pool configures a store's connection pool.
type Pool struct {
	// Size is the steady-state pool size.
	Size int
	// MaxOverflow is burst capacity above Size.
	MaxOverflow int
	// AcquireTimeout is the maximum wait to acquire a connection.
	AcquireTimeout time.Duration
	// MaxLifetime is the connection recycle age.
	MaxLifetime time.Duration
}

// Store configures one named backing store.
type Store struct {
	// DSN is the connection string.
	DSN string
	// Driver is the database/sql driver name. If empty it's inferred
	// from the DSN scheme.
	Driver string
	// ReadOnly declares the store immutable to conveyor. Migrations and
	// mutating statements against a read-only store are refused.
	ReadOnly bool
	Pool     Pool
}

// Config is the complete option surface of the core. The assembly
// hierarchy (flow-specific override, environment global, base global)
// lives outside the core; only final resolved values appear here.
type Config struct {
	// QueueStore is the read-write queue/result store. It must be a
	// relational store with row-level locking and SKIP LOCKED semantics.
	QueueStore Store
	// SourceStore is the read-only source store. Optional; leave the
	// DSN empty when the deployment has no source store.
	SourceStore Store

	// QueryTimeout is the default per-query deadline.
	QueryTimeout time.Duration

	// FlowName is the flow served by the worker loop.
	FlowName string
	// BatchSize is the number of records claimed per tick.
	BatchSize int
	// MaxInflight bounds concurrent handler invocations per batch.
	MaxInflight int
	// IdleBackoff is the sleep applied when a claimed batch is empty.
	IdleBackoff time.Duration
	// ReapInterval is the minimum time between orphan reaps.
	ReapInterval time.Duration
	// OrphanTimeout is the age at which a processing record is presumed
	// stranded by a crashed instance.
	OrphanTimeout time.Duration
	// MaxRetries is the retry ceiling used by reset-failed.
	MaxRetries int
	// ShutdownGrace is the maximum wait for in-flight records on stop.
	ShutdownGrace time.Duration
}

// New returns a Config with defaults applied for everything but the
// store DSNs and FlowName, which have no sensible defaults.
func New() Config {
	return Config{
		QueueStore:    Store{Pool: Pool{Size: 5, MaxOverflow: 5, AcquireTimeout: 10 * time.Second, MaxLifetime: 30 * time.Minute}},
		SourceStore:   Store{ReadOnly: true, Pool: Pool{Size: 2, MaxOverflow: 2, AcquireTimeout: 10 * time.Second, MaxLifetime: 30 * time.Minute}},
		QueryTimeout:  30 * time.Second,
		BatchSize:     10,
		MaxInflight:   4,
		IdleBackoff:   5 * time.Second,
		ReapInterval:  time.Minute,
		OrphanTimeout: 10 * time.Minute,
		MaxRetries:    3,
		ShutdownGrace: 30 * time.Second,
	}
}

// InferDriver maps a DSN to its database/sql driver name.
func InferDriver(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return DriverPostgres
	case strings.HasPrefix(dsn, "file:"), strings.HasSuffix(dsn, ".db"), strings.HasSuffix(dsn, ".sqlite"), dsn == ":memory:":
		return DriverSQLite
	default:
		return ""
	}
}

// Validate the configuration, returning ErrConfigInvalid on any missing
// or out-of-range option.
func (c *Config) Validate() error {
	var requiredProperties = [][]string{
		{"queue_store.dsn", c.QueueStore.DSN},
		{"flow_name", c.FlowName},
	}
	for _, req := range requiredProperties {
		if req[1] == "" {
			return fmt.Errorf("missing '%s': %w", req[0], fault.ErrConfigInvalid)
		}
	}

	if err := c.QueueStore.validate("queue_store"); err != nil {
		return err
	}
	if c.SourceStore.DSN != "" {
		if err := c.SourceStore.validate("source_store"); err != nil {
			return err
		}
	}

	var positive = []struct {
		name  string
		value int
	}{
		{"batch_size", c.BatchSize},
		{"max_inflight", c.MaxInflight},
		{"max_retries", c.MaxRetries},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("'%s' must be positive (got %d): %w", p.name, p.value, fault.ErrConfigInvalid)
		}
	}

	var durations = []struct {
		name  string
		value time.Duration
	}{
		{"query_timeout", c.QueryTimeout},
		{"idle_backoff", c.IdleBackoff},
		{"reap_interval", c.ReapInterval},
		{"orphan_timeout", c.OrphanTimeout},
		{"shutdown_grace", c.ShutdownGrace},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("'%s' must be positive (got %s): %w", d.name, d.value, fault.ErrConfigInvalid)
		}
	}
	return nil
}

func (s *Store) validate(name string) error {
	if s.Driver == "" {
		s.Driver = InferDriver(s.DSN)
	}
	if s.Driver == "" {
		return fmt.Errorf("'%s.dsn' has unrecognized scheme: %w", name, fault.ErrConfigInvalid)
	}
	if s.Pool.Size <= 0 {
		return fmt.Errorf("'%s.pool.size' must be positive (got %d): %w", name, s.Pool.Size, fault.ErrConfigInvalid)
	}
	if s.Pool.MaxOverflow < 0 {
		return fmt.Errorf("'%s.pool.max_overflow' must not be negative (got %d): %w", name, s.Pool.MaxOverflow, fault.ErrConfigInvalid)
	}
	if s.Pool.AcquireTimeout <= 0 {
		return fmt.Errorf("'%s.pool.acquire_timeout' must be positive (got %s): %w", name, s.Pool.AcquireTimeout, fault.ErrConfigInvalid)
	}
	if s.Pool.MaxLifetime <= 0 {
		return fmt.Errorf("'%s.pool.max_lifetime' must be positive (got %s): %w", name, s.Pool.MaxLifetime, fault.ErrConfigInvalid)
	}
	return nil
}
