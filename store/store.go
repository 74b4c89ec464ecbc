// Package store provides pooled, parameterized access to conveyor's
// named backing stores. Two names exist in the core contract:
// "queue_store" (read-write) and "source_store" (read-only). One Store
// per name is opened for the process lifetime; the pool acts as the
// natural rate limiter.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/surveymill/conveyor/config"
	"github.com/surveymill/conveyor/fault"
	"github.com/surveymill/conveyor/ops"

	// Drivers for the supported store dialects.
	_ "github.com/jackc/pgx/v4/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Logical store names of the core contract.
const (
	QueueStore  = "queue_store"
	SourceStore = "source_store"
)

// Store is one named backing store with its shared connection pool.
type Store struct {
	name           string
	driver         string
	readOnly       bool
	db             *sql.DB
	poolSize       int
	acquireTimeout time.Duration
	queryTimeout   time.Duration
	publisher      ops.Publisher
}

// Access owns the mapping of logical store names to Stores. Callers
// address stores by name rather than holding per-database managers.
type Access struct {
	stores map[string]*Store
}

// Open connects the stores named by |cfg| and verifies each with an
// initial ping. The returned Access must be Closed by the caller.
func Open(cfg config.Config, publisher ops.Publisher) (*Access, error) {
	var access = &Access{stores: make(map[string]*Store)}

	var specs = []struct {
		name string
		conf config.Store
	}{
		{QueueStore, cfg.QueueStore},
		{SourceStore, cfg.SourceStore},
	}
	for _, spec := range specs {
		if spec.conf.DSN == "" {
			continue // Store not configured for this deployment.
		}
		var store, err = open(spec.name, spec.conf, cfg.QueryTimeout, publisher)
		if err != nil {
			access.Close()
			return nil, fmt.Errorf("opening %s: %w", spec.name, err)
		}
		access.stores[spec.name] = store
	}
	if _, ok := access.stores[QueueStore]; !ok {
		return nil, fmt.Errorf("missing 'queue_store.dsn': %w", fault.ErrConfigInvalid)
	}
	return access, nil
}

func open(name string, conf config.Store, queryTimeout time.Duration, publisher ops.Publisher) (*Store, error) {
	var driver = conf.Driver
	if driver == "" {
		driver = config.InferDriver(conf.DSN)
	}
	if driver == "" {
		return nil, fmt.Errorf("unrecognized DSN scheme: %w", fault.ErrConfigInvalid)
	}

	var db, err = sql.Open(driver, conf.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}
	db.SetMaxOpenConns(conf.Pool.Size + conf.Pool.MaxOverflow)
	db.SetMaxIdleConns(conf.Pool.Size)
	db.SetConnMaxLifetime(conf.Pool.MaxLifetime)

	var store = &Store{
		name:           name,
		driver:         driver,
		readOnly:       conf.ReadOnly,
		db:             db,
		poolSize:       conf.Pool.Size,
		acquireTimeout: conf.Pool.AcquireTimeout,
		queryTimeout:   queryTimeout,
		publisher:      publisher,
	}

	var ctx, cancel = context.WithTimeout(context.Background(), conf.Pool.AcquireTimeout)
	defer cancel()
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("verifying connection: %w", classify(err))
	}

	ops.PublishLog(publisher, logrus.InfoLevel, "store", "store_opened",
		"store", name,
		"driver", driver,
		"pool_size", conf.Pool.Size,
		"read_only", conf.ReadOnly,
	)
	return store, nil
}

// Get returns the named Store.
func (a *Access) Get(name string) (*Store, error) {
	var store, ok = a.stores[name]
	if !ok {
		return nil, fmt.Errorf("store %q is not configured: %w", name, fault.ErrConfigInvalid)
	}
	return store, nil
}

// Names returns the configured store names.
func (a *Access) Names() []string {
	var names []string
	for name := range a.stores {
		names = append(names, name)
	}
	return names
}

// Close closes all store pools.
func (a *Access) Close() error {
	var first error
	for _, store := range a.stores {
		if err := store.db.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Name returns the store's logical name.
func (s *Store) Name() string { return s.name }

// Driver returns the store's database/sql driver name.
func (s *Store) Driver() string { return s.driver }

// ReadOnly reports whether the store is declared read-only.
func (s *Store) ReadOnly() bool { return s.readOnly }

// SupportsSkipLocked reports whether the store dialect offers a
// skip-locked row claiming primitive.
func (s *Store) SupportsSkipLocked() bool { return s.driver == config.DriverPostgres }

// acquire checks a pre-verified connection out of the pool, waiting up
// to the configured acquisition deadline. Acquisition failure maps to
// ErrStoreUnavailable; it's distinct from the per-query deadline.
func (s *Store) acquire(ctx context.Context) (*sql.Conn, error) {
	var acquireCtx, cancel = context.WithTimeout(ctx, s.acquireTimeout)
	defer cancel()

	var conn, err = s.db.Conn(acquireCtx)
	if err != nil {
		return nil, fmt.Errorf("acquiring %s connection: %w", s.name, fault.ErrStoreUnavailable)
	}
	return conn, nil
}

// guardStatement refuses mutations of read-only stores. SELECT passes;
// WITH passes only when no clause of the CTE is itself data-modifying.
func (s *Store) guardStatement(query string) error {
	if !s.readOnly {
		return nil
	}
	var fields = strings.Fields(strings.ToLower(query))
	if len(fields) == 0 {
		return fmt.Errorf("store %s is read-only: %w", s.name, fault.ErrReadOnlyStore)
	}
	switch fields[0] {
	case "select":
		return nil
	case "with":
		for _, field := range fields[1:] {
			switch strings.Trim(field, "(") {
			case "insert", "update", "delete", "merge":
				return fmt.Errorf("store %s is read-only: %w", s.name, fault.ErrReadOnlyStore)
			}
		}
		return nil
	}
	return fmt.Errorf("store %s is read-only: %w", s.name, fault.ErrReadOnlyStore)
}

// Exec runs one mutating statement and returns the affected row count.
func (s *Store) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	if err := s.guardStatement(query); err != nil {
		return 0, err
	}
	var conn, err = s.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	var queryCtx, cancel = context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	result, err := conn.ExecContext(queryCtx, query, args...)
	if err != nil {
		return 0, classify(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}
	return rows, nil
}

// Rows wraps sql.Rows so that closing the rows also returns the
// checked-out connection to the pool.
type Rows struct {
	*sql.Rows
	conn   *sql.Conn
	cancel context.CancelFunc
}

// Close releases the result set and its connection.
func (r *Rows) Close() error {
	var err = r.Rows.Close()
	r.cancel()
	_ = r.conn.Close()
	return err
}

// Query runs one parameterized query. The caller must Close the
// returned Rows.
func (s *Store) Query(ctx context.Context, query string, args ...interface{}) (*Rows, error) {
	if err := s.guardStatement(query); err != nil {
		return nil, err
	}
	var conn, err = s.acquire(ctx)
	if err != nil {
		return nil, err
	}

	var queryCtx, cancel = context.WithTimeout(ctx, s.queryTimeout)

	rows, err := conn.QueryContext(queryCtx, query, args...)
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, classify(err)
	}
	return &Rows{Rows: rows, conn: conn, cancel: cancel}, nil
}

// Statement is one element of an ExecuteTx batch.
type Statement struct {
	Query string
	Args  []interface{}
}

// ExecuteTx runs the statements in a single transaction, rolling back
// on any failure, and returns the per-statement affected row counts.
func (s *Store) ExecuteTx(ctx context.Context, statements []Statement) ([]int64, error) {
	for _, stmt := range statements {
		if err := s.guardStatement(stmt.Query); err != nil {
			return nil, err
		}
	}
	var counts = make([]int64, 0, len(statements))
	var err = s.WithinTx(ctx, func(txCtx context.Context, txn *sql.Tx) error {
		for i, stmt := range statements {
			result, err := txn.ExecContext(txCtx, stmt.Query, stmt.Args...)
			if err != nil {
				return fmt.Errorf("executing statement %d: %w", i, classify(err))
			}
			rows, err := result.RowsAffected()
			if err != nil {
				return classify(err)
			}
			counts = append(counts, rows)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// WithinTx runs |fn| inside one transaction on a checked-out
// connection, committing on nil return and rolling back otherwise. The
// context passed to |fn| carries the per-query deadline.
func (s *Store) WithinTx(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	var conn, err = s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	var txCtx, cancel = context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	txn, err := conn.BeginTx(txCtx, nil)
	if err != nil {
		return classify(err)
	}
	if err = fn(txCtx, txn); err != nil {
		_ = txn.Rollback()
		return err
	}
	if err = txn.Commit(); err != nil {
		return classify(err)
	}
	return nil
}
