// Package migrate brings the queue store to the latest forward-only
// schema version. Units run inside individual transactions and their
// checksums are tracked in a schema_version table; a previously applied
// unit whose on-disk content has changed aborts startup.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/surveymill/conveyor/fault"
	"github.com/surveymill/conveyor/ops"
	"github.com/surveymill/conveyor/store"
)

const createVersionTableSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version     TEXT PRIMARY KEY,
    description TEXT,
    checksum    TEXT,
    applied_at  TIMESTAMP,
    success     BOOLEAN
);`

// Runner applies migration units to a store.
type Runner struct {
	store     *store.Store
	publisher ops.Publisher
	units     fs.FS
}

// NewRunner returns a Runner over the embedded migration units.
func NewRunner(st *store.Store, publisher ops.Publisher) *Runner {
	return NewRunnerWithUnits(st, publisher, Embedded())
}

// NewRunnerWithUnits returns a Runner over an explicit unit filesystem.
func NewRunnerWithUnits(st *store.Store, publisher ops.Publisher, units fs.FS) *Runner {
	return &Runner{store: st, publisher: publisher, units: units}
}

// Applied is one schema_version record.
type Applied struct {
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Checksum    string    `json:"checksum"`
	AppliedAt   time.Time `json:"applied_at"`
	Success     bool      `json:"success"`
}

// Status describes the store's schema position relative to the
// discovered units.
type Status struct {
	CurrentVersion  string    `json:"current_version"`
	PendingVersions []string  `json:"pending_versions"`
	Applied         []Applied `json:"applied"`
}

// Migrate applies every unit not already recorded as successful, in
// version order. It fails with ErrMigrationChecksumMismatch when an
// applied unit's stored checksum differs from its current content, and
// with ErrMigrationFailed (after rolling back the offending unit) on
// execution error.
func (r *Runner) Migrate(ctx context.Context) error {
	if r.store.ReadOnly() {
		return fmt.Errorf("migrating %s: %w", r.store.Name(), fault.ErrReadOnlyStore)
	}

	var units, err = LoadUnits(r.units)
	if err != nil {
		return err
	}
	if _, err = r.store.Exec(ctx, createVersionTableSQL); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	applied, err := r.appliedChecksums(ctx)
	if err != nil {
		return err
	}

	for _, unit := range units {
		if checksum, ok := applied[unit.Version]; ok {
			if checksum != unit.Checksum {
				return fmt.Errorf("unit %s was applied with checksum %s but now has %s: %w",
					unit.Version, checksum, unit.Checksum, fault.ErrMigrationChecksumMismatch)
			}
			continue
		}
		if err = r.apply(ctx, unit); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) apply(ctx context.Context, unit Unit) error {
	var started = time.Now()
	var err = r.store.WithinTx(ctx, func(txCtx context.Context, txn *sql.Tx) error {
		for i, stmt := range splitStatements(unit.SQL) {
			if _, err := txn.ExecContext(txCtx, stmt); err != nil {
				return fmt.Errorf("executing statement %d: %w", i, err)
			}
		}
		_, err := txn.ExecContext(txCtx,
			`INSERT INTO schema_version (version, description, checksum, applied_at, success)
			 VALUES ($1, $2, $3, $4, $5);`,
			unit.Version, unit.Description, unit.Checksum, time.Now().UTC(), true)
		if err != nil {
			return fmt.Errorf("recording version: %w", err)
		}
		return nil
	})
	if err != nil {
		ops.PublishLog(r.publisher, logrus.ErrorLevel, "migration", "unit_failed",
			"version", unit.Version, "err", err)
		return fmt.Errorf("applying %s: %s: %w", unit.Version, err, fault.ErrMigrationFailed)
	}

	ops.PublishLog(r.publisher, logrus.InfoLevel, "migration", "unit_applied",
		"version", unit.Version,
		"description", unit.Description,
		"took_ms", time.Since(started).Milliseconds(),
	)
	return nil
}

func (r *Runner) appliedChecksums(ctx context.Context) (map[string]string, error) {
	var rows, err = r.store.Query(ctx,
		"SELECT version, checksum FROM schema_version WHERE success;")
	if err != nil {
		return nil, fmt.Errorf("querying applied versions: %w", err)
	}
	defer rows.Close()

	var applied = make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err = rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("scanning applied version: %w", err)
		}
		applied[version] = checksum
	}
	return applied, rows.Err()
}

// Status reports the current schema version, pending units, and the
// full applied history.
func (r *Runner) Status(ctx context.Context) (Status, error) {
	var units, err = LoadUnits(r.units)
	if err != nil {
		return Status{}, err
	}
	if _, err = r.store.Exec(ctx, createVersionTableSQL); err != nil {
		return Status{}, fmt.Errorf("creating schema_version table: %w", err)
	}

	rows, err := r.store.Query(ctx,
		`SELECT version, description, checksum, applied_at, success
		 FROM schema_version ORDER BY version;`)
	if err != nil {
		return Status{}, fmt.Errorf("querying schema_version: %w", err)
	}
	defer rows.Close()

	var status Status
	var successful = make(map[string]bool)
	for rows.Next() {
		var a Applied
		if err = rows.Scan(&a.Version, &a.Description, &a.Checksum, &a.AppliedAt, &a.Success); err != nil {
			return Status{}, fmt.Errorf("scanning schema_version: %w", err)
		}
		status.Applied = append(status.Applied, a)
		if a.Success {
			successful[a.Version] = true
			if a.Version > status.CurrentVersion {
				status.CurrentVersion = a.Version
			}
		}
	}
	if err = rows.Err(); err != nil {
		return Status{}, err
	}

	for _, unit := range units {
		if !successful[unit.Version] {
			status.PendingVersions = append(status.PendingVersions, unit.Version)
		}
	}
	return status, nil
}
