// Package fault defines the closed error taxonomy shared by every
// conveyor component. Callers match against the sentinel errors with
// errors.Is, so wrapping with fmt.Errorf("...: %w", fault.ErrX) is the
// expected way to attach context.
package fault

import "errors"

var (
	// ErrStoreUnavailable indicates a connection or transport failure
	// against a store, including pool-acquisition timeouts.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrQueryTimeout indicates a per-query deadline elapsed.
	ErrQueryTimeout = errors.New("query timeout")
	// ErrQueryFailed indicates a store-level semantic error, such as a
	// constraint violation or malformed statement.
	ErrQueryFailed = errors.New("query failed")
	// ErrIllegalTransition indicates an attempt to move a queue record
	// through a disallowed edge of its state machine.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrMigrationFailed indicates a migration unit failed to apply.
	ErrMigrationFailed = errors.New("migration failed")
	// ErrMigrationChecksumMismatch indicates a previously applied
	// migration unit no longer matches its on-disk content.
	ErrMigrationChecksumMismatch = errors.New("migration checksum mismatch")
	// ErrUnsupportedStore indicates the store lacks a required primitive,
	// such as skip-locked row claiming.
	ErrUnsupportedStore = errors.New("unsupported store")
	// ErrReadOnlyStore indicates an attempted mutation of a store
	// declared read-only.
	ErrReadOnlyStore = errors.New("read-only store")
	// ErrConfigInvalid indicates a required option is missing or out of
	// range at startup.
	ErrConfigInvalid = errors.New("invalid configuration")
	// ErrHandler wraps an error returned (or a panic raised) by a user
	// handler. It is captured as a record failure and never propagates
	// out of the worker loop.
	ErrHandler = errors.New("handler error")
)

// Process exit codes used when conveyor is embedded in a process.
const (
	ExitOK            = 0
	ExitFatal         = 1
	ExitConfigInvalid = 2
	ExitMigration     = 3
	ExitUnsupported   = 4
)

// ExitCode maps a startup error to its process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrConfigInvalid):
		return ExitConfigInvalid
	case errors.Is(err, ErrMigrationFailed), errors.Is(err, ErrMigrationChecksumMismatch):
		return ExitMigration
	case errors.Is(err, ErrUnsupportedStore):
		return ExitUnsupported
	default:
		return ExitFatal
	}
}

// Fatal reports whether |err| must abort startup rather than be retried.
// Only configuration, unsupported-store, and checksum-mismatch errors are
// fatal; all runtime store errors are recoverable.
func Fatal(err error) bool {
	return errors.Is(err, ErrConfigInvalid) ||
		errors.Is(err, ErrUnsupportedStore) ||
		errors.Is(err, ErrMigrationChecksumMismatch)
}
