package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/jackc/pgconn"
	"github.com/surveymill/conveyor/fault"
)

// classify maps a raw database error onto the closed taxonomy.
// Connection-class failures become ErrStoreUnavailable, elapsed
// per-query deadlines become ErrQueryTimeout, and everything else is a
// semantic ErrQueryFailed.
func classify(err error) error {
	if err == nil {
		return nil
	}
	// Already classified errors pass through unchanged.
	for _, sentinel := range []error{
		fault.ErrStoreUnavailable, fault.ErrQueryTimeout, fault.ErrQueryFailed,
		fault.ErrReadOnlyStore,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", err, fault.ErrQueryTimeout)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch errClass(pgErr.Code) {
		case "08", "53", "57": // connection exception, insufficient resources, operator intervention
			return fmt.Errorf("%s: %w", pgErr.Message, fault.ErrStoreUnavailable)
		default:
			return fmt.Errorf("%s (%s): %w", pgErr.Message, pgErr.Code, fault.ErrQueryFailed)
		}
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w", err, fault.ErrStoreUnavailable)
	}

	return fmt.Errorf("%s: %w", err, fault.ErrQueryFailed)
}

// errClass returns the leading two characters of a SQLSTATE code,
// which identify its error class.
func errClass(code string) string {
	if len(code) < 2 {
		return code
	}
	return code[:2]
}
