package fault

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExitCodes(t *testing.T) {
	require.Equal(t, ExitOK, ExitCode(nil))
	require.Equal(t, ExitConfigInvalid, ExitCode(fmt.Errorf("missing dsn: %w", ErrConfigInvalid)))
	require.Equal(t, ExitMigration, ExitCode(fmt.Errorf("unit V002: %w", ErrMigrationFailed)))
	require.Equal(t, ExitMigration, ExitCode(ErrMigrationChecksumMismatch))
	require.Equal(t, ExitUnsupported, ExitCode(fmt.Errorf("sqlite3: %w", ErrUnsupportedStore)))
	require.Equal(t, ExitFatal, ExitCode(fmt.Errorf("boom")))
}

func TestFatalClassification(t *testing.T) {
	require.True(t, Fatal(ErrConfigInvalid))
	require.True(t, Fatal(ErrUnsupportedStore))
	require.True(t, Fatal(fmt.Errorf("V001: %w", ErrMigrationChecksumMismatch)))

	// Runtime store errors are recoverable.
	require.False(t, Fatal(ErrStoreUnavailable))
	require.False(t, Fatal(ErrQueryTimeout))
	require.False(t, Fatal(ErrQueryFailed))
	require.False(t, Fatal(ErrMigrationFailed))
}
