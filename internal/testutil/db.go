// Package testutil provides builders and fixtures for worker-state tests.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildd-ai/runner/internal/history"
	"github.com/buildd-ai/runner/internal/store"
)

// NewStore creates a worker store rooted in a fresh temp directory.
func NewStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "workers"))
	require.NoError(t, err)
	return st
}

// NewHistoryDB opens a migrated history database in a temp directory and
// closes it when the test ends.
func NewHistoryDB(t *testing.T) *history.DB {
	t.Helper()
	db, err := history.NewDB(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}
