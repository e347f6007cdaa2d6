package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLite_WALMode(t *testing.T) {
	st, err := NewSQLite(filepath.Join(t.TempDir(), "wal.db"))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	var mode string
	require.NoError(t, st.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLite(t)
	assert.NoError(t, st.Migrate(context.Background()))
}

func TestSQLite_ListRunsNewestFirst(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	first, err := st.CreateRun(ctx, "XYZ", "2026-03-01")
	require.NoError(t, err)
	second, err := st.CreateRun(ctx, "XYZ", "2026-03-02")
	require.NoError(t, err)

	runs, err := st.ListRuns(ctx, RunFilter{SubjectID: "XYZ"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	if runs[0].CreatedAt.Equal(runs[1].CreatedAt) {
		t.Skip("identical timestamps")
	}
	assert.Equal(t, second.ID, runs[0].ID)
	assert.Equal(t, first.ID, runs[1].ID)
}
