package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := OpenSQLite(filepath.Join(t.TempDir(), "asap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteSnapshotStore(t *testing.T) {
	snapshotStoreSuite(t, openTestSQLite(t))
}

func TestSQLiteMeteringStore(t *testing.T) {
	meteringStoreSuite(t, openTestSQLite(t))
}

func TestSQLiteDelegationStore(t *testing.T) {
	delegationStoreSuite(t, openTestSQLite(t))
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "asap.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(t.Context(), snapshot("t1", 1)))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	snap, err := s.Get(t.Context(), "t1", nil)
	require.NoError(t, err)
	require.Equal(t, 1, snap.Version)
}
