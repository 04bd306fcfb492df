package metastore

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjoedt/filevault"
)

func openTestSQLite(t *testing.T) filevault.MetadataStore {
	t.Helper()

	s, err := OpenSQLite(filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLite(t *testing.T) {
	testStore(t, openTestSQLite)
}

func TestSQLite_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	id, err := s.Insert(t.Context(), newRecord(1))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Migrate is idempotent and data survives.
	s, err = Open(t.Context(), "sqlite3", path)
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.Get(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, "file1.txt", rec.OriginalFilename)
}

func TestSQLite_RejectsUnknownStatus(t *testing.T) {
	s := openTestSQLite(t)

	rec := newRecord(1)
	rec.UploadStatus = "pending"
	_, err := s.Insert(t.Context(), rec)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "CHECK"), "unexpected error: %v", err)
}
