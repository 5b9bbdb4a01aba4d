package storedb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewCreatesFileAndAppliesMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "test.db")

	db, err := New(path)
	require.NoError(t, err)
	defer db.Close()

	_, err = os.Stat(path)
	require.NoError(t, err, "New must create the db file and any missing parent directories")

	var name string
	err = db.Get(&name, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'download_task'`)
	require.NoError(t, err, "migrations must have created download_task")
	require.Equal(t, "download_task", name)
}

func TestNewIsIdempotentAgainstAnExistingDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db1, err := New(path)
	require.NoError(t, err)
	db1.Close()

	db2, err := New(path)
	require.NoError(t, err)
	defer db2.Close()

	var count int
	require.NoError(t, db2.Get(&count, `SELECT count(*) FROM download_task`))
	require.Equal(t, 0, count)
}
