package instanceid

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	id1 := Generate()
	id2 := Generate()

	assert.NotEmpty(t, id1)
	assert.NotEmpty(t, id2)
	assert.NotEqual(t, id1, id2)
	assert.Len(t, id1, 36)
	assert.Len(t, id2, 36)
}

func TestFormatSecretName(t *testing.T) {
	id := "12345678-1234-1234-1234-123456789012"
	assert.Equal(t, "fixengine_12345678-1234-1234-1234-123456789012", FormatSecretName(id))
}

func TestEnsure(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")
	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()

	id1, err := Ensure(db)
	require.NoError(t, err)
	assert.NotEmpty(t, id1)

	var tableName string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", MetadataTableName).Scan(&tableName)
	require.NoError(t, err)
	assert.Equal(t, MetadataTableName, tableName)

	var stored string
	err = db.QueryRow("SELECT value FROM metadata WHERE key=?", InstanceIDKey).Scan(&stored)
	require.NoError(t, err)
	assert.Equal(t, id1, stored)

	id2, err := Ensure(db)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestGet(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")
	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()

	_, err = Get(db)
	assert.Error(t, err)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	require.NoError(t, err)

	_, err = Get(db)
	assert.Error(t, err)

	expected := "12345678-1234-1234-1234-123456789012"
	_, err = db.Exec("INSERT INTO metadata (key, value) VALUES (?, ?)", InstanceIDKey, expected)
	require.NoError(t, err)

	got, err := Get(db)
	require.NoError(t, err)
	assert.Equal(t, expected, got)
}

func TestEnsureFromPath(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	id1, err := EnsureFromPath(dbPath)
	require.NoError(t, err)
	assert.NotEmpty(t, id1)

	id2, err := EnsureFromPath(dbPath)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestGetFromPathFromExistingStore(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	_, err := EnsureFromPath(dbPath)
	require.NoError(t, err)

	id, err := GetFromPath(dbPath)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_ = os.Remove(dbPath) // cleanup handled by t.TempDir as well
}
