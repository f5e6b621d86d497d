// Package instanceid generates and retrieves the persistent identifier for
// one engine's on-disk message store, so log lines and operator tooling can
// tell apart multiple engine processes pointed at different store
// directories.
package instanceid

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

const (
	// MetadataTableName is the table that stores engine-level metadata.
	MetadataTableName = "metadata"

	// InstanceIDKey is the key used to store the engine instance UUID in
	// the metadata table.
	InstanceIDKey = "engine_instance_id"

	// SecretNamePrefix namespaces a secret-store entry with the instance
	// ID, so two engines sharing one OS keychain never collide (see
	// internal/credstore).
	SecretNamePrefix = "fixengine_"
)

// Generate returns a new instance identifier.
func Generate() string {
	return uuid.New().String()
}

// FormatSecretName formats a secret-store entry name using the instance ID.
func FormatSecretName(instanceID string) string {
	return SecretNamePrefix + instanceID
}

// Get retrieves the instance ID stored in db's metadata table.
func Get(db *sql.DB) (string, error) {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", MetadataTableName).Scan(&tableName)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("metadata table does not exist")
		}
		return "", fmt.Errorf("failed to check for metadata table: %w", err)
	}

	var id string
	err = db.QueryRow("SELECT value FROM metadata WHERE key=?", InstanceIDKey).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("instance id not found in metadata")
		}
		return "", fmt.Errorf("failed to query instance id: %w", err)
	}

	return id, nil
}

// Ensure returns db's instance ID, generating and persisting one if this is
// a fresh store.
func Ensure(db *sql.DB) (string, error) {
	id, err := Get(db)
	if err == nil {
		return id, nil
	}

	var tableName string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", MetadataTableName).Scan(&tableName)
	if err != nil {
		if err == sql.ErrNoRows {
			_, err = db.Exec(`
				CREATE TABLE IF NOT EXISTS metadata (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				)
			`)
			if err != nil {
				return "", fmt.Errorf("failed to create metadata table: %w", err)
			}
		} else {
			return "", fmt.Errorf("failed to check for metadata table: %w", err)
		}
	}

	id = Generate()
	if _, err := db.Exec("INSERT INTO metadata (key, value) VALUES (?, ?)", InstanceIDKey, id); err != nil {
		return "", fmt.Errorf("failed to store instance id: %w", err)
	}

	return id, nil
}

// GetFromPath opens the database at path and retrieves its instance ID.
func GetFromPath(path string) (string, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return "", fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	return Get(db)
}

// EnsureFromPath opens the database at path and ensures it has an instance
// ID.
func EnsureFromPath(path string) (string, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return "", fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	return Ensure(db)
}
