// Package credstore stores FIX Logon credentials (Password, tag 554; and
// NewPassword, tag 925, for password-rotation flows) at rest, encrypted with
// a per-SessionKey field key derived from an engine master key held in
// internal/secretstore. SessionConfig never carries these in plaintext on
// disk; the engine loads them through this package at session construction
// time.
package credstore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/n1/fixengine/internal/crypto"
	"github.com/n1/fixengine/internal/dao"
	"github.com/n1/fixengine/internal/fix/store"
	"github.com/n1/fixengine/internal/migrations"
	"github.com/n1/fixengine/internal/secretstore"
)

// ErrNotFound is returned when no credential field has been stored for a key.
var ErrNotFound = dao.ErrNotFound

const (
	fieldPassword    = "password"
	fieldNewPassword = "new_password"
)

// Store holds encrypted Logon credentials for every SessionKey the engine
// knows about, backed by a SQLite table (see internal/migrations'
// InitCredentialMigrations) and a per-record key HKDF-derived from a single
// master key. Encryption itself is delegated to dao.SecureVaultDAO, keyed
// per call so each (SessionKey, field) pair is sealed under its own derived
// key rather than one key for the whole table.
type Store struct {
	db        *sql.DB
	dao       *dao.SecureVaultDAO
	masterKey []byte
}

// Open opens (creating if absent) the credential database at path, retrieving
// or generating its master key via secretName in the OS secret store.
func Open(path, secretName string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("credstore: failed to open database: %w", err)
	}
	if err := migrations.BootstrapCredentials(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("credstore: failed to bootstrap schema: %w", err)
	}

	mk, err := secretstore.Default.Get(secretName)
	if err != nil {
		mk, err = crypto.Generate(32)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("credstore: failed to generate master key: %w", err)
		}
		if err := secretstore.Default.Put(secretName, mk); err != nil {
			db.Close()
			return nil, fmt.Errorf("credstore: failed to persist master key: %w", err)
		}
	}

	return &Store{db: db, dao: dao.NewSecureVaultDAO(db), masterKey: mk}, nil
}

// fieldKey derives a key scoped to one (SessionKey, field) pair so that
// decrypting one credential never helps an attacker with another.
func (s *Store) fieldKey(key store.SessionKey, field string) ([]byte, error) {
	return crypto.DeriveHKDF(s.masterKey, key.String()+":"+field, 32)
}

func (s *Store) recordKey(key store.SessionKey, field string) string {
	return key.String() + "/" + field
}

// get decrypts and returns one field, or ErrNotFound if absent.
func (s *Store) get(key store.SessionKey, field string) (string, error) {
	fk, err := s.fieldKey(key, field)
	if err != nil {
		return "", fmt.Errorf("credstore: failed to derive field key: %w", err)
	}
	plaintext, err := s.dao.Get(s.recordKey(key, field), fk)
	if err != nil {
		if errors.Is(err, dao.ErrNotFound) {
			return "", err
		}
		return "", fmt.Errorf("credstore: failed to decrypt %s for %s: %w", field, key, err)
	}
	return string(plaintext), nil
}

func (s *Store) put(key store.SessionKey, field, value string) error {
	fk, err := s.fieldKey(key, field)
	if err != nil {
		return fmt.Errorf("credstore: failed to derive field key: %w", err)
	}
	if err := s.dao.Put(s.recordKey(key, field), fk, []byte(value)); err != nil {
		return fmt.Errorf("credstore: failed to encrypt %s for %s: %w", field, key, err)
	}
	return nil
}

// Password returns the stored Logon Password (554) for key, or "" if none
// was ever set.
func (s *Store) Password(key store.SessionKey) (string, error) {
	v, err := s.get(key, fieldPassword)
	if errors.Is(err, dao.ErrNotFound) {
		return "", nil
	}
	return v, err
}

// NewPassword returns the stored Logon NewPassword (925) for key, or "" if
// none was ever set.
func (s *Store) NewPassword(key store.SessionKey) (string, error) {
	v, err := s.get(key, fieldNewPassword)
	if errors.Is(err, dao.ErrNotFound) {
		return "", nil
	}
	return v, err
}

// SetPassword stores or replaces the Logon Password for key.
func (s *Store) SetPassword(key store.SessionKey, password string) error {
	return s.put(key, fieldPassword, password)
}

// SetNewPassword stores or replaces the Logon NewPassword for key, used
// during a scheduled password-rotation Logon.
func (s *Store) SetNewPassword(key store.SessionKey, newPassword string) error {
	return s.put(key, fieldNewPassword, newPassword)
}

// Forget removes every credential field stored for key, e.g. for a session
// that is no longer configured.
func (s *Store) Forget(key store.SessionKey) error {
	for _, field := range []string{fieldPassword, fieldNewPassword} {
		if err := s.dao.Delete(s.recordKey(key, field)); err != nil && !errors.Is(err, dao.ErrNotFound) {
			return err
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
