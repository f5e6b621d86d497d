package dao

import (
	"database/sql"
	"fmt"

	"github.com/n1/fixengine/internal/crypto"
)

// SecureVaultDAO wraps VaultDAO with AES-GCM encryption/decryption. It takes
// no key of its own: callers supply a fieldKey per call, so the same vault
// can hold many records each encrypted under its own derived key (e.g. one
// key per SessionKey+field in internal/credstore) rather than one key for
// the whole table.
type SecureVaultDAO struct {
	dao *VaultDAO
}

// NewSecureVaultDAO creates a new SecureVaultDAO over db's vault table.
func NewSecureVaultDAO(db *sql.DB) *SecureVaultDAO {
	return &SecureVaultDAO{dao: NewVaultDAO(db)}
}

// Get retrieves the record at key and decrypts it with fieldKey.
func (d *SecureVaultDAO) Get(key string, fieldKey []byte) ([]byte, error) {
	record, err := d.dao.Get(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := crypto.DecryptBlob(fieldKey, record.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt value for key %s: %w", key, err)
	}

	return plaintext, nil
}

// Put encrypts value with fieldKey and stores it at key.
func (d *SecureVaultDAO) Put(key string, fieldKey, value []byte) error {
	ciphertext, err := crypto.EncryptBlob(fieldKey, value)
	if err != nil {
		return fmt.Errorf("failed to encrypt value for key %s: %w", key, err)
	}
	return d.dao.Put(key, ciphertext)
}

// Delete removes a record by key.
func (d *SecureVaultDAO) Delete(key string) error {
	return d.dao.Delete(key)
}

// List returns all keys in the vault.
func (d *SecureVaultDAO) List() ([]string, error) {
	return d.dao.List()
}
