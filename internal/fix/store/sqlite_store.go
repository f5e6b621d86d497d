package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/n1/fixengine/internal/log"
	"github.com/n1/fixengine/internal/migrations"
)

// SQLiteStore implements Store with a single SQLite database shared by
// every session the engine owns, guarded by a mutex and checkpointed to
// disk on every counter update.
type SQLiteStore struct {
	db           *sql.DB
	mu           sync.Mutex
	bytesWritten int64
	syncInterval int64
}

// NewSQLiteStore opens (creating if absent) the database at path and
// applies the Message Store schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_sync=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	if err := migrations.BootstrapFixStore(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to bootstrap fix store schema: %w", err)
	}

	return &SQLiteStore{db: db, syncInterval: 4096}, nil
}

func (s *SQLiteStore) ensureSession(key SessionKey) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO sessions (session_key, next_out, next_in) VALUES (?, 1, 1)",
		key.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to ensure session row: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *SQLiteStore) Load(key SessionKey) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureSession(key); err != nil {
		return 0, 0, err
	}

	var nextOut, nextIn int
	err := s.db.QueryRow(
		"SELECT next_out, next_in FROM sessions WHERE session_key = ?",
		key.String(),
	).Scan(&nextOut, &nextIn)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load session counters: %w", err)
	}
	return nextOut, nextIn, nil
}

// SaveSeqs implements Store.
func (s *SQLiteStore) SaveSeqs(key SessionKey, nextOut, nextIn int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureSession(key); err != nil {
		return err
	}

	result, err := s.db.Exec(
		"UPDATE sessions SET next_out = ?, next_in = ?, updated_at = CURRENT_TIMESTAMP WHERE session_key = ?",
		nextOut, nextIn, key.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to save sequence counters: %w", err)
	}
	if rows, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	} else if rows == 0 {
		return ErrUnknownSession
	}

	// Sequence counters must be durable before the session is allowed to
	// advance past them; unlike message inserts, this always checkpoints.
	if err := s.sync(); err != nil {
		return fmt.Errorf("failed to sync sequence counters: %w", err)
	}
	return nil
}

// Put implements Store.
func (s *SQLiteStore) Put(key SessionKey, seq int, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureSession(key); err != nil {
		return err
	}

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO messages (session_key, seq, raw) VALUES (?, ?, ?)",
		key.String(), seq, raw,
	)
	if err != nil {
		return fmt.Errorf("failed to persist message: %w", err)
	}

	s.bytesWritten += int64(len(raw))
	if s.bytesWritten >= s.syncInterval {
		if err := s.sync(); err != nil {
			log.Warn().Err(err).Msg("failed to sync message store")
		}
	}
	return nil
}

// GetRange implements Store.
func (s *SQLiteStore) GetRange(key SessionKey, begin, end int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if end < begin {
		return nil, nil
	}

	rows, err := s.db.Query(
		"SELECT seq, raw FROM messages WHERE session_key = ? AND seq >= ? AND seq <= ? ORDER BY seq",
		key.String(), begin, end,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query message range: %w", err)
	}
	defer rows.Close()

	present := make(map[int][]byte)
	for rows.Next() {
		var seq int
		var raw []byte
		if err := rows.Scan(&seq, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		present[seq] = raw
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message range: %w", err)
	}

	out := make([]Record, 0, end-begin+1)
	for seq := begin; seq <= end; seq++ {
		if raw, ok := present[seq]; ok {
			out = append(out, Record{Seq: seq, Bytes: raw, Present: true})
		} else {
			out = append(out, Record{Seq: seq, Present: false})
		}
	}
	return out, nil
}

// Reset implements Store.
func (s *SQLiteStore) Reset(key SessionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM messages WHERE session_key = ?", key.String()); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := s.db.Exec(
		"INSERT OR REPLACE INTO sessions (session_key, next_out, next_in, updated_at) VALUES (?, 1, 1, CURRENT_TIMESTAMP)",
		key.String(),
	); err != nil {
		return fmt.Errorf("failed to reset session counters: %w", err)
	}
	return s.sync()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sync(); err != nil {
		log.Warn().Err(err).Msg("failed to sync message store before closing")
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close store database: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for callers (instanceid, admin tooling)
// that need direct access without duplicating the store's own schema setup.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) sync() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(FULL)"); err != nil {
		return fmt.Errorf("failed to checkpoint store: %w", err)
	}
	s.bytesWritten = 0
	return nil
}
