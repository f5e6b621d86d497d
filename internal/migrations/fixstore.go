package migrations

import "database/sql"

// InitFixStoreMigrations adds the migrations for a Message Store: one
// sessions row per SessionKey holding the sequence counter pair, and a
// messages table holding persisted outbound application-message bytes for
// resend.
func InitFixStoreMigrations(runner *Runner) {
	runner.AddMigration(
		1,
		"Create sessions table",
		`CREATE TABLE sessions (
			session_key TEXT PRIMARY KEY,
			next_out INTEGER NOT NULL DEFAULT 1,
			next_in INTEGER NOT NULL DEFAULT 1,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	)

	runner.AddMigration(
		2,
		"Create messages table",
		`CREATE TABLE messages (
			session_key TEXT NOT NULL,
			seq INTEGER NOT NULL,
			raw BLOB NOT NULL,
			sent_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (session_key, seq)
		)`,
	)

	runner.AddMigration(
		3,
		"Create index on messages session_key",
		`CREATE INDEX idx_messages_session_key ON messages(session_key)`,
	)

	runner.AddMigration(
		4,
		"Create metadata table",
		`CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	)
}

// BootstrapFixStore initializes the Message Store schema in db.
func BootstrapFixStore(db *sql.DB) error {
	runner := NewRunner(db)
	InitFixStoreMigrations(runner)
	return runner.Run()
}
