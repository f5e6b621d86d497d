package migrations

import "database/sql"

// InitCredentialMigrations adds the migrations for the encrypted credential
// table used by internal/credstore to hold per-SessionKey Logon secrets
// (Password, NewPassword) at rest.
func InitCredentialMigrations(runner *Runner) {
	runner.AddMigration(
		1,
		"Create credentials table",
		`CREATE TABLE credentials (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key TEXT NOT NULL,
			field TEXT NOT NULL,
			value BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	)

	runner.AddMigration(
		2,
		"Create index on credentials key",
		`CREATE UNIQUE INDEX idx_credentials_key ON credentials(session_key, field)`,
	)

	runner.AddMigration(
		3,
		"Create trigger for updated_at",
		`CREATE TRIGGER trig_credentials_updated_at
		AFTER UPDATE ON credentials
		BEGIN
			UPDATE credentials SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
		END`,
	)
}

// BootstrapCredentials initializes the credential table in db.
func BootstrapCredentials(db *sql.DB) error {
	runner := NewRunner(db)
	InitCredentialMigrations(runner)
	return runner.Run()
}
