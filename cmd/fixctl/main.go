// Command fixctl is an offline administrative inspector for a fixengine
// Message Store: it lists known sessions, shows sequence state, and applies
// the same set_next_seq / reset operations the Engine exposes at runtime,
// operating directly on the store database file while fixengine is not
// running against it.
package main

import (
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"

	_ "github.com/mattn/go-sqlite3"

	"github.com/n1/fixengine/internal/fix/store"
	"github.com/n1/fixengine/internal/log"
	"github.com/urfave/cli/v2"
)

const version = "0.0.1-dev"

func main() {
	app := &cli.App{
		Name:    "fixctl",
		Version: version,
		Usage:   "fixctl – administrative inspector for a fixengine Message Store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "store",
				Aliases:  []string{"s"},
				Usage:    "path to the Message Store database",
				Required: true,
			},
		},
		Commands: []*cli.Command{
			sessionsCmd,
			showCmd,
			resetSeqCmd,
			purgeCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openStoreDB opens the database named by the global --store flag, without
// applying migrations: fixctl is read/write over an existing, already
// bootstrapped store.
func openStoreDB(c *cli.Context) (*sql.DB, error) {
	path := c.String("store")
	if path == "" {
		return nil, cli.Exit("missing required flag --store", 1)
	}
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open store database %s: %w", path, err)
	}
	return db, nil
}

// sessionKeyArg parses the three positional SessionKey components every
// per-session command takes.
func sessionKeyArg(c *cli.Context) (store.SessionKey, error) {
	if c.NArg() != 3 {
		return store.SessionKey{}, cli.Exit("usage: <begin-string> <sender-comp-id> <target-comp-id>", 1)
	}
	return store.SessionKey{
		BeginString:  c.Args().Get(0),
		SenderCompID: c.Args().Get(1),
		TargetCompID: c.Args().Get(2),
	}, nil
}

var sessionsCmd = &cli.Command{
	Name:  "sessions",
	Usage: "sessions – list every session known to the store",
	Action: func(c *cli.Context) error {
		db, err := openStoreDB(c)
		if err != nil {
			return err
		}
		defer db.Close()

		rows, err := db.Query("SELECT session_key, next_out, next_in, updated_at FROM sessions ORDER BY session_key")
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		defer rows.Close()

		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tNEXT_OUT\tNEXT_IN\tUPDATED_AT")
		for rows.Next() {
			var key, updatedAt string
			var nextOut, nextIn int
			if err := rows.Scan(&key, &nextOut, &nextIn, &updatedAt); err != nil {
				return fmt.Errorf("failed to scan session row: %w", err)
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", key, nextOut, nextIn, updatedAt)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed while iterating sessions: %w", err)
		}
		return w.Flush()
	},
}

var showCmd = &cli.Command{
	Name:      "show",
	Usage:     "show <begin-string> <sender-comp-id> <target-comp-id> – show one session's sequence state",
	ArgsUsage: "<begin-string> <sender-comp-id> <target-comp-id>",
	Action: func(c *cli.Context) error {
		key, err := sessionKeyArg(c)
		if err != nil {
			return err
		}
		db, err := openStoreDB(c)
		if err != nil {
			return err
		}
		defer db.Close()

		var nextOut, nextIn int
		var updatedAt string
		row := db.QueryRow("SELECT next_out, next_in, updated_at FROM sessions WHERE session_key = ?", key.String())
		if err := row.Scan(&nextOut, &nextIn, &updatedAt); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("no session known for %s", key)
			}
			return fmt.Errorf("failed to look up session %s: %w", key, err)
		}

		var messageCount int
		if err := db.QueryRow("SELECT COUNT(*) FROM messages WHERE session_key = ?", key.String()).Scan(&messageCount); err != nil {
			return fmt.Errorf("failed to count stored messages: %w", err)
		}

		fmt.Printf("session:       %s\n", key)
		fmt.Printf("next_out:      %d\n", nextOut)
		fmt.Printf("next_in:       %d\n", nextIn)
		fmt.Printf("updated_at:    %s\n", updatedAt)
		fmt.Printf("stored msgs:   %d\n", messageCount)
		return nil
	},
}

var resetSeqCmd = &cli.Command{
	Name:      "reset-seq",
	Usage:     "reset-seq <begin-string> <sender-comp-id> <target-comp-id> --next-out N --next-in N – override sequence counters",
	ArgsUsage: "<begin-string> <sender-comp-id> <target-comp-id>",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "next-out", Usage: "new outbound sequence number (0 leaves unchanged)"},
		&cli.IntFlag{Name: "next-in", Usage: "new inbound sequence number (0 leaves unchanged)"},
	},
	Action: func(c *cli.Context) error {
		key, err := sessionKeyArg(c)
		if err != nil {
			return err
		}
		nextOut := c.Int("next-out")
		nextIn := c.Int("next-in")
		if nextOut <= 0 && nextIn <= 0 {
			return cli.Exit("at least one of --next-out / --next-in must be set", 1)
		}

		db, err := openStoreDB(c)
		if err != nil {
			return err
		}
		defer db.Close()

		var curOut, curIn int
		row := db.QueryRow("SELECT next_out, next_in FROM sessions WHERE session_key = ?", key.String())
		if err := row.Scan(&curOut, &curIn); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("no session known for %s", key)
			}
			return fmt.Errorf("failed to look up session %s: %w", key, err)
		}
		if nextOut > 0 {
			curOut = nextOut
		}
		if nextIn > 0 {
			curIn = nextIn
		}

		if _, err := db.Exec(
			"UPDATE sessions SET next_out = ?, next_in = ?, updated_at = CURRENT_TIMESTAMP WHERE session_key = ?",
			curOut, curIn, key.String(),
		); err != nil {
			return fmt.Errorf("failed to update sequence counters: %w", err)
		}

		log.Info().Str("session", key.String()).Int("next_out", curOut).Int("next_in", curIn).Msg("sequence counters overridden")
		return nil
	},
}

var purgeCmd = &cli.Command{
	Name:      "purge",
	Usage:     "purge <begin-string> <sender-comp-id> <target-comp-id> – delete all stored messages and reset counters to 1",
	ArgsUsage: "<begin-string> <sender-comp-id> <target-comp-id>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "yes", Usage: "skip the confirmation prompt"},
	},
	Action: func(c *cli.Context) error {
		key, err := sessionKeyArg(c)
		if err != nil {
			return err
		}
		if !c.Bool("yes") {
			fmt.Printf("This permanently deletes all stored messages for %s and resets its sequence counters to 1. Continue? (y/N): ", key)
			var response string
			fmt.Scanln(&response)
			if response != "y" && response != "yes" {
				return cli.Exit("purge cancelled", 1)
			}
		}

		db, err := openStoreDB(c)
		if err != nil {
			return err
		}
		defer db.Close()

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM messages WHERE session_key = ?", key.String()); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to delete stored messages: %w", err)
		}
		if _, err := tx.Exec(
			"UPDATE sessions SET next_out = 1, next_in = 1, updated_at = CURRENT_TIMESTAMP WHERE session_key = ?",
			key.String(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to reset sequence counters: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit purge: %w", err)
		}

		log.Info().Str("session", key.String()).Msg("session purged")
		return nil
	},
}
