// Command fixengine is the daemon process that runs a set of FIX sessions
// against the configuration file named by --sessions, exposing no network
// control surface of its own: register/connect/send/query live on the
// in-process Engine API, and cmd/fixctl operates on the same on-disk
// Message Store out of process.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/n1/fixengine/internal/credstore"
	"github.com/n1/fixengine/internal/fix/codec"
	"github.com/n1/fixengine/internal/fix/engine"
	"github.com/n1/fixengine/internal/fix/store"
	"github.com/n1/fixengine/internal/instanceid"
	"github.com/n1/fixengine/internal/log"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

const (
	// DefaultConfigPath is the default path for the session configuration file.
	DefaultConfigPath = "~/.config/fixengine/sessions.json"
	// DefaultStorePath is the default path for the Message Store database.
	DefaultStorePath = "~/.local/share/fixengine/store.db"
	// DefaultCredStorePath is the default path for the encrypted credential database.
	DefaultCredStorePath = "~/.local/share/fixengine/credentials.db"
	// DefaultPIDFile is the default path for the daemon PID file.
	DefaultPIDFile = "~/.local/share/fixengine/fixengine.pid"
)

// Config holds everything runDaemon needs, populated from CLI flags.
type Config struct {
	SessionsPath  string
	StorePath     string
	CredStorePath string
	PIDFile       string
	LogLevel      string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		SessionsPath:  expandPath(DefaultConfigPath),
		StorePath:     expandPath(DefaultStorePath),
		CredStorePath: expandPath(DefaultCredStorePath),
		PIDFile:       expandPath(DefaultPIDFile),
		LogLevel:      "info",
	}
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for PID file: %w", err)
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d", os.Getpid())), 0600)
}

func removePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// runDaemon loads the session configuration, opens the Message Store and
// credential store, registers every configured session with the Engine, and
// runs until a shutdown signal arrives.
func runDaemon(cfg Config) error {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.SetLevel(zerolog.InfoLevel)
		log.Error().Err(err).Str("level", cfg.LogLevel).Msg("invalid log level, defaulting to info")
	} else {
		log.SetLevel(level)
	}

	if cfg.SessionsPath == "" {
		return errors.New("sessions config path must be provided")
	}

	if err := writePIDFile(cfg.PIDFile); err != nil {
		log.Error().Err(err).Str("path", cfg.PIDFile).Msg("failed to write PID file")
	} else {
		log.Info().Str("path", cfg.PIDFile).Msg("PID file written")
	}
	defer func() {
		if err := removePIDFile(cfg.PIDFile); err != nil {
			log.Error().Err(err).Msg("failed to remove PID file on exit")
		}
	}()

	f, err := os.Open(cfg.SessionsPath)
	if err != nil {
		return fmt.Errorf("failed to open sessions config %s: %w", cfg.SessionsPath, err)
	}
	configs, err := engine.LoadConfigs(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("failed to parse sessions config: %w", err)
	}
	if len(configs) == 0 {
		return errors.New("sessions config defines no sessions")
	}

	st, err := store.NewSQLiteStore(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("failed to open message store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("error closing message store")
		}
	}()

	id, err := instanceid.Ensure(st.DB())
	if err != nil {
		return fmt.Errorf("failed to establish instance id: %w", err)
	}
	log.Info().Str("instance_id", id).Msg("fixengine starting")

	creds, err := credstore.Open(cfg.CredStorePath, instanceid.FormatSecretName(id))
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}
	defer func() {
		if err := creds.Close(); err != nil {
			log.Error().Err(err).Msg("error closing credential store")
		}
	}()

	eng := engine.New(st)
	eng.Subscribe(func(name string, msg *codec.Message) {
		log.Debug().Str("session", name).Str("msg_type", msg.MsgType()).Msg("application message received")
	})

	for _, nc := range configs {
		cfg := nc.Cfg
		pw, err := creds.Password(cfg.Key)
		if err != nil {
			return fmt.Errorf("session %q: failed to load password: %w", nc.Name, err)
		}
		cfg.Password = pw
		npw, err := creds.NewPassword(cfg.Key)
		if err != nil {
			return fmt.Errorf("session %q: failed to load new password: %w", nc.Name, err)
		}
		cfg.NewPassword = npw

		if err := eng.Register(nc.Name, cfg); err != nil {
			return fmt.Errorf("session %q: failed to register: %w", nc.Name, err)
		}
		if err := eng.Connect(nc.Name); err != nil {
			return fmt.Errorf("session %q: failed to connect: %w", nc.Name, err)
		}
		log.Info().Str("session", nc.Name).Str("role", cfg.Role.String()).Msg("session connecting")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalCh
		log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
		cancel()
	}()

	log.Info().Int("sessions", len(configs)).Msg("fixengine running")
	<-ctx.Done()

	eng.Shutdown(15 * time.Second)
	log.Info().Msg("fixengine stopped")
	return nil
}

func main() {
	cfg := DefaultConfig()

	app := &cli.App{
		Name:  "fixengine",
		Usage: "multi-session FIX client/acceptor engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "sessions",
				Aliases:     []string{"s"},
				Usage:       "path to the session configuration JSON file",
				Value:       DefaultConfigPath,
				Destination: &cfg.SessionsPath,
			},
			&cli.StringFlag{
				Name:        "store",
				Usage:       "path to the Message Store database",
				Value:       DefaultStorePath,
				Destination: &cfg.StorePath,
			},
			&cli.StringFlag{
				Name:        "credentials",
				Usage:       "path to the encrypted credential database",
				Value:       DefaultCredStorePath,
				Destination: &cfg.CredStorePath,
			},
			&cli.StringFlag{
				Name:        "pid-file",
				Aliases:     []string{"p"},
				Usage:       "path to the PID file",
				Value:       DefaultPIDFile,
				Destination: &cfg.PIDFile,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Aliases:     []string{"l"},
				Usage:       "logging level (debug, info, warn, error)",
				Value:       "info",
				Destination: &cfg.LogLevel,
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable verbose (debug) logging",
			},
		},
		Action: func(c *cli.Context) error {
			cfg.SessionsPath = expandPath(cfg.SessionsPath)
			cfg.StorePath = expandPath(cfg.StorePath)
			cfg.CredStorePath = expandPath(cfg.CredStorePath)
			cfg.PIDFile = expandPath(cfg.PIDFile)
			if c.Bool("verbose") {
				cfg.LogLevel = "debug"
			}
			return runDaemon(cfg)
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
