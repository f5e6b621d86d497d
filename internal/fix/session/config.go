package session

import (
	"time"

	"github.com/n1/fixengine/internal/fix/store"
)

// Role distinguishes the initiating side of a session (dials out) from the
// accepting side (handed an already-accepted Transport by the engine).
type Role int

const (
	Initiator Role = iota
	Acceptor
)

func (r Role) String() string {
	if r == Acceptor {
		return "ACCEPTOR"
	}
	return "INITIATOR"
}

// Config is everything a Session needs to run one logical conversation.
// One Config produces one Session; an engine holds many.
type Config struct {
	Key store.SessionKey
	Role Role

	// Host is used only when Role == Initiator. Port is the port an
	// Initiator dials and the port an Acceptor listens on.
	Host string
	Port int

	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration

	// ResetOnLogon/Logout/Disconnect independently control whether
	// next_out/next_in reset to 1 on the corresponding transition. Spec §9
	// resolves these as independent flags rather than a single
	// reset_seq_num_flag tied only to Logon.
	ResetOnLogon      bool
	ResetOnLogout     bool
	ResetOnDisconnect bool

	// PersistMessages controls whether application messages are written to
	// the store for later resend. Admin messages are never persisted
	// regardless of this flag.
	PersistMessages bool

	// Password/NewPassword populate Logon tags 554/925 when set. Loaded at
	// runtime from internal/credstore, never stored in Config on disk.
	Password    string
	NewPassword string
}

// Validate checks a Config for the malformed-configuration conditions
// ConfigError covers.
func (c Config) Validate() error {
	if c.Key.BeginString == "" || c.Key.SenderCompID == "" || c.Key.TargetCompID == "" {
		return &ConfigError{Err: errInvalidKey}
	}
	if c.Role == Initiator && (c.Host == "" || c.Port <= 0) {
		return &ConfigError{Err: errMissingHostPort}
	}
	if c.HeartbeatInterval <= 0 {
		return &ConfigError{Err: errBadHeartbeat}
	}
	return nil
}
