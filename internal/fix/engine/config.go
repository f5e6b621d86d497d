package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/n1/fixengine/internal/fix/session"
	"github.com/n1/fixengine/internal/fix/store"
)

// jsonSessionConfig is the on-disk shape of one entry in the sessions
// configuration file: a human-readable name mapped to a session definition.
// Durations are plain seconds.
type jsonSessionConfig struct {
	Role                 string `json:"role"`
	BeginString          string `json:"begin_string"`
	SenderCompID         string `json:"sender_comp_id"`
	TargetCompID         string `json:"target_comp_id"`
	Host                 string `json:"host"`
	Port                 int    `json:"port"`
	HeartbeatInterval    int    `json:"heartbeat_interval"`
	ReconnectInterval    int    `json:"reconnect_interval"`
	ResetOnLogon         bool   `json:"reset_on_logon"`
	ResetOnLogout        bool   `json:"reset_on_logout"`
	ResetOnDisconnect    bool   `json:"reset_on_disconnect"`
	PersistMessages      bool   `json:"persist_messages"`
	DataDictionaryVersion string `json:"data_dictionary_version"`
}

// NamedConfig pairs a configuration entry's human-readable name with the
// session.Config parsed from it.
type NamedConfig struct {
	Name string
	Cfg  session.Config
}

// LoadConfigs parses a JSON object of {name: SessionConfig} from r into one
// session.Config per entry. Credentials (Password/NewPassword) are not read
// from this file — the engine loads them separately from internal/credstore.
func LoadConfigs(r io.Reader) ([]NamedConfig, error) {
	var raw map[string]jsonSessionConfig
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, &session.ConfigError{Err: fmt.Errorf("malformed session config JSON: %w", err)}
	}

	out := make([]NamedConfig, 0, len(raw))
	for name, jc := range raw {
		role := session.Initiator
		switch jc.Role {
		case "initiator", "":
			role = session.Initiator
		case "acceptor":
			role = session.Acceptor
		default:
			return nil, &session.ConfigError{Err: fmt.Errorf("session %q: unknown role %q", name, jc.Role)}
		}
		if jc.HeartbeatInterval <= 0 {
			return nil, &session.ConfigError{Err: fmt.Errorf("session %q: heartbeat_interval must be positive", name)}
		}
		reconnect := jc.ReconnectInterval
		if reconnect <= 0 {
			reconnect = 10
		}
		cfg := session.Config{
			Key: store.SessionKey{
				BeginString:  jc.BeginString,
				SenderCompID: jc.SenderCompID,
				TargetCompID: jc.TargetCompID,
			},
			Role:              role,
			Host:              jc.Host,
			Port:              jc.Port,
			HeartbeatInterval: time.Duration(jc.HeartbeatInterval) * time.Second,
			ReconnectInterval: time.Duration(reconnect) * time.Second,
			ResetOnLogon:      jc.ResetOnLogon,
			ResetOnLogout:     jc.ResetOnLogout,
			ResetOnDisconnect: jc.ResetOnDisconnect,
			PersistMessages:   jc.PersistMessages,
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		out = append(out, NamedConfig{Name: name, Cfg: cfg})
	}
	return out, nil
}
