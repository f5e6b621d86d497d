// Package store implements the FIX engine's Message Store: durable,
// crash-tolerant persistence of each session's sequence-number pair and its
// outbound application messages, for resend reproduction after a restart.
package store

import (
	"errors"
	"fmt"
)

// SessionKey uniquely identifies a conversation. It is a plain comparable
// struct, never a pointer, so a caller can never hold a stale reference into
// engine-owned state — looking a session up is always a value comparison
// against this key.
type SessionKey struct {
	BeginString  string
	SenderCompID string
	TargetCompID string
}

// String renders the key as it appears on disk and in log lines.
func (k SessionKey) String() string {
	return fmt.Sprintf("%s-%s-%s", k.BeginString, k.SenderCompID, k.TargetCompID)
}

// ErrUnknownSession is returned by operations against a SessionKey the
// store has never seen.
var ErrUnknownSession = errors.New("store: unknown session")

// Record is one stored outbound application message. Present is false for
// sequence numbers that exist in the range but were never persisted
// (because the original message was an admin message, or persist_messages
// was disabled) — the caller must gap-fill those.
type Record struct {
	Seq     int
	Bytes   []byte
	Present bool
}

// Store is the durable Message Store contract: persisted sequence counters
// and the raw outbound application frames, kept until Reset, keyed by
// SessionKey.
type Store interface {
	// Load returns the persisted sequence counters for key, or (1, 1) if
	// the session has never been seen.
	Load(key SessionKey) (nextOut, nextIn int, err error)

	// SaveSeqs atomically persists both counters and fsyncs before
	// returning, so the caller may safely advance in-memory state only
	// after this returns nil.
	SaveSeqs(key SessionKey, nextOut, nextIn int) error

	// Put stores an outbound application message's raw encoded bytes
	// under seq. Admin messages must never be passed here.
	Put(key SessionKey, seq int, raw []byte) error

	// GetRange returns one Record per sequence number in [begin, end],
	// in order, with Present=false where no message was stored.
	GetRange(key SessionKey, begin, end int) ([]Record, error)

	// Reset discards all records for key and resets both counters to 1.
	Reset(key SessionKey) error

	// Close releases underlying resources.
	Close() error
}
