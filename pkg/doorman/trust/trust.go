// Package trust implements the cross-channel inbound trust gate: the
// persistent per-sender classification store (allowed / pending / blocked),
// the in-memory sliding-window violation tracker, and the admission gate
// that decides, per inbound message, whether the sender may reach the
// assistant.
//
// Default policy: deny — unknown senders are silently ignored, and repeat
// offenders within the violation window are blocked automatically.
package trust

import (
	"fmt"
	"time"
)

// Sender identifies one account on one chat platform. Channel namespaces
// are disjoint: the same platform-native ID on two channels is two senders.
type Sender struct {
	Channel string
	ID      string
}

// Key returns the map key used by the violation tracker.
func (s Sender) Key() string { return s.Channel + ":" + s.ID }

func (s Sender) String() string { return s.Key() }

// StoreError wraps a persistence failure. Store errors are never retried
// internally; retry policy belongs to the caller.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("trust store: %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

// storeErr wraps err as a StoreError, passing nil through.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// AllowedEntry is a sender approved by the operator.
type AllowedEntry struct {
	SenderID     string    `json:"sender_id"`
	Label        string    `json:"label,omitempty"`
	AddedAt      time.Time `json:"added_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	MessageCount int64     `json:"message_count"`
}

// PendingEntry is an unclassified sender awaiting operator action.
type PendingEntry struct {
	SenderID    string    `json:"sender_id"`
	Username    string    `json:"username,omitempty"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	Count       int64     `json:"count"`
}

// BlockedEntry is a sender the bot will never answer.
type BlockedEntry struct {
	SenderID   string     `json:"sender_id"`
	Reason     string     `json:"reason"`
	BlockedAt  time.Time  `json:"blocked_at"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	Count      int64      `json:"count"`
}

// ReasonUnknownSpam is the reason recorded on automatic blocks.
const ReasonUnknownSpam = "unknown_spam"
