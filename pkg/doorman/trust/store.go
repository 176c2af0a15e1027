// store.go persists the per-sender classifications in SQLite. A sender is
// in at most one of {allowed, blocked}; pending is an overlay that is
// cleared whenever either classification is established.
package trust

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// DefaultPendingCap is the maximum number of distinct unclassified senders
// tracked per store. Once at capacity, new senders are silently not recorded.
const DefaultPendingCap = 500

// Store is the persistent trust classification store. It is safe for
// concurrent use from multiple channel workers; the underlying *sql.DB
// serializes writes.
type Store struct {
	db     *sql.DB
	cap    int
	logger *slog.Logger

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// NewStore creates a Store on the given database. pendingCap ≤ 0 selects
// DefaultPendingCap.
func NewStore(db *sql.DB, pendingCap int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if pendingCap <= 0 {
		pendingCap = DefaultPendingCap
	}
	return &Store{
		db:     db,
		cap:    pendingCap,
		logger: logger.With("component", "trust"),
		now:    time.Now,
	}
}

// PendingCap returns the configured pending capacity.
func (s *Store) PendingCap() int { return s.cap }

// IsAllowed reports whether the sender has an allowed entry.
func (s *Store) IsAllowed(ctx context.Context, sender Sender) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM allowed_users WHERE channel = ? AND sender_id = ?`,
		sender.Channel, sender.ID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, storeErr("is allowed", err)
	}
	return true, nil
}

// IsBlocked reports whether the sender has a blocked entry.
func (s *Store) IsBlocked(ctx context.Context, sender Sender) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM blocked_users WHERE channel = ? AND sender_id = ?`,
		sender.Channel, sender.ID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, storeErr("is blocked", err)
	}
	return true, nil
}

// RecordPending inserts or updates the pending entry for an unclassified
// sender. The capacity check applies only to NEW senders: existing entries
// always update. Returns false when a new sender was dropped at capacity.
func (s *Store) RecordPending(ctx context.Context, sender Sender, username string) (bool, error) {
	nowStr := s.now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storeErr("record pending", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM pending_users WHERE channel = ? AND sender_id = ?`,
		sender.Channel, sender.ID).Scan(&exists)
	switch {
	case err == sql.ErrNoRows:
		var total int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM pending_users`).Scan(&total); err != nil {
			return false, storeErr("record pending", err)
		}
		if total >= s.cap {
			// At capacity: new senders are silently not recorded.
			s.logger.Debug("pending list at capacity, dropping new sender",
				"sender", sender.Key(), "cap", s.cap)
			return false, nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pending_users (channel, sender_id, username, first_seen_at, last_seen_at, count)
			 VALUES (?, ?, ?, ?, ?, 1)`,
			sender.Channel, sender.ID, username, nowStr, nowStr); err != nil {
			return false, storeErr("record pending", err)
		}
	case err != nil:
		return false, storeErr("record pending", err)
	default:
		set := `UPDATE pending_users SET count = count + 1, last_seen_at = ?`
		args := []any{nowStr}
		if username != "" {
			set += `, username = ?`
			args = append(args, username)
		}
		args = append(args, sender.Channel, sender.ID)
		if _, err := tx.ExecContext(ctx, set+` WHERE channel = ? AND sender_id = ?`, args...); err != nil {
			return false, storeErr("record pending", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, storeErr("record pending", err)
	}
	return true, nil
}

// TouchAllowed refreshes the allowed entry's metadata and increments its
// message counter. Called once per admitted message.
func (s *Store) TouchAllowed(ctx context.Context, sender Sender, displayName string) error {
	nowStr := s.now().UTC().Format(time.RFC3339Nano)
	set := `UPDATE allowed_users SET message_count = message_count + 1, last_seen_at = ?`
	args := []any{nowStr}
	if displayName != "" {
		set += `, label = CASE WHEN label = '' THEN ? ELSE label END`
		args = append(args, displayName)
	}
	args = append(args, sender.Channel, sender.ID)
	_, err := s.db.ExecContext(ctx, set+` WHERE channel = ? AND sender_id = ?`, args...)
	return storeErr("touch allowed", err)
}

// Approve moves the sender into the allowed set: the pending and blocked
// entries are removed in the same transaction, and an existing allowed
// entry keeps its added_at. The pending username (if any) is carried into
// the allowed label when no label is set yet.
func (s *Store) Approve(ctx context.Context, sender Sender) error {
	nowStr := s.now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("approve", err)
	}
	defer tx.Rollback()

	var label string
	_ = tx.QueryRowContext(ctx,
		`SELECT username FROM pending_users WHERE channel = ? AND sender_id = ?`,
		sender.Channel, sender.ID).Scan(&label)

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_users WHERE channel = ? AND sender_id = ?`,
		sender.Channel, sender.ID); err != nil {
		return storeErr("approve", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM blocked_users WHERE channel = ? AND sender_id = ?`,
		sender.Channel, sender.ID); err != nil {
		return storeErr("approve", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO allowed_users (channel, sender_id, label, added_at, last_seen_at, message_count)
		 VALUES (?, ?, ?, ?, ?, 0)
		 ON CONFLICT (channel, sender_id) DO UPDATE SET
		   last_seen_at = excluded.last_seen_at,
		   label = CASE WHEN allowed_users.label = '' THEN excluded.label ELSE allowed_users.label END`,
		sender.Channel, sender.ID, label, nowStr, nowStr); err != nil {
		return storeErr("approve", err)
	}

	return storeErr("approve", tx.Commit())
}

// Block moves the sender into the blocked set, removing any pending or
// allowed entry in the same transaction. Re-blocking refreshes the reason
// and blocked_at.
func (s *Store) Block(ctx context.Context, sender Sender, reason string) error {
	nowStr := s.now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("block", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_users WHERE channel = ? AND sender_id = ?`,
		sender.Channel, sender.ID); err != nil {
		return storeErr("block", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM allowed_users WHERE channel = ? AND sender_id = ?`,
		sender.Channel, sender.ID); err != nil {
		return storeErr("block", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO blocked_users (channel, sender_id, reason, blocked_at, last_seen_at, count)
		 VALUES (?, ?, ?, ?, ?, 0)
		 ON CONFLICT (channel, sender_id) DO UPDATE SET
		   reason = excluded.reason,
		   blocked_at = excluded.blocked_at,
		   last_seen_at = excluded.last_seen_at`,
		sender.Channel, sender.ID, reason, nowStr, nowStr); err != nil {
		return storeErr("block", err)
	}

	return storeErr("block", tx.Commit())
}

// Restore removes the blocked entry only. The sender reverts to
// unclassified: un-blocking is not the same as re-approving.
func (s *Store) Restore(ctx context.Context, sender Sender) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM blocked_users WHERE channel = ? AND sender_id = ?`,
		sender.Channel, sender.ID)
	return storeErr("restore", err)
}

// PendingCount returns the number of distinct pending senders across all
// channels (the capped quantity).
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_users`).Scan(&n)
	return n, storeErr("pending count", err)
}

// ListAllowed returns up to limit allowed entries for a channel, most
// recently seen first.
func (s *Store) ListAllowed(ctx context.Context, channel string, limit int) ([]AllowedEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sender_id, label, added_at, last_seen_at, message_count
		 FROM allowed_users WHERE channel = ?
		 ORDER BY last_seen_at DESC LIMIT ?`, channel, clampLimit(limit))
	if err != nil {
		return nil, storeErr("list allowed", err)
	}
	defer rows.Close()

	var out []AllowedEntry
	for rows.Next() {
		var e AllowedEntry
		var added, seen string
		if err := rows.Scan(&e.SenderID, &e.Label, &added, &seen, &e.MessageCount); err != nil {
			return nil, storeErr("list allowed", err)
		}
		e.AddedAt = parseTime(added)
		e.LastSeenAt = parseTime(seen)
		out = append(out, e)
	}
	return out, storeErr("list allowed", rows.Err())
}

// ListPending returns up to limit pending entries for a channel, most
// recently seen first.
func (s *Store) ListPending(ctx context.Context, channel string, limit int) ([]PendingEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sender_id, username, first_seen_at, last_seen_at, count
		 FROM pending_users WHERE channel = ?
		 ORDER BY last_seen_at DESC LIMIT ?`, channel, clampLimit(limit))
	if err != nil {
		return nil, storeErr("list pending", err)
	}
	defer rows.Close()

	var out []PendingEntry
	for rows.Next() {
		var e PendingEntry
		var first, seen string
		if err := rows.Scan(&e.SenderID, &e.Username, &first, &seen, &e.Count); err != nil {
			return nil, storeErr("list pending", err)
		}
		e.FirstSeenAt = parseTime(first)
		e.LastSeenAt = parseTime(seen)
		out = append(out, e)
	}
	return out, storeErr("list pending", rows.Err())
}

// ListBlocked returns up to limit blocked entries for a channel, most
// recently blocked first.
func (s *Store) ListBlocked(ctx context.Context, channel string, limit int) ([]BlockedEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sender_id, reason, blocked_at, last_seen_at, count
		 FROM blocked_users WHERE channel = ?
		 ORDER BY blocked_at DESC LIMIT ?`, channel, clampLimit(limit))
	if err != nil {
		return nil, storeErr("list blocked", err)
	}
	defer rows.Close()

	var out []BlockedEntry
	for rows.Next() {
		var e BlockedEntry
		var blocked string
		var seen sql.NullString
		if err := rows.Scan(&e.SenderID, &e.Reason, &blocked, &seen, &e.Count); err != nil {
			return nil, storeErr("list blocked", err)
		}
		e.BlockedAt = parseTime(blocked)
		if seen.Valid && seen.String != "" {
			t := parseTime(seen.String)
			e.LastSeenAt = &t
		}
		out = append(out, e)
	}
	return out, storeErr("list blocked", rows.Err())
}

// GetAllowed returns the allowed entry for a sender, or nil when absent.
func (s *Store) GetAllowed(ctx context.Context, sender Sender) (*AllowedEntry, error) {
	var e AllowedEntry
	var added, seen string
	err := s.db.QueryRowContext(ctx,
		`SELECT sender_id, label, added_at, last_seen_at, message_count
		 FROM allowed_users WHERE channel = ? AND sender_id = ?`,
		sender.Channel, sender.ID).Scan(&e.SenderID, &e.Label, &added, &seen, &e.MessageCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get allowed", err)
	}
	e.AddedAt = parseTime(added)
	e.LastSeenAt = parseTime(seen)
	return &e, nil
}

// GetBlocked returns the blocked entry for a sender, or nil when absent.
func (s *Store) GetBlocked(ctx context.Context, sender Sender) (*BlockedEntry, error) {
	var e BlockedEntry
	var blocked string
	var seen sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT sender_id, reason, blocked_at, last_seen_at, count
		 FROM blocked_users WHERE channel = ? AND sender_id = ?`,
		sender.Channel, sender.ID).Scan(&e.SenderID, &e.Reason, &blocked, &seen, &e.Count)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get blocked", err)
	}
	e.BlockedAt = parseTime(blocked)
	if seen.Valid && seen.String != "" {
		t := parseTime(seen.String)
		e.LastSeenAt = &t
	}
	return &e, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 1000
	}
	return limit
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
