// Package audit provides the SQLite-backed audit event log and the daily
// counters consumed by the admin API. Writes from the message path are
// best-effort: a failed audit write is logged and never propagates into
// the gate.
package audit

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// DefaultRetentionDays controls how long events are kept before the
// nightly prune removes them.
const DefaultRetentionDays = 30

// Event is one audit log row.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Channel   string         `json:"channel,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// DailyCount is one aggregated counter row.
type DailyCount struct {
	Day     string `json:"day"`
	Channel string `json:"channel"`
	Field   string `json:"field"`
	Count   int64  `json:"count"`
}

// Logger writes audit events and daily counters. It implements the
// trust.EventSink and trust.CounterSink interfaces.
type Logger struct {
	db        *sql.DB
	logger    *slog.Logger
	retention int
	cron      *cron.Cron

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// New creates an audit logger and starts the nightly retention job.
// retentionDays ≤ 0 selects DefaultRetentionDays.
func New(db *sql.DB, retentionDays int, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	l := &Logger{
		db:        db,
		logger:    logger.With("component", "audit"),
		retention: retentionDays,
		cron:      cron.New(),
		now:       time.Now,
	}
	// Nightly prune, plus one pass shortly after startup.
	_, _ = l.cron.AddFunc("@daily", l.prune)
	l.cron.Start()
	go l.prune()
	return l
}

// Record inserts one audit event. Best-effort: failures are logged, not
// returned, so the message path never stalls on audit writes.
func (l *Logger) Record(eventType, channel string, payload map[string]any) {
	body := "{}"
	if len(payload) > 0 {
		if data, err := json.Marshal(payload); err == nil {
			body = string(data)
		}
	}
	_, err := l.db.Exec(
		`INSERT INTO events (id, type, channel, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), eventType, channel, body,
		l.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		l.logger.Warn("failed to write audit event", "type", eventType, "err", err)
	}
}

// IncrementDaily bumps one daily counter field. Best-effort like Record.
func (l *Logger) IncrementDaily(channel, field string, amount int) {
	day := l.now().UTC().Format("2006-01-02")
	_, err := l.db.Exec(
		`INSERT INTO daily_counters (day, channel, field, count) VALUES (?, ?, ?, ?)
		 ON CONFLICT (day, channel, field) DO UPDATE SET count = count + excluded.count`,
		day, channel, field, amount)
	if err != nil {
		l.logger.Warn("failed to bump daily counter", "field", field, "err", err)
	}
}

// Recent returns the last n audit events, newest first.
func (l *Logger) Recent(n int) ([]Event, error) {
	if n <= 0 || n > 500 {
		n = 500
	}
	rows, err := l.db.Query(
		`SELECT id, type, channel, payload, created_at FROM events
		 ORDER BY created_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var payload, created string
		if err := rows.Scan(&e.ID, &e.Type, &e.Channel, &payload, &created); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(payload), &e.Payload)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DailySnapshot returns all counter rows for a day ("2006-01-02").
// An empty day selects today.
func (l *Logger) DailySnapshot(day string) ([]DailyCount, error) {
	if day == "" {
		day = l.now().UTC().Format("2006-01-02")
	}
	rows, err := l.db.Query(
		`SELECT day, channel, field, count FROM daily_counters
		 WHERE day = ? ORDER BY channel, field`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DailyCount
	for rows.Next() {
		var c DailyCount
		if err := rows.Scan(&c.Day, &c.Channel, &c.Field, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// prune deletes events older than the retention window.
func (l *Logger) prune() {
	cutoff := l.now().AddDate(0, 0, -l.retention).UTC().Format(time.RFC3339Nano)
	result, err := l.db.Exec(`DELETE FROM events WHERE created_at < ?`, cutoff)
	if err != nil {
		l.logger.Warn("audit prune failed", "err", err)
		return
	}
	if n, _ := result.RowsAffected(); n > 0 {
		l.logger.Info("audit log pruned", "removed", n)
	}
}

// Close stops the retention scheduler. The shared *sql.DB is closed at
// the application level.
func (l *Logger) Close() {
	if l.cron != nil {
		l.cron.Stop()
	}
}
