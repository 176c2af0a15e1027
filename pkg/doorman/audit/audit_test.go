package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/doorman-ai/doorman/pkg/doorman/storage"
)

func newTestLogger(t *testing.T, retentionDays int) *Logger {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	l := New(db, retentionDays, nil)
	t.Cleanup(l.Close)
	return l
}

func TestRecordAndRecent(t *testing.T) {
	l := newTestLogger(t, 30)
	// Relative to the wall clock so the startup prune never touches these.
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		stamp := base.Add(time.Duration(i) * time.Minute)
		l.now = func() time.Time { return stamp }
		l.Record("unknown_message", "telegram", map[string]any{"sender_id": "42"})
	}

	events, err := l.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	// Newest first.
	if !events[0].CreatedAt.After(events[2].CreatedAt) {
		t.Fatalf("events not newest-first: %v then %v", events[0].CreatedAt, events[2].CreatedAt)
	}
	if events[0].Type != "unknown_message" || events[0].Channel != "telegram" {
		t.Fatalf("event = %+v", events[0])
	}
	if events[0].Payload["sender_id"] != "42" {
		t.Fatalf("payload = %v, want sender_id 42", events[0].Payload)
	}
}

func TestRecentLimit(t *testing.T) {
	l := newTestLogger(t, 30)
	for i := 0; i < 5; i++ {
		l.Record("message_in", "discord", nil)
	}
	events, err := l.Recent(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
}

func TestIncrementDaily(t *testing.T) {
	l := newTestLogger(t, 30)
	day := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return day }

	l.IncrementDaily("telegram", "unknown_msg_count", 1)
	l.IncrementDaily("telegram", "unknown_msg_count", 2)
	l.IncrementDaily("discord", "unknown_msg_count", 1)
	l.IncrementDaily("telegram", "blocked_msg_count", 1)

	counts, err := l.DailySnapshot("2026-03-01")
	if err != nil {
		t.Fatal(err)
	}
	got := make(map[string]int64)
	for _, c := range counts {
		got[c.Channel+"/"+c.Field] = c.Count
	}
	if got["telegram/unknown_msg_count"] != 3 {
		t.Fatalf("telegram unknown = %d, want 3", got["telegram/unknown_msg_count"])
	}
	if got["discord/unknown_msg_count"] != 1 {
		t.Fatalf("discord unknown = %d, want 1", got["discord/unknown_msg_count"])
	}
	if got["telegram/blocked_msg_count"] != 1 {
		t.Fatalf("telegram blocked = %d, want 1", got["telegram/blocked_msg_count"])
	}

	// Counters roll over at the UTC day boundary.
	l.now = func() time.Time { return day.Add(24 * time.Hour) }
	l.IncrementDaily("telegram", "unknown_msg_count", 1)

	next, err := l.DailySnapshot("2026-03-02")
	if err != nil {
		t.Fatal(err)
	}
	if len(next) != 1 || next[0].Count != 1 {
		t.Fatalf("next day snapshot = %+v, want one count of 1", next)
	}
}

func TestPrune(t *testing.T) {
	l := newTestLogger(t, 7)
	now := time.Now().UTC()

	old := now.AddDate(0, 0, -10)
	l.now = func() time.Time { return old }
	l.Record("unknown_message", "telegram", nil)

	l.now = func() time.Time { return now }
	l.Record("message_in", "telegram", nil)

	l.prune()

	events, err := l.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events after prune = %d, want 1", len(events))
	}
	if events[0].Type != "message_in" {
		t.Fatalf("surviving event = %s, want message_in", events[0].Type)
	}
}
