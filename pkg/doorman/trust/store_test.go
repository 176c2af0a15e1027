package trust

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/doorman-ai/doorman/pkg/doorman/storage"
)

func newTestStore(t *testing.T, pendingCap int) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "trust.db"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db, pendingCap, nil)
}

func TestStoreClassification(t *testing.T) {
	ctx := context.Background()
	sender := Sender{Channel: "telegram", ID: "1001"}

	t.Run("unknown sender is neither allowed nor blocked", func(t *testing.T) {
		s := newTestStore(t, 0)
		allowed, err := s.IsAllowed(ctx, sender)
		if err != nil || allowed {
			t.Fatalf("IsAllowed = %v, %v; want false, nil", allowed, err)
		}
		blocked, err := s.IsBlocked(ctx, sender)
		if err != nil || blocked {
			t.Fatalf("IsBlocked = %v, %v; want false, nil", blocked, err)
		}
	})

	t.Run("approve removes pending and blocked", func(t *testing.T) {
		s := newTestStore(t, 0)
		if _, err := s.RecordPending(ctx, sender, "alice"); err != nil {
			t.Fatal(err)
		}
		if err := s.Block(ctx, sender, "manual"); err != nil {
			t.Fatal(err)
		}
		if err := s.Approve(ctx, sender); err != nil {
			t.Fatal(err)
		}

		allowed, _ := s.IsAllowed(ctx, sender)
		blocked, _ := s.IsBlocked(ctx, sender)
		if !allowed || blocked {
			t.Fatalf("after approve: allowed=%v blocked=%v, want true/false", allowed, blocked)
		}
		pending, _ := s.ListPending(ctx, sender.Channel, 10)
		if len(pending) != 0 {
			t.Fatalf("pending entries after approve = %d, want 0", len(pending))
		}
	})

	t.Run("approve carries pending username into label", func(t *testing.T) {
		s := newTestStore(t, 0)
		if _, err := s.RecordPending(ctx, sender, "alice"); err != nil {
			t.Fatal(err)
		}
		if err := s.Approve(ctx, sender); err != nil {
			t.Fatal(err)
		}

		entry, err := s.GetAllowed(ctx, sender)
		if err != nil || entry == nil {
			t.Fatalf("GetAllowed = %v, %v", entry, err)
		}
		if entry.Label != "alice" {
			t.Fatalf("label = %q, want alice", entry.Label)
		}
	})

	t.Run("block removes pending and allowed", func(t *testing.T) {
		s := newTestStore(t, 0)
		if err := s.Approve(ctx, sender); err != nil {
			t.Fatal(err)
		}
		if err := s.Block(ctx, sender, "spam"); err != nil {
			t.Fatal(err)
		}

		allowed, _ := s.IsAllowed(ctx, sender)
		blocked, _ := s.IsBlocked(ctx, sender)
		if allowed || !blocked {
			t.Fatalf("after block: allowed=%v blocked=%v, want false/true", allowed, blocked)
		}
		entry, _ := s.GetBlocked(ctx, sender)
		if entry == nil || entry.Reason != "spam" {
			t.Fatalf("blocked entry = %+v, want reason spam", entry)
		}
	})

	t.Run("approve is idempotent and keeps added_at", func(t *testing.T) {
		s := newTestStore(t, 0)
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		s.now = func() time.Time { return base }

		if err := s.Approve(ctx, sender); err != nil {
			t.Fatal(err)
		}
		s.now = func() time.Time { return base.Add(time.Hour) }
		if err := s.Approve(ctx, sender); err != nil {
			t.Fatal(err)
		}

		entry, err := s.GetAllowed(ctx, sender)
		if err != nil || entry == nil {
			t.Fatalf("GetAllowed = %v, %v", entry, err)
		}
		if !entry.AddedAt.Equal(base) {
			t.Fatalf("added_at = %v, want %v", entry.AddedAt, base)
		}
		if !entry.LastSeenAt.Equal(base.Add(time.Hour)) {
			t.Fatalf("last_seen_at = %v, want %v", entry.LastSeenAt, base.Add(time.Hour))
		}
	})

	t.Run("restore only unblocks", func(t *testing.T) {
		s := newTestStore(t, 0)
		if err := s.Block(ctx, sender, "spam"); err != nil {
			t.Fatal(err)
		}
		if err := s.Restore(ctx, sender); err != nil {
			t.Fatal(err)
		}

		allowed, _ := s.IsAllowed(ctx, sender)
		blocked, _ := s.IsBlocked(ctx, sender)
		if allowed || blocked {
			t.Fatalf("after restore: allowed=%v blocked=%v, want false/false", allowed, blocked)
		}
	})

	t.Run("restore of never-blocked sender is a no-op", func(t *testing.T) {
		s := newTestStore(t, 0)
		if err := s.Restore(ctx, sender); err != nil {
			t.Fatalf("Restore = %v, want nil", err)
		}
	})
}

func TestStorePendingCap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 2)

	a := Sender{Channel: "telegram", ID: "1"}
	b := Sender{Channel: "telegram", ID: "2"}
	c := Sender{Channel: "telegram", ID: "3"}

	for _, sd := range []Sender{a, b} {
		recorded, err := s.RecordPending(ctx, sd, "")
		if err != nil || !recorded {
			t.Fatalf("RecordPending(%s) = %v, %v; want true, nil", sd.ID, recorded, err)
		}
	}

	// New sender at capacity: silently not recorded.
	recorded, err := s.RecordPending(ctx, c, "")
	if err != nil {
		t.Fatal(err)
	}
	if recorded {
		t.Fatal("new sender recorded above capacity")
	}

	// Existing senders still update at capacity.
	recorded, err = s.RecordPending(ctx, a, "alice")
	if err != nil || !recorded {
		t.Fatalf("update at capacity = %v, %v; want true, nil", recorded, err)
	}

	entries, err := s.ListPending(ctx, "telegram", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("pending entries = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.SenderID == "1" {
			if e.Count != 2 {
				t.Fatalf("sender 1 count = %d, want 2", e.Count)
			}
			if e.Username != "alice" {
				t.Fatalf("sender 1 username = %q, want alice", e.Username)
			}
		}
	}

	// Approving one frees a slot.
	if err := s.Approve(ctx, a); err != nil {
		t.Fatal(err)
	}
	recorded, err = s.RecordPending(ctx, c, "")
	if err != nil || !recorded {
		t.Fatalf("record after slot freed = %v, %v; want true, nil", recorded, err)
	}
}

func TestStoreTouchAllowed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)
	sender := Sender{Channel: "whatsapp", ID: "5511999999999@s.whatsapp.net"}

	if err := s.Approve(ctx, sender); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := s.TouchAllowed(ctx, sender, "Bob"); err != nil {
			t.Fatal(err)
		}
	}

	entry, err := s.GetAllowed(ctx, sender)
	if err != nil || entry == nil {
		t.Fatalf("GetAllowed = %v, %v", entry, err)
	}
	if entry.MessageCount != 5 {
		t.Fatalf("message_count = %d, want 5", entry.MessageCount)
	}
	if entry.Label != "Bob" {
		t.Fatalf("label = %q, want Bob", entry.Label)
	}

	// An existing label is never overwritten by later display names.
	if err := s.TouchAllowed(ctx, sender, "Robert"); err != nil {
		t.Fatal(err)
	}
	entry, _ = s.GetAllowed(ctx, sender)
	if entry.Label != "Bob" {
		t.Fatalf("label after rename = %q, want Bob", entry.Label)
	}
}

func TestStoreChannelsAreDisjoint(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	tg := Sender{Channel: "telegram", ID: "42"}
	dc := Sender{Channel: "discord", ID: "42"}

	if err := s.Approve(ctx, tg); err != nil {
		t.Fatal(err)
	}
	allowed, _ := s.IsAllowed(ctx, dc)
	if allowed {
		t.Fatal("approval leaked across channels")
	}
}
