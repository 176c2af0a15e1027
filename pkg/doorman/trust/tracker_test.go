package trust

import (
	"testing"
	"time"
)

// fakeClock returns a controllable now() and an advance function.
func fakeClock(start time.Time) (func() time.Time, func(d time.Duration)) {
	current := start
	return func() time.Time { return current },
		func(d time.Duration) { current = current.Add(d) }
}

func TestTrackerSlidingWindow(t *testing.T) {
	sender := Sender{Channel: "telegram", ID: "42"}
	window := 10 * time.Minute

	t.Run("accumulates inside window", func(t *testing.T) {
		tr := NewTracker()
		now, advance := fakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
		tr.now = now

		if got := tr.Add(sender, window); got != 1 {
			t.Fatalf("first add = %d, want 1", got)
		}
		advance(time.Minute)
		if got := tr.Add(sender, window); got != 2 {
			t.Fatalf("second add = %d, want 2", got)
		}
		advance(time.Minute)
		if got := tr.Add(sender, window); got != 3 {
			t.Fatalf("third add = %d, want 3", got)
		}
	})

	t.Run("expires outside window", func(t *testing.T) {
		tr := NewTracker()
		now, advance := fakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
		tr.now = now

		tr.Add(sender, window)
		tr.Add(sender, window)
		advance(15 * time.Minute)
		if got := tr.Add(sender, window); got != 1 {
			t.Fatalf("add after expiry = %d, want 1", got)
		}
	})

	t.Run("boundary is exclusive", func(t *testing.T) {
		tr := NewTracker()
		now, advance := fakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
		tr.now = now

		tr.Add(sender, window)
		// Exactly the window later: the old hit is no longer "after" the
		// cutoff, so it does not count.
		advance(window)
		if got := tr.Add(sender, window); got != 1 {
			t.Fatalf("add at window edge = %d, want 1", got)
		}
	})

	t.Run("senders are independent", func(t *testing.T) {
		tr := NewTracker()
		other := Sender{Channel: "telegram", ID: "43"}
		sameIDOtherChannel := Sender{Channel: "discord", ID: "42"}

		tr.Add(sender, window)
		tr.Add(sender, window)
		if got := tr.Add(other, window); got != 1 {
			t.Fatalf("other sender add = %d, want 1", got)
		}
		if got := tr.Add(sameIDOtherChannel, window); got != 1 {
			t.Fatalf("same ID on other channel add = %d, want 1", got)
		}
	})

	t.Run("reset forgets history", func(t *testing.T) {
		tr := NewTracker()
		tr.Add(sender, window)
		tr.Add(sender, window)
		tr.Reset(sender)
		if got := tr.Count(sender, window); got != 0 {
			t.Fatalf("count after reset = %d, want 0", got)
		}
		if got := tr.Add(sender, window); got != 1 {
			t.Fatalf("add after reset = %d, want 1", got)
		}
	})

	t.Run("count does not record", func(t *testing.T) {
		tr := NewTracker()
		tr.Add(sender, window)
		tr.Count(sender, window)
		tr.Count(sender, window)
		if got := tr.Count(sender, window); got != 1 {
			t.Fatalf("count = %d, want 1", got)
		}
	})
}
