// tracker.go counts violations (messages from unclassified senders)
// within a sliding time window. Entirely in-memory: counts reset on
// process restart, which is acceptable because the tracker only feeds
// the auto-block heuristic.
package trust

import (
	"sync"
	"time"
)

// Tracker is a per-sender sliding-window violation counter. Stale entries
// are pruned lazily on the next access for that sender; there is no
// background sweep. Safe for concurrent use.
type Tracker struct {
	mu   sync.Mutex
	hits map[string][]time.Time

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		hits: make(map[string][]time.Time),
		now:  time.Now,
	}
}

// Add records one violation for the sender and returns how many
// violations fall inside the window, including this one. O(k) per call
// where k is bounded by the auto-block threshold in practice.
func (t *Tracker) Add(sender Sender, window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	cutoff := now.Add(-window)

	recent := t.hits[sender.Key()][:0]
	for _, ts := range t.hits[sender.Key()] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	recent = append(recent, now)
	t.hits[sender.Key()] = recent

	return len(recent)
}

// Reset forgets all violations for the sender. Called on approval so a
// freshly approved sender does not carry stale violations if later
// un-approved.
func (t *Tracker) Reset(sender Sender) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.hits, sender.Key())
}

// Count returns the current in-window violation count without recording
// a new one.
func (t *Tracker) Count(sender Sender, window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-window)
	n := 0
	for _, ts := range t.hits[sender.Key()] {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
