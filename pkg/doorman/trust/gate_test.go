package trust

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"
)

// memorySink collects counter increments and audit events for assertions.
type memorySink struct {
	mu       sync.Mutex
	counters map[string]int
	events   []string
}

func newMemorySink() *memorySink {
	return &memorySink{counters: make(map[string]int)}
}

func (m *memorySink) IncrementDaily(channel, field string, amount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[channel+"/"+field] += amount
}

func (m *memorySink) Record(eventType, channel string, payload map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventType)
}

func (m *memorySink) counter(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key]
}

func (m *memorySink) eventCount(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e == eventType {
			n++
		}
	}
	return n
}

func newTestGate(t *testing.T, cfg GateConfig) (*Gate, *Store, *memorySink) {
	t.Helper()
	store := newTestStore(t, 0)
	sink := newMemorySink()
	gate := NewGate(store, NewTracker(), sink, sink, cfg, nil)
	return gate, store, sink
}

func TestGateDecide(t *testing.T) {
	ctx := context.Background()
	sender := Sender{Channel: "telegram", ID: "7"}

	t.Run("allowed sender is forwarded", func(t *testing.T) {
		gate, store, sink := newTestGate(t, GateConfig{})
		if err := store.Approve(ctx, sender); err != nil {
			t.Fatal(err)
		}

		d, err := gate.Decide(ctx, sender, "alice", "hello there")
		if err != nil {
			t.Fatal(err)
		}
		if !d.Forward || d.Text != "hello there" {
			t.Fatalf("decision = %+v, want forward with text", d)
		}
		if sink.eventCount(EventMessageIn) != 1 {
			t.Fatal("message_in event not recorded")
		}

		entry, _ := store.GetAllowed(ctx, sender)
		if entry.MessageCount != 1 {
			t.Fatalf("message_count = %d, want 1", entry.MessageCount)
		}
	})

	t.Run("blocked sender is silently dropped", func(t *testing.T) {
		gate, store, sink := newTestGate(t, GateConfig{})
		if err := store.Block(ctx, sender, "manual"); err != nil {
			t.Fatal(err)
		}

		d, err := gate.Decide(ctx, sender, "", "hi")
		if err != nil {
			t.Fatal(err)
		}
		if d.Forward {
			t.Fatal("blocked sender was forwarded")
		}
		// No events, no counters, no metadata updates for blocked senders.
		if len(sink.events) != 0 {
			t.Fatalf("events for blocked sender = %v, want none", sink.events)
		}
		if sink.counter("telegram/"+CounterBlockedMessages) != 0 {
			t.Fatal("blocked counter incremented on drop")
		}
	})

	t.Run("unknown sender lands in pending and is dropped", func(t *testing.T) {
		gate, store, sink := newTestGate(t, GateConfig{})

		d, err := gate.Decide(ctx, sender, "stranger", "let me in")
		if err != nil {
			t.Fatal(err)
		}
		if d.Forward || d.AutoBlocked {
			t.Fatalf("decision = %+v, want silent drop", d)
		}
		if sink.counter("telegram/"+CounterUnknownMessages) != 1 {
			t.Fatal("unknown counter not incremented")
		}
		if sink.eventCount(EventUnknownMessage) != 1 {
			t.Fatal("unknown_message event not recorded")
		}

		pending, _ := store.ListPending(ctx, sender.Channel, 10)
		if len(pending) != 1 || pending[0].Username != "stranger" {
			t.Fatalf("pending = %+v, want one entry for stranger", pending)
		}
	})

	t.Run("third message in window auto-blocks", func(t *testing.T) {
		gate, store, sink := newTestGate(t, GateConfig{Window: 10 * time.Minute, Threshold: 3})

		for i := 0; i < 2; i++ {
			d, err := gate.Decide(ctx, sender, "", "spam")
			if err != nil {
				t.Fatal(err)
			}
			if d.AutoBlocked {
				t.Fatalf("auto-blocked on message %d", i+1)
			}
		}

		d, err := gate.Decide(ctx, sender, "", "spam")
		if err != nil {
			t.Fatal(err)
		}
		if !d.AutoBlocked {
			t.Fatal("third message did not auto-block")
		}

		blocked, _ := store.GetBlocked(ctx, sender)
		if blocked == nil || blocked.Reason != ReasonUnknownSpam {
			t.Fatalf("blocked entry = %+v, want reason %s", blocked, ReasonUnknownSpam)
		}
		if sink.eventCount(EventAutoBlock) != 1 {
			t.Fatal("auto_block event not recorded")
		}
		if sink.counter("telegram/"+CounterBlockedMessages) != 1 {
			t.Fatal("blocked counter not incremented on auto-block")
		}
		// The blocking message also counted as unknown.
		if sink.counter("telegram/"+CounterUnknownMessages) != 3 {
			t.Fatalf("unknown counter = %d, want 3", sink.counter("telegram/"+CounterUnknownMessages))
		}

		// Follow-up messages hit the blocked path with no further events.
		before := len(sink.events)
		if _, err := gate.Decide(ctx, sender, "", "hello?"); err != nil {
			t.Fatal(err)
		}
		if len(sink.events) != before {
			t.Fatal("blocked follow-up recorded events")
		}
	})

	t.Run("slow sender never trips the block", func(t *testing.T) {
		gate, _, _ := newTestGate(t, GateConfig{Window: 10 * time.Minute, Threshold: 3})
		now, advance := fakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
		gate.tracker.now = now

		for i := 0; i < 5; i++ {
			d, err := gate.Decide(ctx, sender, "", "ping")
			if err != nil {
				t.Fatal(err)
			}
			if d.AutoBlocked {
				t.Fatalf("auto-blocked on spaced message %d", i+1)
			}
			advance(15 * time.Minute)
		}
	})

	t.Run("approval resets nothing by itself but gate forwards", func(t *testing.T) {
		gate, store, _ := newTestGate(t, GateConfig{})
		if _, err := gate.Decide(ctx, sender, "eve", "hi"); err != nil {
			t.Fatal(err)
		}
		if err := store.Approve(ctx, sender); err != nil {
			t.Fatal(err)
		}
		d, err := gate.Decide(ctx, sender, "eve", "hi again")
		if err != nil {
			t.Fatal(err)
		}
		if !d.Forward {
			t.Fatal("approved sender not forwarded")
		}
	})
}

func TestGateConfigNormalize(t *testing.T) {
	tests := []struct {
		name          string
		in            GateConfig
		wantWindow    time.Duration
		wantThreshold int
	}{
		{"zero takes defaults", GateConfig{}, DefaultWindow, DefaultThreshold},
		{"negative window coerced to default", GateConfig{Window: -time.Minute, Threshold: 5}, DefaultWindow, 5},
		{"sub-minute window floored", GateConfig{Window: time.Second, Threshold: 5}, time.Minute, 5},
		{"negative threshold coerced to one", GateConfig{Window: time.Hour, Threshold: -2}, time.Hour, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.normalize()
			if got.Window != tt.wantWindow || got.Threshold != tt.wantThreshold {
				t.Fatalf("normalize() = %v/%d, want %v/%d",
					got.Window, got.Threshold, tt.wantWindow, tt.wantThreshold)
			}
		})
	}
}

func TestSanitizeText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text unchanged", "hello", "hello"},
		{"keeps newlines and tabs", "a\nb\tc", "a\nb\tc"},
		{"strips control characters", "a\x00b\x1bc", "abc"},
		{"trims whitespace", "  hi  ", "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeText(tt.in); got != tt.want {
				t.Fatalf("sanitizeText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	t.Run("caps length", func(t *testing.T) {
		long := make([]byte, maxForwardLen+100)
		for i := range long {
			long[i] = 'x'
		}
		if got := sanitizeText(string(long)); len(got) != maxForwardLen {
			t.Fatalf("len = %d, want %d", len(got), maxForwardLen)
		}
	})

	t.Run("cap lands on a rune boundary", func(t *testing.T) {
		// 3-byte runes that do not divide the cap evenly.
		long := strings.Repeat("世", maxForwardLen/3+10)
		got := sanitizeText(long)
		if !utf8.ValidString(got) {
			t.Fatal("truncated text is not valid UTF-8")
		}
		if len(got) > maxForwardLen {
			t.Fatalf("len = %d, over the cap", len(got))
		}
	})
}
