// gate.go combines the store and the tracker into the per-message
// admission decision. The gate never replies to a sender it drops:
// blocked and unclassified senders receive silence, so trust state is
// not leaked to a potential attacker.
package trust

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Daily counter fields maintained by the gate.
const (
	CounterUnknownMessages = "unknown_msg_count"
	CounterBlockedMessages = "blocked_msg_count"
)

// Audit event types emitted by the gate.
const (
	EventUnknownMessage = "unknown_message"
	EventAutoBlock      = "auto_block_unknown_spam"
	EventMessageIn      = "message_in"
)

// CounterSink receives daily counter increments. Implemented by the audit
// logger; a no-op in tests.
type CounterSink interface {
	IncrementDaily(channel, field string, amount int)
}

// EventSink receives audit events.
type EventSink interface {
	Record(eventType, channel string, payload map[string]any)
}

// GateConfig tunes the auto-block heuristic.
type GateConfig struct {
	// Window is the sliding interval over which unclassified-sender
	// messages accumulate. Defaults to 10 minutes.
	Window time.Duration

	// Threshold is the in-window violation count that triggers an
	// automatic block. Defaults to 3.
	Threshold int

	// CountCapacityDrops also counts messages from senders dropped at
	// pending capacity toward the daily unknown counter.
	CountCapacityDrops bool
}

// Defaults for the auto-block heuristic.
const (
	DefaultWindow    = 10 * time.Minute
	DefaultThreshold = 3
)

// normalize coerces misconfigured values to sane minimums.
func (c GateConfig) normalize() GateConfig {
	if c.Window < time.Minute {
		if c.Window <= 0 {
			c.Window = DefaultWindow
		} else {
			c.Window = time.Minute
		}
	}
	if c.Threshold < 1 {
		if c.Threshold == 0 {
			c.Threshold = DefaultThreshold
		} else {
			c.Threshold = 1
		}
	}
	return c
}

// Decision is the outcome of one admission check.
type Decision struct {
	// Forward is true when the message should reach the assistant.
	Forward bool

	// Text is the sanitized message text (set only when Forward).
	Text string

	// AutoBlocked is true when this message tripped the auto-block.
	AutoBlocked bool
}

// Gate is the admission decision function shared by every channel worker,
// so policy is identical across platforms.
type Gate struct {
	store    *Store
	tracker  *Tracker
	counters CounterSink
	events   EventSink
	cfg      GateConfig
	logger   *slog.Logger
}

// NewGate wires a gate from its collaborators. counters and events may be
// nil (side effects are skipped).
func NewGate(store *Store, tracker *Tracker, counters CounterSink, events EventSink, cfg GateConfig, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:    store,
		tracker:  tracker,
		counters: counters,
		events:   events,
		cfg:      cfg.normalize(),
		logger:   logger.With("component", "gate"),
	}
}

// Config returns the normalized gate configuration.
func (g *Gate) Config() GateConfig { return g.cfg }

// Decide classifies one inbound message. Store failures propagate to the
// caller; the worker records them without dying.
func (g *Gate) Decide(ctx context.Context, sender Sender, displayName, text string) (Decision, error) {
	blocked, err := g.store.IsBlocked(ctx, sender)
	if err != nil {
		return Decision{}, err
	}
	if blocked {
		// Silent drop, no metadata update.
		return Decision{}, nil
	}

	allowed, err := g.store.IsAllowed(ctx, sender)
	if err != nil {
		return Decision{}, err
	}
	if !allowed {
		return g.decideUnknown(ctx, sender, displayName)
	}

	if err := g.store.TouchAllowed(ctx, sender, displayName); err != nil {
		return Decision{}, err
	}
	g.record(EventMessageIn, sender, map[string]any{
		"sender_id": sender.ID,
	})
	return Decision{Forward: true, Text: sanitizeText(text)}, nil
}

// decideUnknown handles a message from an unclassified sender: track it
// as pending, count the violation, and auto-block at the threshold.
// Unknown senders never get a reply, even before the auto-block trips.
func (g *Gate) decideUnknown(ctx context.Context, sender Sender, displayName string) (Decision, error) {
	recorded, err := g.store.RecordPending(ctx, sender, displayName)
	if err != nil {
		return Decision{}, err
	}
	if recorded || g.cfg.CountCapacityDrops {
		g.count(sender.Channel, CounterUnknownMessages, 1)
	}
	g.record(EventUnknownMessage, sender, map[string]any{
		"sender_id": sender.ID,
		"username":  displayName,
	})

	violations := g.tracker.Add(sender, g.cfg.Window)
	if violations < g.cfg.Threshold {
		return Decision{}, nil
	}

	if err := g.store.Block(ctx, sender, ReasonUnknownSpam); err != nil {
		return Decision{}, err
	}
	g.count(sender.Channel, CounterBlockedMessages, 1)
	g.record(EventAutoBlock, sender, map[string]any{
		"sender_id":  sender.ID,
		"violations": violations,
		"window_ms":  g.cfg.Window.Milliseconds(),
		"threshold":  g.cfg.Threshold,
	})
	g.logger.Warn("auto-blocked unknown sender",
		"sender", sender.Key(),
		"violations", violations,
		"window", g.cfg.Window)

	return Decision{AutoBlocked: true}, nil
}

func (g *Gate) count(channel, field string, n int) {
	if g.counters != nil {
		g.counters.IncrementDaily(channel, field, n)
	}
}

func (g *Gate) record(eventType string, sender Sender, payload map[string]any) {
	if g.events != nil {
		g.events.Record(eventType, sender.Channel, payload)
	}
}

// maxForwardLen caps message text handed to the relay.
const maxForwardLen = 8000

// sanitizeText strips control characters (keeping newlines and tabs) and
// caps the length before the text reaches the relay.
func sanitizeText(text string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
	cleaned = strings.TrimSpace(cleaned)
	if len(cleaned) > maxForwardLen {
		cut := maxForwardLen
		// Never cut inside a multi-byte rune.
		for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
			cut--
		}
		cleaned = cleaned[:cut]
	}
	return cleaned
}
