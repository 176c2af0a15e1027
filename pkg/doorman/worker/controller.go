package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/doorman-ai/doorman/pkg/doorman/audit"
	"github.com/doorman-ai/doorman/pkg/doorman/channels"
	"github.com/doorman-ai/doorman/pkg/doorman/trust"
)

// Controller events.
const (
	EventUserApproved  = "user_approved"
	EventUserBlocked   = "user_blocked"
	EventUserUnblocked = "user_unblocked"
)

// ErrUnknownChannel is returned when an operation names a channel that
// has no registered worker.
var ErrUnknownChannel = fmt.Errorf("unknown channel")

// Controller is the admin front door: trust list management and worker
// lifecycle in one place. The HTTP gateway and the CLI both talk to it.
type Controller struct {
	store   *trust.Store
	tracker *trust.Tracker
	audit   *audit.Logger
	logger  *slog.Logger

	mu      sync.RWMutex
	workers map[string]*Worker
}

// NewController builds a controller around the trust store.
func NewController(store *trust.Store, tracker *trust.Tracker, auditLog *audit.Logger, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:   store,
		tracker: tracker,
		audit:   auditLog,
		logger:  logger.With("component", "controller"),
		workers: make(map[string]*Worker),
	}
}

// Register adds a worker. Must be called before StartAll.
func (c *Controller) Register(w *Worker) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := w.Name()
	if _, exists := c.workers[name]; exists {
		return fmt.Errorf("worker %q already registered", name)
	}
	c.workers[name] = w
	return nil
}

// Approve moves a sender to the allowed list and clears any violation
// history, so a previously noisy sender starts clean.
func (c *Controller) Approve(ctx context.Context, sender trust.Sender) error {
	if err := validChannel(sender.Channel); err != nil {
		return err
	}
	if err := c.store.Approve(ctx, sender); err != nil {
		return err
	}
	c.tracker.Reset(sender)
	c.audit.Record(EventUserApproved, sender.Channel, map[string]any{
		"sender": sender.ID,
	})
	c.logger.Info("sender approved", "sender", sender.Key())
	return nil
}

// Block moves a sender to the blocked list.
func (c *Controller) Block(ctx context.Context, sender trust.Sender, reason string) error {
	if err := validChannel(sender.Channel); err != nil {
		return err
	}
	if reason == "" {
		reason = "manual"
	}
	if err := c.store.Block(ctx, sender, reason); err != nil {
		return err
	}
	c.audit.Record(EventUserBlocked, sender.Channel, map[string]any{
		"sender": sender.ID,
		"reason": reason,
	})
	c.logger.Info("sender blocked", "sender", sender.Key(), "reason", reason)
	return nil
}

// Restore removes a sender from the blocked list without granting
// access: their next message lands in pending like any other stranger.
func (c *Controller) Restore(ctx context.Context, sender trust.Sender) error {
	if err := validChannel(sender.Channel); err != nil {
		return err
	}
	if err := c.store.Restore(ctx, sender); err != nil {
		return err
	}
	c.tracker.Reset(sender)
	c.audit.Record(EventUserUnblocked, sender.Channel, map[string]any{
		"sender": sender.ID,
	})
	c.logger.Info("sender restored", "sender", sender.Key())
	return nil
}

// ListAllowed returns allowed senders for a channel.
func (c *Controller) ListAllowed(ctx context.Context, channel string, limit int) ([]trust.AllowedEntry, error) {
	if err := validChannel(channel); err != nil {
		return nil, err
	}
	return c.store.ListAllowed(ctx, channel, limit)
}

// ListPending returns pending senders for a channel.
func (c *Controller) ListPending(ctx context.Context, channel string, limit int) ([]trust.PendingEntry, error) {
	if err := validChannel(channel); err != nil {
		return nil, err
	}
	return c.store.ListPending(ctx, channel, limit)
}

// ListBlocked returns blocked senders for a channel.
func (c *Controller) ListBlocked(ctx context.Context, channel string, limit int) ([]trust.BlockedEntry, error) {
	if err := validChannel(channel); err != nil {
		return nil, err
	}
	return c.store.ListBlocked(ctx, channel, limit)
}

// StartAll attempts to start every registered worker. Workers with
// missing credentials simply stay stopped.
func (c *Controller) StartAll(ctx context.Context) {
	for _, w := range c.snapshot() {
		w.StartIfReady(ctx)
	}
}

// StopAll stops every registered worker.
func (c *Controller) StopAll() {
	for _, w := range c.snapshot() {
		w.Stop()
	}
}

// Start starts one worker by channel name.
func (c *Controller) Start(ctx context.Context, channel string) error {
	w, ok := c.worker(channel)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	w.StartIfReady(ctx)
	return nil
}

// Stop stops one worker by channel name.
func (c *Controller) Stop(channel string) error {
	w, ok := c.worker(channel)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	w.Stop()
	return nil
}

// Restart restarts one worker by channel name.
func (c *Controller) Restart(ctx context.Context, channel string) error {
	w, ok := c.worker(channel)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	w.Restart(ctx)
	return nil
}

// Status returns the state snapshot of one worker.
func (c *Controller) Status(channel string) (Meta, error) {
	w, ok := c.worker(channel)
	if !ok {
		return Meta{}, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	return w.Meta(), nil
}

// StatusAll returns state snapshots of all workers, sorted by channel.
func (c *Controller) StatusAll() []Meta {
	workers := c.snapshot()
	metas := make([]Meta, 0, len(workers))
	for _, w := range workers {
		metas = append(metas, w.Meta())
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Channel < metas[j].Channel })
	return metas
}

// Channels returns the registered channel names, sorted.
func (c *Controller) Channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.workers))
	for name := range c.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// validChannel rejects channel kinds Doorman does not serve. Trust
// operations validate against the static kind set rather than the
// registered workers so the CLI works without live connectors.
func validChannel(channel string) error {
	if !channels.IsKind(channel) {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	return nil
}

func (c *Controller) worker(channel string) (*Worker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.workers[channel]
	return w, ok
}

func (c *Controller) snapshot() []*Worker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ws := make([]*Worker, 0, len(c.workers))
	for _, w := range c.workers {
		ws = append(ws, w)
	}
	return ws
}
