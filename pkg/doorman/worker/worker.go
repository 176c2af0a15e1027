// Package worker manages the lifecycle of channel connections and drives
// inbound messages through the admission gate. Each worker owns exactly
// one connector: it starts it when credentials are present, listens for
// pre-filtered messages, asks the gate for a verdict and relays admitted
// messages to the assistant backend.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/doorman-ai/doorman/pkg/doorman/audit"
	"github.com/doorman-ai/doorman/pkg/doorman/channels"
	"github.com/doorman-ai/doorman/pkg/doorman/relay"
	"github.com/doorman-ai/doorman/pkg/doorman/trust"
)

// State describes the lifecycle state of a worker.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
)

// Audit event types emitted by workers.
const (
	EventWorkerStarted = "worker_started"
	EventWorkerStopped = "worker_stopped"
	EventWorkerReady   = "worker_ready"
	EventMessageOut    = "message_out"
	EventLLMError      = "llm_error"
)

// replyUnavailable is sent to an allowed sender when the assistant
// backend fails or times out. Unknown and blocked senders never see it.
const replyUnavailable = "Sorry, I can't respond right now. Please try again later."

// Relay produces an assistant reply for an admitted message.
// *relay.Client satisfies this.
type Relay interface {
	Complete(ctx context.Context, text string) (string, error)
}

// Meta is a point-in-time snapshot of a worker's state.
type Meta struct {
	Channel   string     `json:"channel"`
	State     State      `json:"state"`
	Connected bool       `json:"connected"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// Worker binds one connector to the gate and the relay.
type Worker struct {
	conn   channels.Connector
	gate   *trust.Gate
	relay  Relay
	audit  *audit.Logger
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	startedAt time.Time
	lastError error
	cancel    context.CancelFunc
	listenWg  sync.WaitGroup
	replyWg   sync.WaitGroup
}

// New creates a worker for the given connector. The relay may be nil, in
// which case admitted messages are acknowledged with a static notice.
func New(conn channels.Connector, gate *trust.Gate, rl Relay, auditLog *audit.Logger, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		conn:   conn,
		gate:   gate,
		relay:  rl,
		audit:  auditLog,
		logger: logger.With("component", "worker", "channel", conn.Name()),
		state:  StateStopped,
	}
}

// Name returns the channel name of the underlying connector.
func (w *Worker) Name() string { return w.conn.Name() }

// StartIfReady attempts to start the worker. It never returns an error:
// connection failures (including missing credentials) leave the worker
// stopped with the failure recorded in Meta. Calling it while the worker
// is already running is a no-op.
func (w *Worker) StartIfReady(ctx context.Context) {
	w.mu.Lock()
	if w.state != StateStopped {
		w.mu.Unlock()
		return
	}
	w.state = StateStarting
	w.lastError = nil

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	if err := w.conn.Connect(runCtx); err != nil {
		cancel()
		w.mu.Lock()
		w.state = StateStopped
		w.lastError = err
		w.cancel = nil
		w.mu.Unlock()

		if errors.Is(err, channels.ErrConfigMissing) {
			w.logger.Info("worker not started, credentials missing")
		} else {
			w.logger.Error("worker failed to start", "error", err)
		}
		return
	}

	now := time.Now().UTC()
	w.mu.Lock()
	w.state = StateRunning
	w.startedAt = now
	w.mu.Unlock()

	w.listenWg.Add(1)
	go func() {
		defer w.listenWg.Done()
		w.listen(runCtx)
	}()

	w.audit.Record(EventWorkerStarted, w.conn.Name(), nil)
	w.logger.Info("worker started")

	if w.conn.IsConnected() {
		w.audit.Record(EventWorkerReady, w.conn.Name(), nil)
	}
}

// Stop disconnects the connector and waits for in-flight processing to
// wind down. Stopping a stopped worker is a no-op. Relay round-trips
// still pending when Stop is called are abandoned: their replies are
// discarded, never sent after shutdown.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.state == StateStopped {
		w.mu.Unlock()
		return
	}
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := w.conn.Disconnect(); err != nil {
		w.logger.Warn("disconnect error", "error", err)
	}

	// The receive channel closes on disconnect, ending the listen loop.
	w.listenWg.Wait()
	w.replyWg.Wait()

	w.mu.Lock()
	w.state = StateStopped
	w.startedAt = time.Time{}
	w.mu.Unlock()

	w.audit.Record(EventWorkerStopped, w.conn.Name(), nil)
	w.logger.Info("worker stopped")
}

// Restart stops and starts the worker, picking up any credential changes.
func (w *Worker) Restart(ctx context.Context) {
	w.Stop()
	w.StartIfReady(ctx)
}

// Meta returns the worker's current state snapshot.
func (w *Worker) Meta() Meta {
	w.mu.Lock()
	defer w.mu.Unlock()

	m := Meta{
		Channel:   w.conn.Name(),
		State:     w.state,
		Connected: w.conn.IsConnected(),
	}
	if !w.startedAt.IsZero() {
		t := w.startedAt
		m.StartedAt = &t
	}
	if w.lastError != nil {
		m.LastError = w.lastError.Error()
	}
	return m
}

// setLastError records a message-level failure so Meta surfaces it.
func (w *Worker) setLastError(err error) {
	w.mu.Lock()
	w.lastError = err
	w.mu.Unlock()
}

// listen drains the connector's receive channel. Gate decisions run
// inline on this single goroutine so per-sender ordering is preserved;
// only the relay round-trip for admitted messages is spawned off.
func (w *Worker) listen(ctx context.Context) {
	for msg := range w.conn.Receive() {
		w.handleMessage(ctx, msg)
	}
}

// handleMessage runs one message through the gate. A panic while
// processing is contained to that message.
func (w *Worker) handleMessage(ctx context.Context, msg *channels.Message) {
	defer func() {
		if r := recover(); r != nil {
			w.setLastError(fmt.Errorf("panic handling message %s: %v", msg.ID, r))
			w.logger.Error("panic handling message", "panic", r, "msg_id", msg.ID)
		}
	}()

	sender := trust.Sender{Channel: msg.Channel, ID: msg.SenderID}
	decision, err := w.gate.Decide(ctx, sender, msg.SenderName, msg.Text)
	if err != nil {
		w.setLastError(err)
		w.logger.Error("gate decision failed, dropping message",
			"sender", sender.Key(), "error", err)
		return
	}
	if !decision.Forward {
		return
	}

	w.replyWg.Add(1)
	go func() {
		defer w.replyWg.Done()
		w.forward(ctx, msg, decision.Text)
	}()
}

// forward relays an admitted message and sends the reply back through
// the originating connector.
func (w *Worker) forward(ctx context.Context, msg *channels.Message, text string) {
	reply, err := w.complete(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Warn("relay failed", "sender", msg.SenderID, "error", err)
		w.audit.Record(EventLLMError, msg.Channel, map[string]any{
			"sender": msg.SenderID,
			"error":  err.Error(),
		})
		reply = replyUnavailable
	}

	// Never deliver after Stop.
	if ctx.Err() != nil {
		return
	}

	if err := w.conn.Send(ctx, msg.ChatID, reply); err != nil {
		w.logger.Warn("reply send failed", "chat", msg.ChatID, "error", err)
		return
	}

	w.audit.Record(EventMessageOut, msg.Channel, map[string]any{
		"chat":  msg.ChatID,
		"chars": len(reply),
	})
}

func (w *Worker) complete(ctx context.Context, text string) (string, error) {
	if w.relay == nil {
		return "", fmt.Errorf("relay: %w", relay.ErrFailure)
	}
	return w.relay.Complete(ctx, text)
}
