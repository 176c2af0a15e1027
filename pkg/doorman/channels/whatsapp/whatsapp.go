// Package whatsapp implements the WhatsApp connector for Doorman using
// whatsmeow — a native Go WhatsApp Web API library.
//
// Sessions persist in a SQLite store; the first run logs a QR code for
// pairing. Only direct messages from other accounts are emitted: own
// messages, status broadcasts and group traffic are filtered here.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/doorman-ai/doorman/pkg/doorman/channels"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the session store.
)

// Config holds WhatsApp connector configuration.
type Config struct {
	// DatabasePath is the SQLite database file for session storage
	// (whatsmeow_* tables). Required.
	DatabasePath string `yaml:"database_path"`
}

// WhatsApp implements channels.Connector.
type WhatsApp struct {
	cfg    Config
	client *whatsmeow.Client
	logger *slog.Logger

	// messages is the stream of pre-filtered inbound messages.
	messages chan *channels.Message

	// connected tracks connection state.
	connected atomic.Bool

	// messagesClosed guards against sending to a closed channel.
	messagesClosed atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new WhatsApp connector.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	return &WhatsApp{
		cfg:      cfg,
		logger:   logger.With("component", "whatsapp"),
		messages: make(chan *channels.Message, channels.InboundBuffer),
	}
}

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

// Connect establishes the WhatsApp Web connection. If no session is
// linked yet, the QR pairing flow runs in the background and the code is
// written to the log for scanning.
func (w *WhatsApp) Connect(ctx context.Context) error {
	if w.cfg.DatabasePath == "" {
		return fmt.Errorf("whatsapp: session database path is required: %w", channels.ErrConfigMissing)
	}

	// A prior Disconnect closed the stream; a reconnect gets a fresh one.
	if w.messagesClosed.CompareAndSwap(true, false) {
		w.messages = make(chan *channels.Message, channels.InboundBuffer)
	}

	w.ctx, w.cancel = context.WithCancel(ctx)

	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", w.cfg.DatabasePath),
		waLog.Noop)
	if err != nil {
		return fmt.Errorf("whatsapp: creating session store: %w", err)
	}

	device, err := w.getDevice(w.ctx, container)
	if err != nil {
		return fmt.Errorf("whatsapp: getting device: %w", err)
	}

	// Device name shown in the WhatsApp linked devices list.
	store.SetOSInfo("Doorman", [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true
	w.client.InitialAutoReconnect = true

	if w.client.Store.ID == nil {
		// First login — run the QR flow in the background so the
		// worker can come up immediately.
		w.logger.Info("whatsapp: no existing session, QR pairing required")
		go func() {
			if err := w.loginWithQR(w.ctx); err != nil {
				w.logger.Warn("whatsapp: QR login pending", "error", err)
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connecting: %w", err)
	}

	w.connected.Store(true)
	w.logger.Info("whatsapp: connected (existing session)", "jid", w.clientJID())

	return nil
}

// Disconnect gracefully closes the WhatsApp connection.
func (w *WhatsApp) Disconnect() error {
	w.connected.Store(false)

	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}

	// Mark closed before closing to keep the event handler from sending
	// to a closed channel.
	if w.messagesClosed.CompareAndSwap(false, true) {
		close(w.messages)
	}

	w.logger.Info("whatsapp: disconnected")
	return nil
}

// Send sends a text message to the specified JID.
func (w *WhatsApp) Send(ctx context.Context, to, text string) error {
	if !w.connected.Load() {
		return channels.ErrDisconnected
	}

	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("whatsapp: invalid JID %q: %w", to, err)
	}

	_, err = w.client.SendMessage(ctx, jid, &waProto.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return fmt.Errorf("whatsapp: sending message: %w", err)
	}
	return nil
}

// Receive returns the inbound message stream.
func (w *WhatsApp) Receive() <-chan *channels.Message {
	return w.messages
}

// IsConnected reports whether WhatsApp is connected.
func (w *WhatsApp) IsConnected() bool { return w.connected.Load() }

// handleEvent is the whatsmeow event dispatcher.
func (w *WhatsApp) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessage(evt)

	case *events.Connected:
		w.connected.Store(true)
		w.logger.Info("whatsapp: connected", "jid", w.clientJID())

	case *events.Disconnected:
		w.connected.Store(false)
		w.logger.Warn("whatsapp: disconnected by server")

	case *events.LoggedOut:
		w.connected.Store(false)
		w.logger.Warn("whatsapp: logged out, QR pairing required on next start")
	}
}

// handleMessage applies the WhatsApp pre-filter and emits the message.
func (w *WhatsApp) handleMessage(evt *events.Message) {
	// Skip own messages and status broadcasts.
	if evt.Info.IsFromMe {
		return
	}
	if evt.Info.Chat.Server == "broadcast" {
		return
	}

	// DM-only: group traffic never reaches the gate.
	if evt.Info.IsGroup {
		return
	}

	text := extractText(evt.Message)
	if text == "" {
		return
	}

	// WhatsApp may deliver LID (linked identity) senders; resolve to the
	// phone JID so trust classifications survive identity format changes.
	sender := evt.Info.Sender
	resolvedSender := sender.String()
	if sender.Server == "lid" && w.client != nil && w.client.Store != nil {
		if alt, err := w.client.Store.GetAltJID(w.ctx, sender); err == nil && !alt.IsEmpty() {
			resolvedSender = alt.String()
		}
	}

	chat := evt.Info.Chat
	resolvedChat := chat.String()
	if chat.Server == "lid" && w.client != nil && w.client.Store != nil {
		if alt, err := w.client.Store.GetAltJID(w.ctx, chat); err == nil && !alt.IsEmpty() {
			resolvedChat = alt.String()
		}
	}

	incoming := &channels.Message{
		ID:         string(evt.Info.ID),
		Channel:    "whatsapp",
		SenderID:   resolvedSender,
		SenderName: evt.Info.PushName,
		ChatID:     resolvedChat,
		Text:       text,
		Timestamp:  evt.Info.Timestamp,
	}

	if w.messagesClosed.Load() {
		return
	}
	select {
	case w.messages <- incoming:
	default:
		w.logger.Warn("whatsapp: message buffer full, dropping message", "msg_id", incoming.ID)
	}
}

// extractText pulls the text content out of a WhatsApp message proto.
func extractText(msg *waProto.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Conversation != nil {
		return msg.GetConversation()
	}
	if ext := msg.ExtendedTextMessage; ext != nil {
		return ext.GetText()
	}
	return ""
}

// getDevice returns the first stored device or creates a new one.
func (w *WhatsApp) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// loginWithQR runs the QR pairing flow, logging each code for scanning.
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for evt := range qrChan {
		switch evt.Event {
		case "code":
			w.logger.Info("whatsapp: scan QR code to pair", "code", evt.Code)
		case "success":
			w.logger.Info("whatsapp: QR pairing successful")
			return nil
		case "timeout":
			return fmt.Errorf("QR pairing timed out")
		}
	}
	return nil
}

// clientJID returns the client JID if linked.
func (w *WhatsApp) clientJID() string {
	if w.client != nil && w.client.Store.ID != nil {
		return w.client.Store.ID.String()
	}
	return ""
}

// parseJID converts a string JID to types.JID. Accepts bare phone numbers
// ("5511999999999") or full JIDs ("5511999999999@s.whatsapp.net").
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}

	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}

	return types.NewJID(digits, types.DefaultUserServer), nil
}

// Compile-time interface verification.
var _ channels.Connector = (*WhatsApp)(nil)
