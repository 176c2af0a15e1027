// Package channels defines the interface and types shared by the Doorman
// platform connectors. Each connector (WhatsApp, Telegram, Discord) hides
// its SDK behind the Connector interface and applies its platform-specific
// pre-filter (direct messages only, no bot accounts) before emitting,
// so every message that reaches a worker is a gating candidate.
package channels

import (
	"context"
	"errors"
	"time"
)

// Connector is the interface every platform connector implements. The
// channel worker depends only on this, never on the concrete SDK.
type Connector interface {
	// Name returns the channel kind ("whatsapp", "telegram", "discord").
	Name() string

	// Connect establishes the platform connection. Returns
	// ErrConfigMissing (wrapped) when required credentials are absent.
	Connect(ctx context.Context) error

	// Disconnect closes the connection. Teardown errors are reported
	// but callers treat them as non-fatal.
	Disconnect() error

	// Send delivers a text reply to the given chat.
	Send(ctx context.Context, to, text string) error

	// Receive returns the stream of pre-filtered inbound messages.
	// The channel is closed on Disconnect.
	Receive() <-chan *Message

	// IsConnected reports the connection state.
	IsConnected() bool
}

// Message is one pre-filtered inbound direct message.
type Message struct {
	// ID is the platform-native message identifier.
	ID string

	// Channel is the source channel kind.
	Channel string

	// SenderID is the platform-native sender identifier. Platforms never
	// reuse a sender ID for a different person.
	SenderID string

	// SenderName is the sender display name, if the platform provides one.
	SenderName string

	// ChatID is where the reply goes (the DM chat).
	ChatID string

	// Text is the message text content.
	Text string

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// Channel kinds Doorman supports.
const (
	KindWhatsApp = "whatsapp"
	KindTelegram = "telegram"
	KindDiscord  = "discord"
)

// IsKind reports whether name is a supported channel kind.
func IsKind(name string) bool {
	switch name {
	case KindWhatsApp, KindTelegram, KindDiscord:
		return true
	}
	return false
}

// Errors shared by the connectors.
var (
	ErrConfigMissing = errors.New("channel credentials missing")
	ErrDisconnected  = errors.New("channel is not connected")
	ErrConnectFailed = errors.New("failed to connect to channel")
)

// InboundBuffer is the buffer size of each connector's inbound stream.
// When full, connectors drop with a warn log rather than block the
// platform delivery thread.
const InboundBuffer = 256
