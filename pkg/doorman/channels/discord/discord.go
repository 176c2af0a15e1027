// Package discord implements the Discord connector for Doorman using
// discordgo. The bot is DM-only: guild messages and bot accounts are
// filtered at the gateway event handler, so only direct messages from
// human accounts become gating candidates.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/doorman-ai/doorman/pkg/doorman/channels"
)

// Config holds Discord connector configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`
}

// Discord implements channels.Connector.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	// messages is the stream of pre-filtered inbound messages.
	messages chan *channels.Message

	// connected tracks connection state.
	connected atomic.Bool

	// messagesClosed guards against sending to a closed channel.
	messagesClosed atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Discord connector.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:      cfg,
		logger:   logger.With("component", "discord"),
		messages: make(chan *channels.Message, channels.InboundBuffer),
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the Discord gateway WebSocket connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required: %w", channels.ErrConfigMissing)
	}

	// A prior Disconnect closed the stream; a reconnect gets a fresh one.
	if d.messagesClosed.CompareAndSwap(true, false) {
		d.messages = make(chan *channels.Message, channels.InboundBuffer)
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}

	// DM-only bot: no guild message intents.
	session.Identify.Intents = discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.session = session
	d.connected.Store(true)

	user := session.State.User
	d.logger.Info("discord: connected", "bot", user.Username, "id", user.ID)

	return nil
}

// Disconnect closes the Discord gateway connection and the inbound stream.
func (d *Discord) Disconnect() error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.session != nil {
		d.session.Close()
	}
	d.connected.Store(false)

	// Mark closed before closing to keep the event handler from sending
	// to a closed channel.
	if d.messagesClosed.CompareAndSwap(false, true) {
		close(d.messages)
	}

	d.logger.Info("discord: disconnected")
	return nil
}

// Send sends a text message to the specified channel, splitting on
// Discord's 2000 character limit.
func (d *Discord) Send(ctx context.Context, to, text string) error {
	if d.session == nil {
		return channels.ErrDisconnected
	}

	for _, chunk := range splitMessage(text, 2000) {
		if _, err := d.session.ChannelMessageSend(to, chunk); err != nil {
			return fmt.Errorf("discord: sending message: %w", err)
		}
	}
	return nil
}

// Receive returns the inbound message stream.
func (d *Discord) Receive() <-chan *channels.Message {
	return d.messages
}

// IsConnected reports whether the bot is connected.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// onMessageCreate applies the Discord pre-filter and emits the message.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore messages from the bot itself.
	if m.Author.ID == s.State.User.ID {
		return
	}

	// Ignore bot accounts.
	if m.Author.Bot {
		return
	}

	// DM-only: guild messages never reach the gate.
	if m.GuildID != "" {
		return
	}

	if m.Content == "" {
		return
	}

	incoming := &channels.Message{
		ID:         m.ID,
		Channel:    "discord",
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		ChatID:     m.ChannelID,
		Text:       m.Content,
		Timestamp:  m.Timestamp,
	}

	if d.messagesClosed.Load() {
		return
	}
	select {
	case d.messages <- incoming:
	default:
		d.logger.Warn("discord: message buffer full, dropping message", "msg_id", incoming.ID)
	}
}

// splitMessage splits text into chunks of at most limit bytes, preferring
// newline boundaries.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(text) > limit {
		cut := limit
		// Prefer splitting on a newline inside the window.
		for i := limit - 1; i > limit/2; i-- {
			if text[i] == '\n' {
				cut = i
				break
			}
		}
		// Never cut inside a multi-byte rune.
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			cut = limit
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// Compile-time interface verification.
var _ channels.Connector = (*Discord)(nil)
