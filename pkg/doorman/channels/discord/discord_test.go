package discord

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

func testSession(t *testing.T) *discordgo.Session {
	t.Helper()
	s := &discordgo.Session{State: discordgo.NewState()}
	s.State.User = &discordgo.User{ID: "bot-self"}
	return s
}

func dmMessage(id, authorID, channelID, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        id,
		ChannelID: channelID,
		Content:   content,
		Author:    &discordgo.User{ID: authorID, Username: "alice"},
	}}
}

func drainOne(t *testing.T, d *Discord) (id string, ok bool) {
	t.Helper()
	select {
	case msg := <-d.messages:
		return msg.SenderID, true
	default:
		return "", false
	}
}

func TestOnMessageCreateFilter(t *testing.T) {
	s := testSession(t)

	t.Run("direct message passes", func(t *testing.T) {
		d := New(Config{Token: "x"}, nil)
		d.onMessageCreate(s, dmMessage("m1", "42", "c1", "hello"))
		if id, ok := drainOne(t, d); !ok || id != "42" {
			t.Fatalf("message = %q, %v; want 42, true", id, ok)
		}
	})

	t.Run("own message dropped", func(t *testing.T) {
		d := New(Config{Token: "x"}, nil)
		d.onMessageCreate(s, dmMessage("m1", "bot-self", "c1", "hello"))
		if _, ok := drainOne(t, d); ok {
			t.Fatal("own message emitted")
		}
	})

	t.Run("bot sender dropped", func(t *testing.T) {
		d := New(Config{Token: "x"}, nil)
		m := dmMessage("m1", "42", "c1", "hello")
		m.Author.Bot = true
		d.onMessageCreate(s, m)
		if _, ok := drainOne(t, d); ok {
			t.Fatal("bot message emitted")
		}
	})

	t.Run("guild message dropped", func(t *testing.T) {
		d := New(Config{Token: "x"}, nil)
		m := dmMessage("m1", "42", "c1", "hello")
		m.GuildID = "g1"
		d.onMessageCreate(s, m)
		if _, ok := drainOne(t, d); ok {
			t.Fatal("guild message emitted")
		}
	})

	t.Run("empty content dropped", func(t *testing.T) {
		d := New(Config{Token: "x"}, nil)
		d.onMessageCreate(s, dmMessage("m1", "42", "c1", ""))
		if _, ok := drainOne(t, d); ok {
			t.Fatal("empty message emitted")
		}
	})
}

func TestDisconnectClosesReceive(t *testing.T) {
	d := New(Config{Token: "x"}, nil)

	if err := d.Disconnect(); err != nil {
		t.Fatalf("Disconnect = %v", err)
	}

	select {
	case _, open := <-d.Receive():
		if open {
			t.Fatal("Receive delivered a message on a disconnected connector")
		}
	default:
		t.Fatal("Receive still open after Disconnect")
	}

	// A late gateway event after Disconnect must not panic on the closed
	// stream; it is silently dropped.
	d.onMessageCreate(testSession(t), dmMessage("m1", "42", "c1", "late"))
}

func TestConnectAfterDisconnectReopensStream(t *testing.T) {
	d := New(Config{Token: "x"}, nil)

	if err := d.Disconnect(); err != nil {
		t.Fatalf("Disconnect = %v", err)
	}

	// Connect fails offline at the gateway handshake, but the stream
	// reset precedes it.
	_ = d.Connect(context.Background())

	select {
	case _, open := <-d.Receive():
		if !open {
			t.Fatal("Receive still closed after reconnect")
		}
		t.Fatal("unexpected message on fresh stream")
	default:
	}

	d.onMessageCreate(testSession(t), dmMessage("m1", "42", "c1", "hello again"))
	if id, ok := drainOne(t, d); !ok || id != "42" {
		t.Fatalf("message after reconnect = %q, %v; want 42, true", id, ok)
	}
}

func TestSplitMessage(t *testing.T) {
	t.Run("short text is one chunk", func(t *testing.T) {
		chunks := splitMessage("hello", 2000)
		if len(chunks) != 1 || chunks[0] != "hello" {
			t.Fatalf("chunks = %v", chunks)
		}
	})

	t.Run("prefers newline boundaries", func(t *testing.T) {
		text := strings.Repeat("a", 1500) + "\n" + strings.Repeat("b", 1000)
		chunks := splitMessage(text, 2000)
		if len(chunks) != 2 {
			t.Fatalf("chunks = %d, want 2", len(chunks))
		}
		if !strings.HasSuffix(chunks[0], "a") {
			t.Fatalf("first chunk does not end at the newline: %q", chunks[0][len(chunks[0])-5:])
		}
	})

	t.Run("never cuts inside a rune", func(t *testing.T) {
		text := strings.Repeat("世", 700) // 2100 bytes, no newlines
		chunks := splitMessage(text, 2000)
		var joined strings.Builder
		for i, c := range chunks {
			if !utf8.ValidString(c) {
				t.Fatalf("chunk %d is not valid UTF-8", i)
			}
			if len(c) > 2000 {
				t.Fatalf("chunk %d is %d bytes, limit 2000", i, len(c))
			}
			joined.WriteString(c)
		}
		if joined.String() != text {
			t.Fatal("chunks do not reassemble the original text")
		}
	})
}
