// Package chat defines the platform-neutral shapes exchanged between the
// orchestrator and chat adapters.
package chat

import "context"

// MessageRef identifies a posted message so it can be edited later.
type MessageRef struct {
	Channel string
	Thread  string
	ID      string
}

// Messenger posts and edits messages on a chat platform.
type Messenger interface {
	PostMessage(ctx context.Context, channel, thread, text string) (MessageRef, error)
	UpdateMessage(ctx context.Context, ref MessageRef, text string) error
}

// UserResolver maps a platform user id to a display name.
type UserResolver interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// Kind is the platform event an Inbound came from.
type Kind string

const (
	// KindMention is an event addressed to the bot.
	KindMention Kind = "mention"
	// KindMessage is a plain message event.
	KindMessage Kind = "message"
)

// Inbound is one user message normalized from a platform event.
type Inbound struct {
	Platform string
	Kind     Kind
	Team     string
	Channel  string
	User     string
	// Thread is the thread root the reply belongs to, empty for top-level
	// messages.
	Thread string
	TS     string
	Text   string
	Direct bool
	// Mention is set when the message explicitly addresses the bot.
	Mention bool
	// BotUserID is the bot's own id, stripped from the prompt.
	BotUserID string
	// FromBot marks messages authored by a bot, including this one.
	FromBot bool
	// Subtype is the platform's message subtype (edits, joins, ...), empty
	// for ordinary user messages.
	Subtype string
	// MentionDelivered is set on a message event whose text mentions the bot
	// when the platform also delivers it as a separate mention event.
	MentionDelivered bool
}

// ReplyThread is the thread replies to m should be posted in.
func (m Inbound) ReplyThread() string {
	if m.Thread != "" {
		return m.Thread
	}
	return m.TS
}

// Platform couples a messenger with its user directory.
type Platform interface {
	Messenger
	UserResolver
	Name() string
}
