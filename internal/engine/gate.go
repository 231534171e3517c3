package engine

import (
	"context"
	"log/slog"

	"github.com/basket/clawrelay/internal/chat"
	"github.com/basket/clawrelay/internal/persistence"
)

// SessionLookup reports whether a mapping exists for a key.
type SessionLookup interface {
	Lookup(ctx context.Context, key string) (*persistence.SessionRecord, error)
}

// Gate decides which inbound messages start a turn.
type Gate struct {
	sessions SessionLookup
	logger   *slog.Logger
}

func NewGate(sessions SessionLookup, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{sessions: sessions, logger: logger.With("component", "gate")}
}

// Allow returns whether in should be answered, with a short reason for
// logs.
func (g *Gate) Allow(ctx context.Context, in chat.Inbound) (bool, string) {
	switch {
	case in.FromBot:
		return false, "bot_message"
	case in.Subtype != "":
		return false, "subtype"
	case in.Direct:
		return true, "direct"
	case in.Kind == chat.KindMessage && in.MentionDelivered:
		return false, "mention_event_handles_it"
	case in.Mention:
		return true, "mention"
	case in.Thread == "":
		return false, "top_level_unmentioned"
	}

	// An un-mentioned thread reply continues an existing conversation only.
	if g.sessions == nil {
		return false, "no_session"
	}
	rec, err := g.sessions.Lookup(ctx, SessionKey(in))
	if err != nil {
		g.logger.Warn("session lookup failed", "error", err)
		return false, "lookup_failed"
	}
	if rec == nil {
		return false, "no_session"
	}
	return true, "active_thread"
}
