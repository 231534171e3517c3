package engine

import (
	"fmt"

	"github.com/basket/clawrelay/internal/chat"
	"github.com/basket/clawrelay/internal/persistence"
)

// SessionKey derives the conversation identity for in. Direct conversations
// key on the user, so every DM is one session; multi-party conversations key
// on the thread root.
func SessionKey(in chat.Inbound) string {
	if in.Direct {
		return fmt.Sprintf("%s-%s-dm", in.Team, in.User)
	}
	return fmt.Sprintf("%s-%s-%s", in.Team, in.Channel, in.ReplyThread())
}

// SessionMetadata is the context recorded when a mapping is first created.
func SessionMetadata(in chat.Inbound) persistence.Metadata {
	meta := persistence.Metadata{
		TeamID:    in.Team,
		ChannelID: in.Channel,
		UserID:    in.User,
	}
	if !in.Direct {
		meta.ThreadTS = in.ReplyThread()
	}
	return meta
}
