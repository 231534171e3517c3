// Package channels adapts chat platforms to the platform-neutral shapes in
// package chat.
package channels

import (
	"context"

	"github.com/basket/clawrelay/internal/chat"
)

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	chat.Platform

	// Start begins listening for messages. It should block until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// Dispatcher receives normalized inbound messages. Dispatch must not block.
type Dispatcher interface {
	Dispatch(p chat.Platform, in chat.Inbound)
}
