package channels

import (
	"sync"

	"github.com/basket/clawrelay/internal/chat"
)

// recordingDispatcher collects inbound messages handed over by a channel.
type recordingDispatcher struct {
	mu  sync.Mutex
	got []chat.Inbound
}

func (d *recordingDispatcher) Dispatch(_ chat.Platform, in chat.Inbound) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, in)
}

func (d *recordingDispatcher) inbound() []chat.Inbound {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]chat.Inbound(nil), d.got...)
}
