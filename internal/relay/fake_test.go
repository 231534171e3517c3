package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/basket/clawrelay/internal/chat"
)

type postRecord struct {
	Channel, Thread, Text string
}

type fakeMessenger struct {
	mu        sync.Mutex
	edits     []string
	posts     []postRecord
	failEdits bool
}

func (f *fakeMessenger) PostMessage(_ context.Context, channel, thread, text string) (chat.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, postRecord{channel, thread, text})
	return chat.MessageRef{Channel: channel, Thread: thread, ID: fmt.Sprintf("p%d", len(f.posts))}, nil
}

func (f *fakeMessenger) UpdateMessage(_ context.Context, _ chat.MessageRef, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEdits {
		return errors.New("msg_too_long")
	}
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeMessenger) Edits() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.edits...)
}

func (f *fakeMessenger) Posts() []postRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]postRecord(nil), f.posts...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// waitFor polls check until it returns true or the deadline elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

var testRef = chat.MessageRef{Channel: "C1", Thread: "100.1", ID: "200.2"}
