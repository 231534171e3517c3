// Package relay turns a streamed backend answer into a bounded series of
// edits to one chat message, and shows elapsed-time status text until the
// first content arrives.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/basket/clawrelay/internal/chat"
	"github.com/basket/clawrelay/internal/otel"
)

const (
	DefaultUpdateInterval = 3 * time.Second
	DefaultMaxLength      = 3900

	StillWorkingSuffix = "\n\n🔄 _Still thinking..._"
	TruncatedSuffix    = "\n\n🔄 _Still thinking... (showing the first part)_"
	ContinuedMarker    = "\n\n_(continued below)_"
	DefaultEmptyText   = "I processed your request but have nothing to say."
)

// ContinuedLabel prefixes overflow message i of n.
func ContinuedLabel(i, n int) string {
	return fmt.Sprintf("_Continued %d/%d_\n\n", i, n)
}

type Options struct {
	UpdateInterval time.Duration
	// MaxLength is counted in runes.
	MaxLength int
	// EmptyText replaces an empty answer at Finalize.
	EmptyText string
	Logger    *slog.Logger
	Metrics   *otel.Metrics
	Now       func() time.Time
}

// Stats describes what the relay has done so far.
type Stats struct {
	UpdateCount   int  `json:"update_count"`
	ContentLength int  `json:"content_length"`
	Overflowed    bool `json:"overflowed"`
	Followups     int  `json:"followups"`
}

// Relay accumulates fragments for one message. It is owned by a single turn.
type Relay struct {
	msgr     chat.Messenger
	ref      chat.MessageRef
	interval time.Duration
	maxLen   int
	empty    string
	logger   *slog.Logger
	metrics  *otel.Metrics
	now      func() time.Time

	mu        sync.Mutex
	buf       []byte
	lastEdit  time.Time
	stats     Stats
	finalized bool
}

// New binds a relay to the message at ref. The throttle window starts now,
// since the message was just posted.
func New(msgr chat.Messenger, ref chat.MessageRef, opts Options) *Relay {
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = DefaultUpdateInterval
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = DefaultMaxLength
	}
	if opts.EmptyText == "" {
		opts.EmptyText = DefaultEmptyText
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Relay{
		msgr:     msgr,
		ref:      ref,
		interval: opts.UpdateInterval,
		maxLen:   opts.MaxLength,
		empty:    opts.EmptyText,
		logger:   opts.Logger.With("component", "relay", "message_id", ref.ID),
		metrics:  opts.Metrics,
		now:      opts.Now,
		lastEdit: opts.Now(),
	}
}

// AddContent appends fragment and edits the message when the update
// interval has elapsed since the last edit.
func (r *Relay) AddContent(ctx context.Context, fragment string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		r.logger.Debug("content after finalize dropped", "length", len(fragment))
		return
	}
	r.buf = append(r.buf, fragment...)
	r.stats.ContentLength = utf8.RuneCount(r.buf)

	now := r.now()
	if r.ref.ID == "" || now.Sub(r.lastEdit) < r.interval {
		return
	}
	text, truncated := truncateRunes(string(r.buf), r.maxLen)
	if truncated {
		text += TruncatedSuffix
	} else {
		text += StillWorkingSuffix
	}
	r.edit(ctx, "interim", text)
	r.lastEdit = now
	r.stats.UpdateCount++
}

// Finalize writes the complete answer. Overflow beyond MaxLength is posted
// as numbered follow-up messages in the same thread. Calling it again does
// nothing.
func (r *Relay) Finalize(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.finalized = true

	content := string(r.buf)
	if content == "" {
		content = r.empty
	}
	chunks := splitRunes(content, r.maxLen)
	if len(chunks) == 1 {
		r.edit(ctx, "final", content)
		r.lastEdit = r.now()
		r.stats.UpdateCount++
		return
	}

	r.stats.Overflowed = true
	r.edit(ctx, "final", chunks[0]+ContinuedMarker)
	r.lastEdit = r.now()
	r.stats.UpdateCount++

	thread := r.ref.Thread
	if thread == "" {
		thread = r.ref.ID
	}
	rest := chunks[1:]
	for i, chunk := range rest {
		_, err := r.msgr.PostMessage(ctx, r.ref.Channel, thread, ContinuedLabel(i+1, len(rest))+chunk)
		r.metrics.RecordEdit(ctx, "followup", err)
		if err != nil {
			r.logger.Warn("overflow post failed", "part", i+1, "parts", len(rest), "error", err)
			continue
		}
		r.stats.Followups++
	}
}

// Content returns everything received so far.
func (r *Relay) Content() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.buf)
}

func (r *Relay) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// edit is best effort: a rejected edit never aborts the turn. Without a
// placeholder id only the final text is delivered, as a new message.
func (r *Relay) edit(ctx context.Context, kind, text string) {
	var err error
	switch {
	case r.ref.ID != "":
		err = r.msgr.UpdateMessage(ctx, r.ref, text)
	case kind == "final":
		_, err = r.msgr.PostMessage(ctx, r.ref.Channel, r.ref.Thread, text)
	default:
		return
	}
	r.metrics.RecordEdit(ctx, kind, err)
	if err != nil {
		r.logger.Warn("message edit failed", "kind", kind, "length", utf8.RuneCountInString(text), "error", err)
	}
}

func truncateRunes(s string, max int) (string, bool) {
	if utf8.RuneCountInString(s) <= max {
		return s, false
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i], true
		}
		n++
	}
	return s, false
}

// splitRunes cuts s into pieces of at most size runes. It always returns at
// least one element.
func splitRunes(s string, size int) []string {
	if utf8.RuneCountInString(s) <= size {
		return []string{s}
	}
	var out []string
	start, n := 0, 0
	for i := range s {
		if n == size {
			out = append(out, s[start:i])
			start, n = i, 0
		}
		n++
	}
	return append(out, s[start:])
}
