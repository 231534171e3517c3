package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/clawrelay/internal/chat"
	"github.com/basket/clawrelay/internal/otel"
)

const (
	DefaultProgressInterval = 5 * time.Second

	// PlaceholderText is posted before the backend is queried.
	PlaceholderText = "⏳ _Processing your request..._"
)

// ProgressText picks the status line for elapsed.
func ProgressText(elapsed time.Duration) string {
	switch s := int(elapsed / time.Second); {
	case s < 10:
		return PlaceholderText
	case s < 30:
		return "🤔 _Still working on your request..._"
	case s < 60:
		return "⚠️ _This is taking longer than usual..._"
	case s < 90:
		return "⏰ _Almost there... (complex queries can take up to 2 minutes)_"
	default:
		return "🔄 _Still processing... Please wait a bit longer._"
	}
}

type ProgressOptions struct {
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	Now      func() time.Time
}

// Progress edits a message with status text on a timer until stopped. It
// must be stopped before a Relay starts editing the same message.
type Progress struct {
	msgr     chat.Messenger
	ref      chat.MessageRef
	interval time.Duration
	logger   *slog.Logger
	metrics  *otel.Metrics
	now      func() time.Time
	started  time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	updates int
	stopCh  chan struct{}
	done    chan struct{}
}

func NewProgress(msgr chat.Messenger, ref chat.MessageRef, opts ProgressOptions) *Progress {
	if opts.Interval <= 0 {
		opts.Interval = DefaultProgressInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Progress{
		msgr:     msgr,
		ref:      ref,
		interval: opts.Interval,
		logger:   opts.Logger.With("component", "progress", "message_id", ref.ID),
		metrics:  opts.Metrics,
		now:      opts.Now,
		started:  opts.Now(),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start edits the message immediately and then every interval. It does
// nothing if the reporter was already started or stopped.
func (p *Progress) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.stopped {
		return
	}
	p.running = true
	p.update(ctx)
	go p.loop(ctx)
}

func (p *Progress) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			if p.stopped {
				p.mu.Unlock()
				return
			}
			p.update(ctx)
			p.mu.Unlock()
		}
	}
}

// update must be called with p.mu held.
func (p *Progress) update(ctx context.Context) {
	if p.ref.ID == "" {
		return
	}
	elapsed := p.now().Sub(p.started)
	err := p.msgr.UpdateMessage(ctx, p.ref, ProgressText(elapsed))
	p.metrics.RecordEdit(ctx, "progress", err)
	if err != nil {
		p.logger.Warn("progress edit failed", "elapsed_seconds", int(elapsed/time.Second), "error", err)
		return
	}
	p.updates++
	p.logger.Debug("progress updated", "update", p.updates, "elapsed_seconds", int(elapsed/time.Second))
}

// Stop cancels the timer and returns once no further edit can happen. It is
// safe to call more than once and before Start.
func (p *Progress) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	running := p.running
	close(p.stopCh)
	p.mu.Unlock()
	if running {
		<-p.done
	}
}

func (p *Progress) ElapsedSeconds() int {
	return int(p.now().Sub(p.started) / time.Second)
}

func (p *Progress) UpdateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updates
}
