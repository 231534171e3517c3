package engine

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/basket/clawrelay/internal/chat"
	"github.com/basket/clawrelay/internal/otel"
)

// Dispatcher accepts normalized platform events and runs each accepted one
// as its own turn goroutine, so platform handlers can acknowledge at once.
type Dispatcher struct {
	ctx     context.Context
	orch    *Orchestrator
	gate    *Gate
	metrics *otel.Metrics
	logger  *slog.Logger
}

// NewDispatcher binds turns to ctx, which should live as long as the
// process: turns outlive the platform request that delivered them.
func NewDispatcher(ctx context.Context, orch *Orchestrator, gate *Gate, metrics *otel.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		ctx:     ctx,
		orch:    orch,
		gate:    gate,
		metrics: metrics,
		logger:  logger.With("component", "dispatcher"),
	}
}

// Dispatch schedules in for processing on p and returns immediately.
func (d *Dispatcher) Dispatch(p chat.Platform, in chat.Inbound) {
	d.orch.inflight.Add(1)
	go func() {
		defer d.orch.inflight.Done()
		d.run(p, in)
	}()
}

func (d *Dispatcher) run(p chat.Platform, in chat.Inbound) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch panicked", "platform", in.Platform, "channel", in.Channel, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	ctx := d.ctx

	if d.gate != nil {
		ok, reason := d.gate.Allow(ctx, in)
		if !ok {
			d.logger.Debug("inbound ignored", "platform", in.Platform, "channel", in.Channel, "reason", reason)
			return
		}
	}
	d.metrics.RecordInbound(ctx, in.Platform, string(in.Kind))

	prompt := CleanPrompt(ctx, in.Text, in.BotUserID, p, d.logger)
	if prompt == "" {
		if _, err := p.PostMessage(ctx, in.Channel, in.ReplyThread(), MessageGreet); err != nil {
			d.logger.Warn("greeting post failed", "platform", in.Platform, "error", err)
		}
		return
	}
	d.orch.HandleTurn(ctx, Turn{Inbound: in, Prompt: prompt, Messenger: p})
}
