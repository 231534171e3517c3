// Package engine drives one chat turn end to end: resolve the conversation's
// backend session, stream the answer into the chat, and recover once from a
// stale session.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/clawrelay/internal/agent"
	"github.com/basket/clawrelay/internal/bus"
	"github.com/basket/clawrelay/internal/chat"
	"github.com/basket/clawrelay/internal/otel"
	"github.com/basket/clawrelay/internal/persistence"
	"github.com/basket/clawrelay/internal/pricing"
	"github.com/basket/clawrelay/internal/relay"
	"github.com/basket/clawrelay/internal/shared"
)

// TurnState names a step of a turn.
type TurnState string

const (
	StateResolvingSession TurnState = "RESOLVING_SESSION"
	StateQuerying         TurnState = "QUERYING"
	StateSuccess          TurnState = "SUCCESS"
	StateSessionStale     TurnState = "SESSION_STALE"
	StateRetrying         TurnState = "RETRYING"
	StateFailure          TurnState = "FAILURE"
)

const (
	DefaultQueryTimeout = 110 * time.Second
	// DefaultEditTimeout bounds the final answer edit and the failure notice,
	// which run after the query deadline no longer applies.
	DefaultEditTimeout = 15 * time.Second
)

// Store is the slice of the session store a turn needs.
type Store interface {
	GetOrCreate(ctx context.Context, key string, meta persistence.Metadata) (string, bool, error)
	UpdateSessionID(ctx context.Context, key, agentSessionID string) error
	TouchActivity(ctx context.Context, key string) error
	Delete(ctx context.Context, key string) error
}

// Tuning holds the timing limits that can change while running.
type Tuning struct {
	QueryTimeout     time.Duration
	RelayInterval    time.Duration
	MaxLength        int
	ProgressInterval time.Duration
	EditTimeout      time.Duration
}

func (t Tuning) withDefaults() Tuning {
	if t.QueryTimeout <= 0 {
		t.QueryTimeout = DefaultQueryTimeout
	}
	if t.RelayInterval <= 0 {
		t.RelayInterval = relay.DefaultUpdateInterval
	}
	if t.MaxLength <= 0 {
		t.MaxLength = relay.DefaultMaxLength
	}
	if t.ProgressInterval <= 0 {
		t.ProgressInterval = relay.DefaultProgressInterval
	}
	if t.EditTimeout <= 0 {
		t.EditTimeout = DefaultEditTimeout
	}
	return t
}

type Config struct {
	Store   Store
	Querier agent.Querier
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
	Tuning  Tuning
	// SerializePerThread runs turns for the same session key one at a time.
	SerializePerThread bool
	Now                func() time.Time
}

// Turn is one cleaned user message ready for the backend.
type Turn struct {
	Inbound   chat.Inbound
	Prompt    string
	Messenger chat.Messenger
}

// Result describes how a turn ended.
type Result struct {
	TurnID    string
	State     TurnState
	Retried   bool
	SessionID string
	Class     ErrorClass
	Err       error
}

type Orchestrator struct {
	store   Store
	querier agent.Querier
	bus     *bus.Bus
	metrics *otel.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
	now     func() time.Time
	locks   *keyedMutex

	tuning   atomic.Pointer[Tuning]
	inflight sync.WaitGroup
	active   atomic.Int32
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if cfg.Querier == nil {
		return nil, errors.New("orchestrator: querier is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracenoop.NewTracerProvider().Tracer(otel.TracerName)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	o := &Orchestrator{
		store:   cfg.Store,
		querier: cfg.Querier,
		bus:     cfg.Bus,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		logger:  cfg.Logger.With("component", "orchestrator"),
		now:     cfg.Now,
	}
	if cfg.SerializePerThread {
		o.locks = newKeyedMutex()
	}
	o.SetTuning(cfg.Tuning)
	return o, nil
}

// SetTuning replaces the limits used by turns that start afterwards.
func (o *Orchestrator) SetTuning(t Tuning) {
	t = t.withDefaults()
	o.tuning.Store(&t)
}

func (o *Orchestrator) Tuning() Tuning {
	return *o.tuning.Load()
}

// ActiveTurns is the number of turns currently running.
func (o *Orchestrator) ActiveTurns() int {
	return int(o.active.Load())
}

// Drain waits up to timeout for dispatched turns to finish. It reports
// whether they all did.
func (o *Orchestrator) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info("turns drained cleanly")
		return true
	case <-time.After(timeout):
		o.logger.Warn("drain timeout; abandoning in-flight turns", "timeout", timeout, "active", o.ActiveTurns())
		return false
	}
}

// HandleTurn runs one turn to completion. Every failure, including a panic,
// ends with a message in the conversation; nothing is returned to the
// platform dispatcher except the Result.
func (o *Orchestrator) HandleTurn(ctx context.Context, turn Turn) (res Result) {
	in := turn.Inbound
	key := SessionKey(in)
	res.TurnID = shared.NewTurnID()

	ctx = shared.WithTurnID(ctx, res.TurnID)
	ctx = shared.WithSessionKey(ctx, key)
	ctx = shared.WithPlatform(ctx, in.Platform)
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	logger := o.logger.With(shared.LogAttrs(ctx)...)

	ctx, span := otel.StartSpan(ctx, o.tracer, "turn.handle",
		otel.AttrSessionKey.String(key),
		otel.AttrTurnID.String(res.TurnID),
		otel.AttrPlatform.String(in.Platform),
	)
	start := o.now()
	o.active.Add(1)
	o.metrics.TurnStarted(ctx)

	var ref chat.MessageRef
	defer func() {
		if r := recover(); r != nil {
			logger.Error("turn panicked", "panic", r, "stack", string(debug.Stack()))
			res.State = StateFailure
			res.Class = ErrorClassUnknown
			res.Err = fmt.Errorf("turn panic: %v", r)
			o.reportFailure(ctx, logger, turn.Messenger, in, ref, MessageGeneric)
			o.publish(bus.TopicTurnFailed, bus.TurnEvent{
				TurnID: res.TurnID, SessionKey: key, Platform: in.Platform,
				State: string(StateFailure), Error: "panic",
			})
		}
		outcome := outcomeOf(res)
		span.SetAttributes(otel.AttrOutcome.String(outcome))
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, string(res.Class))
		}
		span.End()
		o.active.Add(-1)
		o.metrics.TurnFinished(ctx, outcome, o.now().Sub(start))
	}()

	if o.locks != nil {
		unlock := o.locks.Lock(key)
		defer unlock()
	}

	o.publish(bus.TopicTurnStarted, bus.TurnEvent{
		TurnID: res.TurnID, SessionKey: key, Platform: in.Platform, State: string(StateResolvingSession),
	})
	logger.Info("turn started", "state", StateResolvingSession, "direct", in.Direct, "prompt_length", len(turn.Prompt))

	meta := SessionMetadata(in)
	resolvedID, found, err := o.store.GetOrCreate(ctx, key, meta)
	if err != nil {
		logger.Error("session lookup failed", "error", err)
		return o.fail(ctx, logger, turn, ref, res, ErrorClassUnknown, fmt.Errorf("resolve session: %w", err))
	}
	logger.Debug("session resolved", "found", found, "agent_session_id", resolvedID)

	ref, err = turn.Messenger.PostMessage(ctx, in.Channel, in.ReplyThread(), relay.PlaceholderText)
	if err != nil {
		// Carry on without a placeholder; the answer is posted when it is complete.
		logger.Warn("placeholder post failed", "error", err)
		ref = chat.MessageRef{Channel: in.Channel, Thread: in.ReplyThread()}
	}

	tuning := o.Tuning()
	resumeID := resolvedID
	for attempt := 1; ; attempt++ {
		state := StateQuerying
		if attempt > 1 {
			state = StateRetrying
		}
		logger.Debug("turn state", "state", state, "attempt", attempt, "resumed", resumeID != "")

		out := o.query(ctx, logger, turn, ref, tuning, resumeID, attempt)
		if out.err == nil {
			res.State = StateSuccess
			res.Retried = attempt > 1
			res.SessionID = out.sessionID
			o.recordSuccess(ctx, logger, key, resumeID, out, res)
			return res
		}

		class := ClassifyError(out.err)
		// A stale signature on a fresh session has nothing to recover from.
		if class == ErrorClassStaleSession && attempt == 1 && resumeID != "" {
			logger.Warn("backend session is stale; starting a new one", "state", StateSessionStale, "agent_session_id", resumeID, "error", out.err)
			if err := o.store.Delete(ctx, key); err != nil {
				logger.Warn("stale session delete failed", "error", err)
			} else {
				o.publish(bus.TopicSessionDeleted, bus.SessionDeletedEvent{SessionKey: key, Reason: "stale"})
			}
			if _, _, err := o.store.GetOrCreate(ctx, key, meta); err != nil {
				logger.Warn("session re-create failed", "error", err)
			}
			o.metrics.RecordRetry(ctx)
			o.publish(bus.TopicTurnRetrying, bus.TurnEvent{
				TurnID: res.TurnID, SessionKey: key, Platform: in.Platform,
				State: string(StateRetrying), Attempt: attempt + 1, Error: out.err.Error(),
			})
			resumeID = ""
			continue
		}

		res.Retried = attempt > 1
		if err := o.store.TouchActivity(ctx, key); err != nil {
			logger.Warn("activity update failed", "error", err)
		}
		return o.fail(ctx, logger, turn, ref, res, class, out.err)
	}
}

type queryOutcome struct {
	sessionID  string
	completion *agent.Completion
	stats      relay.Stats
	err        error
}

// query runs one backend attempt against the placeholder at ref.
func (o *Orchestrator) query(ctx context.Context, logger *slog.Logger, turn Turn, ref chat.MessageRef, tuning Tuning, resumeID string, attempt int) (out queryOutcome) {
	ctx, span := otel.StartClientSpan(ctx, o.tracer, "backend.query",
		otel.AttrAttempt.Int(attempt),
		otel.AttrResumed.Bool(resumeID != ""),
	)
	defer func() {
		if out.err != nil {
			span.RecordError(out.err)
			span.SetStatus(codes.Error, string(ClassifyError(out.err)))
		}
		span.End()
	}()

	// The deadline bounds consumption and interim edits; the backend request
	// keeps ctx.
	qctx, cancel := context.WithTimeout(ctx, tuning.QueryTimeout)
	defer cancel()

	progress := relay.NewProgress(turn.Messenger, ref, relay.ProgressOptions{
		Interval: tuning.ProgressInterval,
		Logger:   logger,
		Metrics:  o.metrics,
		Now:      o.now,
	})
	progress.Start(qctx)
	defer progress.Stop()

	rl := relay.New(turn.Messenger, ref, relay.Options{
		UpdateInterval: tuning.RelayInterval,
		MaxLength:      tuning.MaxLength,
		Logger:         logger,
		Metrics:        o.metrics,
		Now:            o.now,
	})
	defer func() { out.stats = rl.Stats() }()

	stream, err := o.querier.Query(ctx, agent.QueryRequest{
		Prompt:   turn.Prompt,
		ResumeID: resumeID,
		Stderr: func(line string) {
			logger.Debug("backend stderr", "line", shared.Redact(line))
		},
	})
	if err != nil {
		out.err = fmt.Errorf("start query: %w", err)
		return out
	}
	defer stream.Close()

	for {
		ev, err := stream.Next(qctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(qctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				err = fmt.Errorf("%w after %s", ErrQueryTimeout, tuning.QueryTimeout)
			}
			out.err = err
			return out
		}
		switch ev.Kind {
		case agent.EventSession:
			out.sessionID = ev.SessionID
		case agent.EventContent:
			progress.Stop()
			rl.AddContent(qctx, ev.Text)
		case agent.EventCompletion:
			progress.Stop()
			fctx, fcancel := context.WithTimeout(ctx, tuning.EditTimeout)
			rl.Finalize(fctx)
			fcancel()
			out.completion = ev.Completion
			if ev.Completion != nil && ev.Completion.SessionID != "" {
				out.sessionID = ev.Completion.SessionID
			}
		}
	}
	if out.completion == nil {
		out.err = fmt.Errorf("backend stream ended without a result: %w", io.ErrUnexpectedEOF)
	}
	return out
}

func (o *Orchestrator) recordSuccess(ctx context.Context, logger *slog.Logger, key, resolvedID string, out queryOutcome, res Result) {
	var err error
	if out.sessionID != "" && out.sessionID != resolvedID {
		err = o.store.UpdateSessionID(ctx, key, out.sessionID)
	} else {
		err = o.store.TouchActivity(ctx, key)
	}
	if err != nil {
		logger.Warn("session update failed", "error", err)
	}

	c := out.completion
	cost := c.CostUSD
	if cost <= 0 {
		cost = pricing.EstimateCostWithCache(c.Model, c.Usage.InputTokens+c.Usage.CacheCreationTokens, c.Usage.CacheReadTokens, c.Usage.OutputTokens)
	}
	o.metrics.RecordCost(ctx, cost)
	logger.Info("turn completed",
		"state", StateSuccess,
		"retried", res.Retried,
		"agent_session_id", out.sessionID,
		"turns", c.Turns,
		"cost_usd", cost,
		"duration_ms", c.DurationMS,
		"content_length", out.stats.ContentLength,
		"edits", out.stats.UpdateCount,
		"overflowed", out.stats.Overflowed,
	)
	o.publish(bus.TopicTurnCompleted, bus.TurnCompletedEvent{
		TurnID:        res.TurnID,
		SessionKey:    key,
		Retried:       res.Retried,
		Turns:         c.Turns,
		CostUSD:       cost,
		DurationMS:    c.DurationMS,
		ContentLength: out.stats.ContentLength,
		Edits:         out.stats.UpdateCount,
	})
}

func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, turn Turn, ref chat.MessageRef, res Result, class ErrorClass, err error) Result {
	res.State = StateFailure
	res.Class = class
	res.Err = err
	logger.Error("turn failed", "state", StateFailure, "class", class, "retried", res.Retried, "error", err)
	o.reportFailure(ctx, logger, turn.Messenger, turn.Inbound, ref, UserMessage(class))
	o.publish(bus.TopicTurnFailed, bus.TurnEvent{
		TurnID: res.TurnID, SessionKey: SessionKey(turn.Inbound), Platform: turn.Inbound.Platform,
		State: string(StateFailure), Error: string(class),
	})
	return res
}

// reportFailure replaces the placeholder with text, or posts text in the
// thread when there is no placeholder or the edit is rejected.
func (o *Orchestrator) reportFailure(ctx context.Context, logger *slog.Logger, msgr chat.Messenger, in chat.Inbound, ref chat.MessageRef, text string) {
	if msgr == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, o.Tuning().EditTimeout)
	defer cancel()
	if ref.ID != "" {
		err := msgr.UpdateMessage(ctx, ref, text)
		o.metrics.RecordEdit(ctx, "failure", err)
		if err == nil {
			return
		}
		logger.Warn("failure edit rejected; posting instead", "error", err)
	}
	_, err := msgr.PostMessage(ctx, in.Channel, in.ReplyThread(), text)
	o.metrics.RecordEdit(ctx, "failure_post", err)
	if err != nil {
		logger.Error("failure message not delivered", "error", err)
	}
}

func (o *Orchestrator) publish(topic string, payload any) {
	o.bus.Publish(topic, payload)
}

func outcomeOf(res Result) string {
	switch {
	case res.State == StateSuccess && res.Retried:
		return "success_retried"
	case res.State == StateSuccess:
		return "success"
	case res.Class == ErrorClassTimeout:
		return "timeout"
	case res.Class == ErrorClassStaleSession:
		return "stale"
	default:
		return "error"
	}
}
