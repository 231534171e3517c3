// Package cron runs the session expiry sweep on a schedule independent of
// inbound traffic.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/clawrelay/internal/otel"
)

// cronParser accepts 5-field expressions and @every/@hourly descriptors.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Evictor removes expired session mappings.
type Evictor interface {
	EvictExpired(ctx context.Context, ttl time.Duration) (int64, error)
}

type Config struct {
	Store    Evictor
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	TTL      time.Duration // defaults to 24h
	Interval time.Duration // used when Schedule is empty; defaults to 1h
	Schedule string        // optional cron expression
}

// Sweeper evicts idle sessions on a robfig/cron schedule.
type Sweeper struct {
	store   Evictor
	logger  *slog.Logger
	metrics *otel.Metrics
	ttl     time.Duration
	spec    string

	mu     sync.Mutex
	cron   *cronlib.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(cfg Config) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("sweeper: store is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	spec := cfg.Schedule
	if spec == "" {
		spec = "@every " + interval.String()
	}
	if _, err := cronParser.Parse(spec); err != nil {
		return nil, fmt.Errorf("sweeper: invalid schedule %q: %w", spec, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:   cfg.Store,
		logger:  logger.With("component", "sweeper"),
		metrics: cfg.Metrics,
		ttl:     ttl,
		spec:    spec,
	}, nil
}

// Start runs one sweep immediately and then follows the schedule until Stop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	c := cronlib.New(cronlib.WithParser(cronParser), cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)))
	if _, err := c.AddFunc(s.spec, func() { s.Sweep(s.ctx) }); err != nil {
		s.cancel()
		return fmt.Errorf("sweeper: schedule: %w", err)
	}
	s.cron = c
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Sweep(s.ctx)
	}()
	c.Start()
	s.logger.Info("session sweeper started", "schedule", s.spec, "ttl", s.ttl)
	return nil
}

// Stop halts the schedule and waits for a running sweep to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	cancel := s.cancel
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.wg.Wait()
	s.logger.Info("session sweeper stopped")
}

// Sweep performs one eviction pass. Failures are logged and the schedule
// continues.
func (s *Sweeper) Sweep(ctx context.Context) int64 {
	if ctx.Err() != nil {
		return 0
	}
	n, err := s.store.EvictExpired(ctx, s.ttl)
	if err != nil {
		s.logger.Error("session sweep failed", "error", err)
		return 0
	}
	if n > 0 {
		s.metrics.RecordEvicted(ctx, n)
		s.logger.Info("expired sessions evicted", "count", n, "ttl", s.ttl)
	}
	return n
}

// NextRun reports when the schedule fires next after t.
func (s *Sweeper) NextRun(t time.Time) time.Time {
	sched, err := cronParser.Parse(s.spec)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(t)
}

// ValidateSchedule reports whether expr is accepted by the sweeper.
func ValidateSchedule(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}
