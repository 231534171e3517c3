package cron_test

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/clawrelay/internal/cron"
	"github.com/basket/clawrelay/internal/persistence"
)

// waitFor polls check until it returns true or the deadline elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type countingEvictor struct {
	calls atomic.Int64
	err   error
	n     int64
	ttl   atomic.Int64
}

func (e *countingEvictor) EvictExpired(_ context.Context, ttl time.Duration) (int64, error) {
	e.calls.Add(1)
	e.ttl.Store(int64(ttl))
	return e.n, e.err
}

func TestSweeper_RunsImmediatelyOnStart(t *testing.T) {
	ev := &countingEvictor{n: 2}
	s, err := cron.NewSweeper(cron.Config{Store: ev, Logger: slog.Default(), TTL: 2 * time.Hour, Interval: time.Hour})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return ev.calls.Load() >= 1 })
	if got := time.Duration(ev.ttl.Load()); got != 2*time.Hour {
		t.Fatalf("ttl = %s, want 2h", got)
	}
}

func TestSweeper_FollowsSchedule(t *testing.T) {
	ev := &countingEvictor{}
	s, err := cron.NewSweeper(cron.Config{Store: ev, Schedule: "@every 1s"})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	waitFor(t, 4*time.Second, func() bool { return ev.calls.Load() >= 2 })
}

func TestSweeper_KeepsRunningAfterFailure(t *testing.T) {
	ev := &countingEvictor{err: errors.New("database is on fire")}
	s, err := cron.NewSweeper(cron.Config{Store: ev})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	if n := s.Sweep(context.Background()); n != 0 {
		t.Fatalf("sweep returned %d on failure", n)
	}
	ev.err = nil
	ev.n = 4
	if n := s.Sweep(context.Background()); n != 4 {
		t.Fatalf("sweep returned %d, want 4", n)
	}
}

func TestSweeper_InvalidSchedule(t *testing.T) {
	if _, err := cron.NewSweeper(cron.Config{Store: &countingEvictor{}, Schedule: "every tuesday"}); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if err := cron.ValidateSchedule("*/15 * * * *"); err != nil {
		t.Fatalf("valid schedule rejected: %v", err)
	}
}

func TestSweeper_NextRun(t *testing.T) {
	s, err := cron.NewSweeper(cron.Config{Store: &countingEvictor{}, Schedule: "0 * * * *"})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	base := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	want := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	if got := s.NextRun(base); !got.Equal(want) {
		t.Fatalf("next run = %s, want %s", got, want)
	}
}

func TestSweeper_StopWithoutStart(t *testing.T) {
	s, err := cron.NewSweeper(cron.Config{Store: &countingEvictor{}})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	s.Stop()
}

func TestSweeper_EvictsFromStore(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var offset atomic.Int64
	clock := func() time.Time { return now.Add(time.Duration(offset.Load())) }

	store, err := persistence.Open(filepath.Join(t.TempDir(), "sessions.db"), nil, persistence.WithClock(clock))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	if _, _, err := store.GetOrCreate(ctx, "T1-U1-dm", persistence.Metadata{TeamID: "T1", UserID: "U1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	offset.Store(int64(25 * time.Hour))

	s, err := cron.NewSweeper(cron.Config{Store: store, TTL: 24 * time.Hour})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	if n := s.Sweep(ctx); n != 1 {
		t.Fatalf("sweep evicted %d, want 1", n)
	}
}
