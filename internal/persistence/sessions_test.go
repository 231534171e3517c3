package persistence_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/clawrelay/internal/bus"
	"github.com/basket/clawrelay/internal/persistence"
)

var dmMeta = persistence.Metadata{TeamID: "T1", UserID: "U1"}

func TestSessions_GetOrCreateNewKey(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id, found, err := store.GetOrCreate(ctx, "T1-U1-dm", dmMeta)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if found || id != "" {
		t.Fatalf("got (%q, %v), want (\"\", false)", id, found)
	}

	rec, err := store.Lookup(ctx, "T1-U1-dm")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec == nil {
		t.Fatal("expected row to exist")
	}
	if rec.MessageCount != 0 {
		t.Fatalf("message_count = %d, want 0", rec.MessageCount)
	}
	if rec.TeamID != "T1" || rec.UserID != "U1" {
		t.Fatalf("unexpected metadata: %+v", rec)
	}
}

func TestSessions_GetOrCreateNullIDDoesNotDuplicate(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, found, err := store.GetOrCreate(ctx, "T1-C1-100.1", persistence.Metadata{TeamID: "T1", ChannelID: "C1", UserID: "U1", ThreadTS: "100.1"})
		if err != nil {
			t.Fatalf("get or create #%d: %v", i, err)
		}
		if found || id != "" {
			t.Fatalf("call %d: got (%q, %v)", i, id, found)
		}
	}
	st, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalSessions != 1 {
		t.Fatalf("total sessions = %d, want 1", st.TotalSessions)
	}
}

func TestSessions_UpdateThenGet(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, _, err := store.GetOrCreate(ctx, "T1-U1-dm", dmMeta); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.UpdateSessionID(ctx, "T1-U1-dm", "S1"); err != nil {
		t.Fatalf("update: %v", err)
	}
	id, found, err := store.GetOrCreate(ctx, "T1-U1-dm", dmMeta)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found || id != "S1" {
		t.Fatalf("got (%q, %v), want (S1, true)", id, found)
	}

	rec, _ := store.Lookup(ctx, "T1-U1-dm")
	if rec.MessageCount != 1 {
		t.Fatalf("message_count = %d, want 1", rec.MessageCount)
	}
}

func TestSessions_TouchActivityKeepsID(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	store, _ := openTestStore(t, persistence.WithClock(clock.Now))
	ctx := context.Background()

	_, _, _ = store.GetOrCreate(ctx, "T1-U1-dm", dmMeta)
	_ = store.UpdateSessionID(ctx, "T1-U1-dm", "S1")
	clock.Advance(10 * time.Minute)
	if err := store.TouchActivity(ctx, "T1-U1-dm"); err != nil {
		t.Fatalf("touch: %v", err)
	}

	rec, err := store.Lookup(ctx, "T1-U1-dm")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.AgentSessionID != "S1" {
		t.Fatalf("agent session id = %q, want S1", rec.AgentSessionID)
	}
	if rec.MessageCount != 2 {
		t.Fatalf("message_count = %d, want 2", rec.MessageCount)
	}
	if !rec.LastActiveAt.Equal(clock.Now()) {
		t.Fatalf("last_active_at = %s, want %s", rec.LastActiveAt, clock.Now())
	}
}

func TestSessions_DeleteThenGetReturnsNotFound(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	_, _, _ = store.GetOrCreate(ctx, "T1-U1-dm", dmMeta)
	_ = store.UpdateSessionID(ctx, "T1-U1-dm", "S1")
	if err := store.Delete(ctx, "T1-U1-dm"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	id, found, err := store.GetOrCreate(ctx, "T1-U1-dm", dmMeta)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found || id != "" {
		t.Fatalf("got (%q, %v), want (\"\", false)", id, found)
	}
}

func TestSessions_UpdatesOnMissingKeyAreNoops(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.UpdateSessionID(ctx, "gone", "S1"); err != nil {
		t.Fatalf("update missing: %v", err)
	}
	if err := store.TouchActivity(ctx, "gone"); err != nil {
		t.Fatalf("touch missing: %v", err)
	}
	if err := store.Delete(ctx, "gone"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	rec, err := store.Lookup(ctx, "gone")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected no row, got %+v", rec)
	}
}

func TestSessions_EvictExpired(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	eventBus := bus.New()
	sub := eventBus.Subscribe(bus.TopicSessionEvicted)
	defer eventBus.Unsubscribe(sub)

	store, err := persistence.Open(filepath.Join(t.TempDir(), "sessions.db"), eventBus, persistence.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	_, _, _ = store.GetOrCreate(ctx, "old", dmMeta)
	clock.Advance(24 * time.Hour)
	_, _, _ = store.GetOrCreate(ctx, "fresh", dmMeta)
	clock.Advance(time.Hour)
	// old is now 25h idle, fresh 1h.

	n, err := store.EvictExpired(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if rec, _ := store.Lookup(ctx, "old"); rec != nil {
		t.Fatal("expected old session evicted")
	}
	if rec, _ := store.Lookup(ctx, "fresh"); rec == nil {
		t.Fatal("expected fresh session retained")
	}

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.SessionEvictedEvent)
		if !ok || payload.Count != 1 {
			t.Fatalf("unexpected eviction event: %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no eviction event published")
	}
}

func TestSessions_EvictRejectsNonPositiveTTL(t *testing.T) {
	store, _ := openTestStore(t)
	if _, err := store.EvictExpired(context.Background(), 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}

func TestSessions_Stats(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store, _ := openTestStore(t, persistence.WithClock(clock.Now))
	ctx := context.Background()

	_, _, _ = store.GetOrCreate(ctx, "a", dmMeta)
	clock.Advance(2 * time.Hour)
	_, _, _ = store.GetOrCreate(ctx, "b", dmMeta)
	_, _, _ = store.GetOrCreate(ctx, "c", dmMeta)

	st, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalSessions != 3 || st.ActiveLastHour != 2 {
		t.Fatalf("stats = %+v, want total=3 active=2", st)
	}

	list, err := store.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[2].SessionKey != "a" {
		t.Fatalf("unexpected list order: %+v", list)
	}
}

func TestSessions_ConcurrentGetOrCreate(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("T1-C1-%d", i%4)
			if _, _, err := store.GetOrCreate(ctx, key, dmMeta); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent get or create: %v", err)
	}

	st, _ := store.Stats(ctx)
	if st.TotalSessions != 4 {
		t.Fatalf("total = %d, want 4", st.TotalSessions)
	}
}

func TestSessions_EmptyKeyRejected(t *testing.T) {
	store, _ := openTestStore(t)
	if _, _, err := store.GetOrCreate(context.Background(), " ", dmMeta); err == nil {
		t.Fatal("expected error for empty key")
	}
}
