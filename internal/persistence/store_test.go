package persistence_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/clawrelay/internal/persistence"
)

// testClock is a settable clock shared between a test and its store.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openTestStore(t *testing.T, opts ...persistence.Option) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	store, err := persistence.Open(dbPath, nil, opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func columns(t *testing.T, db *sql.DB, table string) map[string]bool {
	t.Helper()
	rows, err := db.Query("SELECT name FROM pragma_table_info('" + table + "');")
	if err != nil {
		t.Fatalf("table info: %v", err)
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan: %v", err)
		}
		out[name] = true
	}
	return out
}

func rawDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	return db
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	cols := columns(t, db, "slack_sessions")
	for _, want := range []string{
		"session_key", "agent_session_id", "team_id", "channel_id", "user_id",
		"thread_ts", "created_at", "last_active_at", "message_count",
	} {
		if !cols[want] {
			t.Errorf("missing column %q", want)
		}
	}

	idx := queryOneString(t, db, "SELECT name FROM sqlite_master WHERE type='index' AND name='idx_last_active';")
	if idx != "idx_last_active" {
		t.Fatalf("expected idx_last_active, got %q", idx)
	}
	if v := queryOneString(t, db, "SELECT checksum FROM schema_migrations WHERE version = 1;"); v == "" {
		t.Fatal("expected schema_migrations row for version 1")
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, path := openTestStore(t)
	ctx := context.Background()
	if _, _, err := store.GetOrCreate(ctx, "T1-U1-dm", persistence.Metadata{TeamID: "T1", UserID: "U1"}); err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if err := store.UpdateSessionID(ctx, "T1-U1-dm", "sess-1"); err != nil {
		t.Fatalf("update: %v", err)
	}
	_ = store.Close()

	reopened, err := persistence.Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	id, found, err := reopened.GetOrCreate(ctx, "T1-U1-dm", persistence.Metadata{TeamID: "T1", UserID: "U1"})
	if err != nil {
		t.Fatalf("get or create after reopen: %v", err)
	}
	if !found || id != "sess-1" {
		t.Fatalf("got (%q, %v), want (sess-1, true)", id, found)
	}
}

func TestStore_MigratesLegacyHistoryTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	db := rawDB(t, path)
	if _, err := db.Exec(`
		CREATE TABLE slack_sessions (
			session_key TEXT PRIMARY KEY,
			team_id TEXT NOT NULL,
			channel_id TEXT,
			user_id TEXT NOT NULL,
			thread_ts TEXT,
			conversation_history TEXT,
			created_at INTEGER,
			last_active_at INTEGER,
			message_count INTEGER DEFAULT 0
		);
		INSERT INTO slack_sessions (session_key, team_id, user_id, conversation_history, created_at, last_active_at)
		VALUES ('T1-U1-dm', 'T1', 'U1', '[]', 1, 1);
	`); err != nil {
		t.Fatalf("seed legacy table: %v", err)
	}
	_ = db.Close()

	store, err := persistence.Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	cols := columns(t, store.DB(), "slack_sessions")
	if cols["conversation_history"] {
		t.Fatal("legacy column survived migration")
	}
	if !cols["agent_session_id"] {
		t.Fatal("agent_session_id missing after migration")
	}
	st, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalSessions != 0 {
		t.Fatalf("expected legacy rows discarded, got %d", st.TotalSessions)
	}
}

func TestStore_AddsMissingSessionIDColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	db := rawDB(t, path)
	if _, err := db.Exec(`
		CREATE TABLE slack_sessions (
			session_key TEXT PRIMARY KEY,
			team_id TEXT NOT NULL,
			channel_id TEXT,
			user_id TEXT NOT NULL,
			thread_ts TEXT,
			created_at INTEGER NOT NULL,
			last_active_at INTEGER NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0
		);
		INSERT INTO slack_sessions (session_key, team_id, user_id, created_at, last_active_at)
		VALUES ('T1-U1-dm', 'T1', 'U1', 1, 1);
	`); err != nil {
		t.Fatalf("seed table: %v", err)
	}
	_ = db.Close()

	store, err := persistence.Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	rec, err := store.Lookup(context.Background(), "T1-U1-dm")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec == nil {
		t.Fatal("expected existing row to be preserved")
	}
	if rec.AgentSessionID != "" {
		t.Fatalf("expected empty agent session id, got %q", rec.AgentSessionID)
	}
}

func TestStore_RejectsNewerSchema(t *testing.T) {
	store, path := openTestStore(t)
	if _, err := store.DB().Exec(`INSERT INTO schema_migrations (version, checksum) VALUES (99, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = store.Close()

	if _, err := persistence.Open(path, nil); err == nil {
		t.Fatal("expected error opening db with newer schema")
	}
}
