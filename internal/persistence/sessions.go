package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/clawrelay/internal/bus"
)

// Metadata is the conversation context recorded when a mapping is created.
type Metadata struct {
	TeamID    string
	ChannelID string
	UserID    string
	ThreadTS  string
}

// SessionRecord maps one conversation key to a backend session id.
type SessionRecord struct {
	SessionKey     string    `json:"session_key"`
	AgentSessionID string    `json:"agent_session_id,omitempty"`
	TeamID         string    `json:"team_id"`
	ChannelID      string    `json:"channel_id,omitempty"`
	UserID         string    `json:"user_id"`
	ThreadTS       string    `json:"thread_ts,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActiveAt   time.Time `json:"last_active_at"`
	MessageCount   int       `json:"message_count"`
}

// Stats summarizes the table for health and admin endpoints.
type Stats struct {
	TotalSessions  int `json:"total_sessions"`
	ActiveLastHour int `json:"active_last_hour"`
}

var errEmptyKey = errors.New("session key is required")

// GetOrCreate returns the backend session id stored for key. found is false
// when the row is new or has never been bound to a backend session; in both
// cases exactly one row exists for key afterwards.
func (s *Store) GetOrCreate(ctx context.Context, key string, meta Metadata) (agentSessionID string, found bool, err error) {
	if strings.TrimSpace(key) == "" {
		return "", false, errEmptyKey
	}
	now := s.nowMillis()
	var id sql.NullString
	err = retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin get-or-create tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO slack_sessions (
				session_key, agent_session_id, team_id, channel_id, user_id, thread_ts,
				created_at, last_active_at, message_count
			)
			VALUES (?, NULL, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT(session_key) DO NOTHING;
		`, key, meta.TeamID, nullString(meta.ChannelID), meta.UserID, nullString(meta.ThreadTS), now, now); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT agent_session_id FROM slack_sessions WHERE session_key = ?;`, key).Scan(&id); err != nil {
			return fmt.Errorf("select session: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return "", false, err
	}
	if !id.Valid || id.String == "" {
		return "", false, nil
	}
	return id.String, true, nil
}

// UpdateSessionID binds key to agentSessionID and records activity. A key
// that no longer exists is left alone.
func (s *Store) UpdateSessionID(ctx context.Context, key, agentSessionID string) error {
	now := s.nowMillis()
	return retryOnBusy(ctx, busyRetries, func() error {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE slack_sessions
			SET agent_session_id = ?, last_active_at = ?, message_count = message_count + 1
			WHERE session_key = ?;
		`, nullString(agentSessionID), now, key); err != nil {
			return fmt.Errorf("update session id: %w", err)
		}
		return nil
	})
}

// TouchActivity records activity on key without changing its session id.
func (s *Store) TouchActivity(ctx context.Context, key string) error {
	now := s.nowMillis()
	return retryOnBusy(ctx, busyRetries, func() error {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE slack_sessions
			SET last_active_at = ?, message_count = message_count + 1
			WHERE session_key = ?;
		`, now, key); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM slack_sessions WHERE session_key = ?;`, key); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}

// EvictExpired removes every mapping idle for longer than ttl.
func (s *Store) EvictExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, fmt.Errorf("invalid ttl %s", ttl)
	}
	cutoff := s.now().Add(-ttl).UnixMilli()
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM slack_sessions WHERE last_active_at < ?;`, cutoff)
		if err != nil {
			return fmt.Errorf("evict sessions: %w", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("evict rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.bus.Publish(bus.TopicSessionEvicted, bus.SessionEvictedEvent{Count: n, TTL: ttl.String()})
	}
	return n, nil
}

// Lookup returns the record for key, or nil when there is none.
func (s *Store) Lookup(ctx context.Context, key string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_key, agent_session_id, team_id, channel_id, user_id, thread_ts,
		       created_at, last_active_at, message_count
		FROM slack_sessions
		WHERE session_key = ?;
	`, key)
	rec, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	return rec, nil
}

// ListSessions returns the most recently active mappings first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_key, agent_session_id, team_id, channel_id, user_id, thread_ts,
		       created_at, last_active_at, message_count
		FROM slack_sessions
		ORDER BY last_active_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessions rows: %w", err)
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	hourAgo := s.now().Add(-time.Hour).UnixMilli()
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN last_active_at > ? THEN 1 ELSE 0 END), 0)
		FROM slack_sessions;
	`, hourAgo).Scan(&st.TotalSessions, &st.ActiveLastHour)
	if err != nil {
		return Stats{}, fmt.Errorf("session stats: %w", err)
	}
	return st, nil
}

func scanSession(scanFn func(dest ...any) error) (*SessionRecord, error) {
	var (
		rec                 SessionRecord
		agentID, ch, thread sql.NullString
		created, active     int64
	)
	if err := scanFn(&rec.SessionKey, &agentID, &rec.TeamID, &ch, &rec.UserID, &thread,
		&created, &active, &rec.MessageCount); err != nil {
		return nil, err
	}
	rec.AgentSessionID = agentID.String
	rec.ChannelID = ch.String
	rec.ThreadTS = thread.String
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.LastActiveAt = time.UnixMilli(active).UTC()
	return &rec, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
