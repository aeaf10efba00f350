package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/parlolabs/parlo-core/internal/config"
	"github.com/parlolabs/parlo-core/internal/conversation"
	_ "modernc.org/sqlite"
)

// Entry is one persisted conversation message.
type Entry struct {
	ID        int64
	SessionID string
	MessageID string
	Speaker   string
	Kind      string
	Body      string
	CreatedAt time.Time
}

// SessionInfo summarizes one recorded session.
type SessionInfo struct {
	SessionID string
	StartedAt time.Time
	EndedAt   time.Time
	Messages  int
}

// Store persists conversation transcripts in SQLite. Retention modes:
// ephemeral keeps nothing (no database is opened), session keeps history
// only until the session ends, persistent keeps history across runs and
// prunes by age and session count.
type Store struct {
	db    *sql.DB
	cfg   config.TranscriptConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the transcript store according to config.
func Open(ctx context.Context, cfg config.TranscriptConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "transcript"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.RetentionMode == "session" {
		// history never outlives its run; wipe whatever a crash left behind
		if _, err := db.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
			db.Close()
			return nil, fmt.Errorf("clear session-mode leftovers: %w", err)
		}
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("transcript vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("transcript prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    message_id TEXT NOT NULL,
    speaker TEXT NOT NULL,
    kind TEXT NOT NULL,
    body TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// StartSession ensures a session row exists.
func (s *Store) StartSession(ctx context.Context, sessionID string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, started_at) VALUES(?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sessionID, s.clock().UTC())
	return err
}

// RecordMessage appends one message to a session's transcript.
func (s *Store) RecordMessage(ctx context.Context, sessionID string, msg conversation.Message) error {
	if s.db == nil {
		return nil
	}
	at := msg.CreatedAt
	if at.IsZero() {
		at = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(session_id, message_id, speaker, kind, body, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		sessionID, msg.ID, string(msg.Speaker), string(msg.Kind), msg.Text, at.UTC())
	return err
}

// EndSession stamps the session closed. In session retention mode the
// session's history is dropped with it.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	if s.db == nil {
		return nil
	}
	if s.cfg.RetentionMode == "session" {
		_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE session_id = ?`,
		s.clock().UTC(), sessionID)
	return err
}

// ListSessionMessages retrieves up to limit messages for a session ordered ascending by time.
func (s *Store) ListSessionMessages(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, message_id, speaker, kind, body, created_at
		 FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.MessageID, &e.Speaker, &e.Kind, &e.Body, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecentSessions lists sessions newest first with their message counts.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]SessionInfo, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.session_id, s.started_at, COALESCE(s.ended_at, ''), COUNT(m.id)
		 FROM sessions s LEFT JOIN messages m ON m.session_id = s.session_id
		 GROUP BY s.session_id ORDER BY s.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []SessionInfo
	for rows.Next() {
		var info SessionInfo
		var started, ended string
		if err := rows.Scan(&info.SessionID, &started, &ended, &info.Messages); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
			info.StartedAt = ts
		}
		if ended != "" {
			if ts, err := time.Parse(time.RFC3339Nano, ended); err == nil {
				info.EndedAt = ts
			}
		}
		sessions = append(sessions, info)
	}
	return sessions, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode != "persistent" || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Recorder binds the store to a context, satisfying the orchestrator's
// fire-and-forget persistence hook.
type Recorder struct {
	store *Store
	ctx   context.Context
}

// Recorder returns the conversation-facing adapter.
func (s *Store) Recorder(ctx context.Context) *Recorder {
	return &Recorder{store: s, ctx: ctx}
}

func (r *Recorder) StartSession(sessionID string) error {
	return r.store.StartSession(r.ctx, sessionID)
}

func (r *Recorder) RecordMessage(sessionID string, msg conversation.Message) error {
	return r.store.RecordMessage(r.ctx, sessionID, msg)
}

func (r *Recorder) EndSession(sessionID string) error {
	return r.store.EndSession(r.ctx, sessionID)
}
