package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	_ "modernc.org/sqlite"
)

// timeLayout sorts lexicographically in the same order as time.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store journals finished exchanges in SQLite. It is write-mostly: the
// pipeline never reads it back while serving requests.
type Store struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config. In ephemeral mode no
// database is opened and every call is a no-op.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
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

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS exchanges (
    exchange_id TEXT PRIMARY KEY,
    route TEXT NOT NULL,
    query TEXT NOT NULL,
    reply TEXT,
    model TEXT,
    prompt_tokens INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    state TEXT NOT NULL,
    failed_stage TEXT,
    status INTEGER NOT NULL,
    error TEXT,
    audio_bytes INTEGER NOT NULL DEFAULT 0,
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exchanges_finished ON exchanges(finished_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init journal schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enabled reports whether records are persisted.
func (s *Store) Enabled() bool { return s.db != nil }

// Record writes one finished exchange.
func (s *Store) Record(ctx context.Context, evt protocol.ExchangeEvent) error {
	if s.db == nil {
		return nil
	}
	if evt.FinishedAt.IsZero() {
		evt.FinishedAt = s.clock()
	}
	if evt.StartedAt.IsZero() {
		evt.StartedAt = evt.FinishedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exchanges(exchange_id, route, query, reply, model, prompt_tokens, completion_tokens, state, failed_stage, status, error, audio_bytes, started_at, finished_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ExchangeID, evt.Route, evt.Query, evt.Reply, evt.Model, evt.PromptTokens, evt.CompletionTokens,
		evt.State, evt.FailedStage, evt.Status, evt.Error, evt.AudioBytes, formatTime(evt.StartedAt), formatTime(evt.FinishedAt))
	if err != nil {
		return fmt.Errorf("insert exchange: %w", err)
	}
	return nil
}

// Recent returns up to limit exchanges, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]protocol.ExchangeEvent, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT exchange_id, route, query, reply, model, prompt_tokens, completion_tokens, state, failed_stage, status, error, audio_bytes, started_at, finished_at
		 FROM exchanges ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []protocol.ExchangeEvent
	for rows.Next() {
		var (
			e                 protocol.ExchangeEvent
			reply, model      sql.NullString
			stage, errMsg     sql.NullString
			started, finished string
		)
		if err := rows.Scan(&e.ExchangeID, &e.Route, &e.Query, &reply, &model, &e.PromptTokens, &e.CompletionTokens, &e.State, &stage, &e.Status, &errMsg,
			&e.AudioBytes, &started, &finished); err != nil {
			return nil, err
		}
		e.Reply, e.Model, e.FailedStage, e.Error = reply.String, model.String, stage.String, errMsg.String
		e.StartedAt = parseTime(started)
		e.FinishedAt = parseTime(finished)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM exchanges WHERE finished_at < ?`, formatTime(cutoff)); err != nil {
			return err
		}
	}
	if s.cfg.MaxExchanges > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM exchanges WHERE exchange_id IN (
			SELECT exchange_id FROM exchanges ORDER BY finished_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxExchanges)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	ts, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}
