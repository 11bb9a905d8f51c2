// Package history records pipeline attempts in sqlite so failed generations
// can be inspected after the fact.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/reza/vizier/internal/observability"
	"github.com/reza/vizier/pkg/pipeline"
	"github.com/rs/zerolog"
)

// Record is one persisted attempt.
type Record struct {
	ID         int64     `json:"id"`
	SessionKey string    `json:"session_key"`
	Turn       int64     `json:"turn"`
	Goal       string    `json:"goal"`
	Attempt    int       `json:"attempt"`
	Source     string    `json:"source"`
	Kind       string    `json:"kind,omitempty"`
	Message    string    `json:"message,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists attempt records.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// New opens (or creates) the attempt database at dbPath.
func New(dbPath string, logger zerolog.Logger) (*Store, error) {
	observability.EnsureRegistered()

	if dbPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL lets reads proceed while the pipeline is writing.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info().Str("path", dbPath).Msg("Attempt history store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS attempts (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key TEXT NOT NULL,
			turn        INTEGER NOT NULL,
			goal        TEXT NOT NULL,
			attempt     INTEGER NOT NULL,
			source      TEXT NOT NULL,
			kind        TEXT NOT NULL DEFAULT '',
			message     TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_attempts_session_turn
			ON attempts (session_key, turn);
	`)
	return err
}

// Save persists one attempt.
func (s *Store) Save(ctx context.Context, sessionKey string, turn int64, attempt pipeline.Attempt) error {
	kind, message := "", ""
	if attempt.Failure != nil {
		kind = string(attempt.Failure.Kind)
		message = attempt.Failure.Message
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (session_key, turn, goal, attempt, source, kind, message)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionKey, turn, attempt.Candidate.Goal, attempt.Number, attempt.Candidate.Source, kind, message,
	)
	if err != nil {
		observability.RecordAttemptHistoryWriteFailure()
		return fmt.Errorf("failed to save attempt: %w", err)
	}
	return nil
}

// Recorder returns a pipeline OnAttempt hook bound to a session and turn.
// Write failures are logged and swallowed so history never breaks a run.
func (s *Store) Recorder(sessionKey string, turn int64) func(pipeline.Attempt) {
	return func(attempt pipeline.Attempt) {
		if err := s.Save(context.Background(), sessionKey, turn, attempt); err != nil {
			s.logger.Warn().
				Err(err).
				Str("sessionKey", sessionKey).
				Int64("turn", turn).
				Msg("Failed to record attempt")
		}
	}
}

// ForTurn returns the attempts of one turn, oldest first.
func (s *Store) ForTurn(ctx context.Context, sessionKey string, turn int64) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_key, turn, goal, attempt, source, kind, message, created_at
		FROM attempts
		WHERE session_key = ? AND turn = ?
		ORDER BY attempt ASC`,
		sessionKey, turn,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Recent returns the most recent attempts for a session, newest first.
func (s *Store) Recent(ctx context.Context, sessionKey string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_key, turn, goal, attempt, source, kind, message, created_at
		FROM attempts
		WHERE session_key = ?
		ORDER BY id DESC
		LIMIT ?`,
		sessionKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Prune deletes records older than maxAge and returns how many were removed.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM attempts WHERE created_at < ?`,
		time.Now().Add(-maxAge),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune attempts: %w", err)
	}
	return res.RowsAffected()
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.SessionKey, &r.Turn, &r.Goal, &r.Attempt,
			&r.Source, &r.Kind, &r.Message, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
