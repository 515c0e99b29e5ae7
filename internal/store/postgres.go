package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/contigo/voice-gateway/internal/metadata"
)

// PostgresStore backs the gateway's identity and conversation boundaries
// with the shared product database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			email TEXT NOT NULL,
			name TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			language TEXT NOT NULL DEFAULT 'es',
			topic TEXT,
			agent_display_name TEXT,
			difficulty TEXT,
			adaptive BOOLEAN,
			start_time TIMESTAMPTZ NOT NULL DEFAULT now(),
			end_time TIMESTAMPTZ
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user_start ON conversations (user_id, start_time);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// UserExists reports whether the user id references a known identity.
func (s *PostgresStore) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE id=$1)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("user lookup: %w", err)
	}
	return exists, nil
}

// SessionCountSince counts conversations a user started at or after the
// given instant. The quota derives entirely from this read path; minting a
// token records nothing.
func (s *PostgresStore) SessionCountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM conversations WHERE user_id=$1 AND start_time >= $2`,
		userID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return count, nil
}

// SessionMetadata returns the persisted difficulty/adaptive settings for a
// session. Absent rows or null columns come back as unknown, not as errors
// the broker would have to special-case.
func (s *PostgresStore) SessionMetadata(ctx context.Context, sessionID string) (metadata.Metadata, error) {
	var difficulty *string
	var adaptive *bool
	err := s.pool.QueryRow(ctx,
		`SELECT difficulty, adaptive FROM conversations WHERE id=$1`, sessionID).
		Scan(&difficulty, &adaptive)
	if errors.Is(err, pgx.ErrNoRows) {
		return metadata.Metadata{}, nil
	}
	if err != nil {
		return metadata.Metadata{}, fmt.Errorf("session metadata: %w", err)
	}
	return metadata.Metadata{Difficulty: difficulty, Adaptive: adaptive}, nil
}

// Conversation is the durable record of one session.
type Conversation struct {
	ID         string
	UserID     string
	Language   string
	Topic      *string
	Difficulty *string
	Adaptive   *bool
	StartTime  time.Time
	EndTime    *time.Time
}

// CreateConversation inserts the record whose existence later feeds the
// usage quota. Idempotent on id: re-creating an existing conversation for
// the same user is a no-op.
func (s *PostgresStore) CreateConversation(ctx context.Context, c Conversation) error {
	if c.StartTime.IsZero() {
		c.StartTime = time.Now().UTC()
	}
	if c.Language == "" {
		c.Language = "es"
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, user_id, language, topic, difficulty, adaptive, start_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		c.ID, c.UserID, c.Language, c.Topic, c.Difficulty, c.Adaptive, c.StartTime,
	)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// EndConversation writes the one-time completion mutation: end time plus
// the final difficulty/adaptive/topic values.
func (s *PostgresStore) EndConversation(ctx context.Context, sessionID string, difficulty *string, adaptive *bool, topic *string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE conversations
		 SET end_time = now(),
		     difficulty = COALESCE($2, difficulty),
		     adaptive = COALESCE($3, adaptive),
		     topic = COALESCE($4, topic)
		 WHERE id=$1 AND end_time IS NULL`,
		sessionID, difficulty, adaptive, topic,
	)
	if err != nil {
		return fmt.Errorf("end conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
