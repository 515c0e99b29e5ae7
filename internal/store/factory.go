package store

import (
	"context"
	"strings"
	"time"

	"github.com/contigo/voice-gateway/internal/metadata"
)

// Store is everything the gateway persists: identity lookups, the usage
// counts behind the session quota, stored session parameters, and the
// conversation lifecycle.
type Store interface {
	UserExists(ctx context.Context, userID string) (bool, error)
	SessionCountSince(ctx context.Context, userID string, since time.Time) (int, error)
	SessionMetadata(ctx context.Context, sessionID string) (metadata.Metadata, error)
	CreateConversation(ctx context.Context, c Conversation) error
	EndConversation(ctx context.Context, sessionID string, difficulty *string, adaptive *bool, topic *string) error
	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise
// in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
