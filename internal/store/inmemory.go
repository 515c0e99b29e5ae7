package store

import (
	"context"
	"sync"
	"time"

	"github.com/contigo/voice-gateway/internal/metadata"
)

// InMemoryStore is a simple in-process store for local/dev use. Local runs
// have no identity provider behind them, so every caller is a known user.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{conversations: make(map[string]*Conversation)}
}

func (s *InMemoryStore) UserExists(_ context.Context, _ string) (bool, error) {
	return true, nil
}

func (s *InMemoryStore) SessionCountSince(_ context.Context, userID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, c := range s.conversations {
		if c.UserID == userID && !c.StartTime.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) SessionMetadata(_ context.Context, sessionID string) (metadata.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[sessionID]
	if !ok {
		return metadata.Metadata{}, nil
	}
	return metadata.Metadata{Difficulty: c.Difficulty, Adaptive: c.Adaptive}, nil
}

func (s *InMemoryStore) CreateConversation(_ context.Context, c Conversation) error {
	if c.StartTime.IsZero() {
		c.StartTime = time.Now().UTC()
	}
	if c.Language == "" {
		c.Language = "es"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[c.ID]; ok {
		return nil
	}
	s.conversations[c.ID] = &c
	return nil
}

func (s *InMemoryStore) EndConversation(_ context.Context, sessionID string, difficulty *string, adaptive *bool, topic *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[sessionID]
	if !ok || c.EndTime != nil {
		return nil
	}
	now := time.Now().UTC()
	c.EndTime = &now
	if difficulty != nil {
		c.Difficulty = difficulty
	}
	if adaptive != nil {
		c.Adaptive = adaptive
	}
	if topic != nil {
		c.Topic = topic
	}
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
