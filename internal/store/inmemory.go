package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nova-companion/nova/internal/usage"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu         sync.RWMutex
	utterances map[string][]UtteranceRecord
	usages     map[string]usage.Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		utterances: make(map[string][]UtteranceRecord),
		usages:     make(map[string]usage.Record),
	}
}

func (s *InMemoryStore) SaveUtterance(_ context.Context, record UtteranceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.utterances[record.ConversationID] = append(s.utterances[record.ConversationID], record)
	return nil
}

func (s *InMemoryStore) RecentContext(_ context.Context, conversationID string, limit int) ([]UtteranceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.utterances[conversationID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]UtteranceRecord, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) SaveUsage(_ context.Context, record usage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usages[record.SessionID]; exists {
		return nil
	}
	s.usages[record.SessionID] = record
	return nil
}

// Usage returns the flushed record for a session, if any. Test helper.
func (s *InMemoryStore) Usage(sessionID string) (usage.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.usages[sessionID]
	return r, ok
}

func (s *InMemoryStore) Close() error { return nil }
