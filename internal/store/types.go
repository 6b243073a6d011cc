package store

import (
	"context"
	"time"

	"github.com/nova-companion/nova/internal/usage"
)

// UtteranceRecord stores one side of a voice exchange: the user's final
// transcript or the assistant's reply text.
type UtteranceRecord struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Text           string    `json:"text"`
	PIIRedacted    bool      `json:"pii_redacted"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists voice transcripts and flushed usage records. Callers on
// the audio path invoke it off the critical path; failures are logged and
// never surfaced to the client.
type Store interface {
	SaveUtterance(ctx context.Context, record UtteranceRecord) error
	RecentContext(ctx context.Context, conversationID string, limit int) ([]UtteranceRecord, error)
	SaveUsage(ctx context.Context, record usage.Record) error
	Close() error
}
