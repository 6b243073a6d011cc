package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nova-companion/nova/internal/usage"
)

// PostgresStore persists transcripts and usage rows in PostgreSQL.
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
		`CREATE TABLE IF NOT EXISTS voice_utterances (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_voice_utterances_conv_created ON voice_utterances (conversation_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS voice_usage_records (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			stt_requests INTEGER NOT NULL,
			stt_seconds DOUBLE PRECISION NOT NULL,
			llm_input_tokens BIGINT NOT NULL,
			llm_output_tokens BIGINT NOT NULL,
			tts_characters BIGINT NOT NULL,
			cost_stt DOUBLE PRECISION NOT NULL,
			cost_llm DOUBLE PRECISION NOT NULL,
			cost_tts DOUBLE PRECISION NOT NULL,
			total_cost DOUBLE PRECISION NOT NULL,
			finalized_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_voice_usage_user_finalized ON voice_usage_records (user_id, finalized_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveUtterance(ctx context.Context, record UtteranceRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_utterances (id, session_id, user_id, conversation_id, role, text, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.ID,
		record.SessionID,
		record.UserID,
		record.ConversationID,
		record.Role,
		record.Text,
		record.PIIRedacted,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save utterance: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentContext(ctx context.Context, conversationID string, limit int) ([]UtteranceRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, user_id, conversation_id, role, text, pii_redacted, created_at
		 FROM voice_utterances WHERE conversation_id=$1 ORDER BY created_at DESC LIMIT $2`,
		conversationID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent context: %w", err)
	}
	defer rows.Close()

	items := make([]UtteranceRecord, 0, limit)
	for rows.Next() {
		var r UtteranceRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.UserID, &r.ConversationID, &r.Role, &r.Text, &r.PIIRedacted, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan context row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate context rows: %w", err)
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, nil
}

func (s *PostgresStore) SaveUsage(ctx context.Context, record usage.Record) error {
	// Finalize runs exactly once per session, but the async flush may be
	// retried; ON CONFLICT keeps the flush idempotent at the row level.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_usage_records
		 (session_id, user_id, stt_requests, stt_seconds, llm_input_tokens, llm_output_tokens,
		  tts_characters, cost_stt, cost_llm, cost_tts, total_cost, finalized_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (session_id) DO NOTHING`,
		record.SessionID,
		record.UserID,
		record.STTRequests,
		record.STTSeconds,
		record.LLMInputTokens,
		record.LLMOutputTokens,
		record.TTSCharacters,
		record.CostSTT,
		record.CostLLM,
		record.CostTTS,
		record.TotalCost,
		record.FinalizedAt,
	)
	if err != nil {
		return fmt.Errorf("save usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
