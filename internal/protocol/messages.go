package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Inbound JSON messages. Audio arrives as binary websocket frames and
	// never as JSON.
	TypeSessionStart MessageType = "session_start"
	TypeInterrupt    MessageType = "interrupt"
	TypeSessionEnd   MessageType = "session_end"

	// Outbound events.
	TypeStateChange         MessageType = "state_change"
	TypePartialTranscript   MessageType = "partial_transcript"
	TypeFinalTranscript     MessageType = "final_transcript"
	TypeAssistantAudioChunk MessageType = "assistant_audio_chunk"
	TypeErrorEvent          MessageType = "error"
	TypeSessionEnded        MessageType = "session_ended"
)

// Close codes distinguish why the gateway shut a connection.
const (
	CloseUnauthorized    = 4401
	CloseTierRequired    = 4402
	CloseTooManySessions = 4403
	CloseNormal          = 1000
	CloseFatalError      = 1011
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type SessionStart struct {
	Type           MessageType `json:"type"`
	AuthToken      string      `json:"auth_token"`
	ConversationID string      `json:"conversation_id,omitempty"`
	// Mode hints the pipeline implementation: "" or "streaming" prefers the
	// realtime pipeline, "batch" requests the request/response fallback.
	Mode string `json:"mode,omitempty"`
}

type Interrupt struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type SessionEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type StateChange struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
	Seq       uint64      `json:"seq"`
	TSMs      int64       `json:"ts_ms"`
}

type PartialTranscript struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	UtteranceID string      `json:"utterance_id"`
	Text        string      `json:"text"`
	Confidence  float64     `json:"confidence"`
}

type FinalTranscript struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	UtteranceID string      `json:"utterance_id"`
	Text        string      `json:"text"`
	Confidence  float64     `json:"confidence"`
}

type AssistantAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	UtteranceID string      `json:"utterance_id"`
	Seq         int         `json:"seq"`
	Format      string      `json:"format"`
	AudioBase64 string      `json:"audio_base64"`
}

// ErrorEvent carries a stable error code; provider internals never reach the
// client directly.
type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
}

type UsageSummary struct {
	STTSeconds      float64 `json:"stt_seconds"`
	LLMInputTokens  int64   `json:"llm_input_tokens"`
	LLMOutputTokens int64   `json:"llm_output_tokens"`
	TTSCharacters   int64   `json:"tts_characters"`
	TotalCost       float64 `json:"total_cost"`
}

type SessionEnded struct {
	Type      MessageType  `json:"type"`
	SessionID string       `json:"session_id"`
	Reason    string       `json:"reason"`
	Usage     UsageSummary `json:"usage"`
}

// ParseClientMessage decodes an inbound JSON text message.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSessionStart:
		var msg SessionStart
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.AuthToken == "" {
			return nil, errors.New("invalid session_start: missing auth_token")
		}
		return msg, nil
	case TypeInterrupt:
		var msg Interrupt
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeSessionEnd:
		var msg SessionEnd
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
