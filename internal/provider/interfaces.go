package provider

import (
	"context"
	"fmt"
)

// Error is a normalized provider failure. The client never sees raw
// provider messages, only the stable code.
type Error struct {
	Source    string // "stt", "llm", "tts"
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s provider error (%s): %v", e.Source, e.Code, e.Err)
	}
	return fmt.Sprintf("%s provider error (%s)", e.Source, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

type STTEventType string

const (
	STTEventPartial STTEventType = "partial"
	STTEventFinal   STTEventType = "final"
	STTEventError   STTEventType = "error"
)

type STTEvent struct {
	Type       STTEventType
	Text       string
	Confidence float64
	Code       string
	Retryable  bool
}

// STTStream is one utterance's transcription stream. Zero or more partial
// events, then exactly one final or error event. Cancelling the start
// context aborts the stream; Events is closed when the stream is done.
type STTStream interface {
	SendAudio(ctx context.Context, pcm []byte) error
	CloseInput(ctx context.Context) error
	Events() <-chan STTEvent
	Close() error
}

type STTProvider interface {
	StartStream(ctx context.Context, utteranceID string, sampleRate int) (STTStream, error)
}

// Turn is one prior exchange handed to the LLM as conversation context.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// ReplyRequest is the normalized request for one assistant reply.
type ReplyRequest struct {
	SessionID   string
	UtteranceID string
	Transcript  string
	Context     []Turn
}

// ReplyResult is the final reply after streaming deltas.
type ReplyResult struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// DeltaHandler receives streaming text fragments. Returning an error stops
// the stream.
type DeltaHandler func(delta string) error

type LLMProvider interface {
	StreamReply(ctx context.Context, req ReplyRequest, onDelta DeltaHandler) (ReplyResult, error)
}

type TTSEventType string

const (
	TTSEventAudio TTSEventType = "audio"
	TTSEventDone  TTSEventType = "done"
	TTSEventError TTSEventType = "error"
)

type TTSEvent struct {
	Type      TTSEventType
	Audio     []byte
	Format    string
	Code      string
	Retryable bool
}

// TTSProvider synthesizes one text chunk into a stream of audio events:
// zero or more audio events, then done or error, then channel close.
// Cancelling the context aborts mid-stream.
type TTSProvider interface {
	Synthesize(ctx context.Context, text string) (<-chan TTSEvent, error)
}
