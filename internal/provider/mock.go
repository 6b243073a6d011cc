package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockSTT is a local fallback transcriber used when no real STT provider
// is configured. It acknowledges audio with a canned transcript.
type MockSTT struct {
	Transcript string
}

func NewMockSTT() *MockSTT {
	return &MockSTT{Transcript: "simulated voice input"}
}

func (p *MockSTT) StartStream(_ context.Context, _ string, _ int) (STTStream, error) {
	events := make(chan STTEvent, 64)
	return &mockSTTStream{events: events, transcript: p.Transcript}, nil
}

type mockSTTStream struct {
	mu         sync.Mutex
	events     chan STTEvent
	transcript string
	chunks     int
	gotAudio   bool
	closed     bool
}

func (s *mockSTTStream) SendAudio(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.chunks++
	if len(pcm) > 0 {
		s.gotAudio = true
	}
	if s.chunks%12 == 0 {
		s.events <- STTEvent{Type: STTEventPartial, Text: s.transcript, Confidence: 0.5}
	}
	return nil
}

func (s *mockSTTStream) CloseInput(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	text := s.transcript
	if !s.gotAudio {
		text = ""
	}
	s.events <- STTEvent{Type: STTEventFinal, Text: text, Confidence: 0.9}
	return nil
}

func (s *mockSTTStream) Events() <-chan STTEvent { return s.events }

func (s *mockSTTStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// MockLLM streams a canned reply word by word.
type MockLLM struct{}

func NewMockLLM() *MockLLM { return &MockLLM{} }

func (p *MockLLM) StreamReply(ctx context.Context, req ReplyRequest, onDelta DeltaHandler) (ReplyResult, error) {
	reply := fmt.Sprintf("You said: %s.", strings.TrimSuffix(strings.TrimSpace(req.Transcript), "."))
	words := strings.Fields(reply)
	for i, w := range words {
		select {
		case <-ctx.Done():
			return ReplyResult{}, ctx.Err()
		default:
		}
		delta := w
		if i < len(words)-1 {
			delta += " "
		}
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return ReplyResult{}, err
			}
		}
	}
	inTokens := int64(len(strings.Fields(req.Transcript)))
	for _, turn := range req.Context {
		inTokens += int64(len(strings.Fields(turn.Text)))
	}
	return ReplyResult{
		Text:         reply,
		InputTokens:  inTokens,
		OutputTokens: int64(len(words)),
	}, nil
}

// MockTTS emits the text's bytes back as a single audio event, the same
// trick the local dev client uses to render captions without a synth.
type MockTTS struct{}

func NewMockTTS() *MockTTS { return &MockTTS{} }

func (p *MockTTS) Synthesize(ctx context.Context, text string) (<-chan TTSEvent, error) {
	events := make(chan TTSEvent, 4)
	go func() {
		defer close(events)
		if strings.TrimSpace(text) == "" {
			events <- TTSEvent{Type: TTSEventDone}
			return
		}
		select {
		case <-ctx.Done():
			return
		case events <- TTSEvent{Type: TTSEventAudio, Audio: []byte(text), Format: "mock_text_bytes"}:
		}
		select {
		case <-ctx.Done():
		case events <- TTSEvent{Type: TTSEventDone}:
		}
	}()
	return events, nil
}
