package voice

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nova-companion/nova/internal/protocol"
	"github.com/nova-companion/nova/internal/provider"
	"github.com/nova-companion/nova/internal/session"
	"github.com/nova-companion/nova/internal/store"
	"github.com/nova-companion/nova/internal/usage"
)

func startBatchHarness(t *testing.T, stt provider.STTProvider, llm provider.LLMProvider, tts provider.TTSProvider) *harness {
	t.Helper()
	reg := session.NewRegistry(3, usage.Rates{STTPerSecond: 0.001, LLMInPer1K: 0.3, LLMOutPer1K: 1.5, TTSPerChar: 0.00002}, zap.NewNop())
	sess, err := reg.Admit("u1", "conv-1", "studio")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := sess.Transition(session.StateConnected); err != nil {
		t.Fatalf("connect: %v", err)
	}

	st := store.NewInMemoryStore()
	o := NewOrchestrator(stt, llm, tts, st, testMetrics(), testVoiceConfig(), zap.NewNop())
	batch := NewNonStreaming(o)

	h := &harness{
		sess:    sess,
		sink:    &captureSink{},
		frames:  make(chan []byte, 512),
		control: make(chan Control, 4),
		errCh:   make(chan error, 1),
		store:   st,
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)
	go func() {
		h.errCh <- batch.RunSession(ctx, sess, h.sink, h.frames, h.control)
	}()
	return h
}

func TestBatchPipelineFullUtterance(t *testing.T) {
	stt := &scriptSTT{transcripts: []string{"what time is it"}}
	llm := &scriptLLM{fn: func(ctx context.Context, req provider.ReplyRequest, onDelta provider.DeltaHandler) (provider.ReplyResult, error) {
		if err := onDelta("It is noon."); err != nil {
			return provider.ReplyResult{}, err
		}
		return provider.ReplyResult{Text: "It is noon.", InputTokens: 8, OutputTokens: 3}, nil
	}}
	tts := &scriptTTS{}

	h := startBatchHarness(t, stt, llm, tts)
	h.feed(3, 0.002)
	h.speakUtterance(8)

	waitFor(t, "batch reply audio", func() bool { return len(h.sink.audioChunks()) == 1 })
	chunk := h.sink.audioChunks()[0]
	raw, _ := base64.StdEncoding.DecodeString(chunk.AudioBase64)
	if string(raw) != "It is noon." {
		t.Fatalf("chunk = %q", raw)
	}
	if chunk.Seq != 1 {
		t.Fatalf("seq = %d, want 1", chunk.Seq)
	}

	// Batch mode forwards no partial transcripts.
	for _, m := range h.sink.snapshot() {
		if _, ok := m.(protocol.PartialTranscript); ok {
			t.Fatal("partial transcript emitted in batch mode")
		}
	}

	finals := h.sink.finalTranscripts()
	if len(finals) != 1 || finals[0].Text != "what time is it" {
		t.Fatalf("final transcripts = %v", finals)
	}

	waitFor(t, "return to listening", func() bool {
		return h.sess.State() == session.StateListening && len(h.sink.states()) == 5
	})

	snap := h.sess.Usage.Snapshot()
	if snap.LLMInputTokens != 8 || snap.LLMOutputTokens != 3 {
		t.Fatalf("llm usage = %+v", snap)
	}
	if snap.TTSCharacters != int64(len("It is noon.")) {
		t.Fatalf("tts characters = %d", snap.TTSCharacters)
	}

	close(h.frames)
	if err := <-h.errCh; err != nil {
		t.Fatalf("run session: %v", err)
	}
}

func TestBatchPipelineIgnoresInterrupt(t *testing.T) {
	stt := &scriptSTT{transcripts: []string{"keep going"}}
	llmStarted := make(chan struct{}, 1)
	llm := &scriptLLM{fn: func(ctx context.Context, req provider.ReplyRequest, onDelta provider.DeltaHandler) (provider.ReplyResult, error) {
		llmStarted <- struct{}{}
		select {
		case <-ctx.Done():
			return provider.ReplyResult{}, ctx.Err()
		case <-time.After(150 * time.Millisecond):
		}
		return provider.ReplyResult{Text: "Still here.", InputTokens: 2, OutputTokens: 2}, nil
	}}

	h := startBatchHarness(t, stt, llm, &scriptTTS{})
	h.feed(3, 0.002)
	h.speakUtterance(8)

	<-llmStarted
	h.control <- ControlInterrupt

	// The reply survives the interrupt signal; batch mode has no barge-in.
	waitFor(t, "reply despite interrupt", func() bool {
		for _, c := range h.sink.audioChunks() {
			raw, _ := base64.StdEncoding.DecodeString(c.AudioBase64)
			if string(raw) == "Still here." {
				return true
			}
		}
		return false
	})

	close(h.frames)
	if err := <-h.errCh; err != nil {
		t.Fatalf("run session: %v", err)
	}
}
