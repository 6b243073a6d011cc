package usage

import (
	"math"
	"strings"
	"sync"
	"time"
)

// Provider labels the three metered upstream services.
type Provider string

const (
	ProviderSTT Provider = "stt"
	ProviderLLM Provider = "llm"
	ProviderTTS Provider = "tts"
)

// Rates is the fixed per-unit cost table applied while a session runs.
type Rates struct {
	STTPerSecond float64
	LLMInPer1K   float64
	LLMOutPer1K  float64
	TTSPerChar   float64
}

// Snapshot is a point-in-time copy of a session's counters and costs.
type Snapshot struct {
	STTRequests     int
	STTSeconds      float64
	LLMInputTokens  int64
	LLMOutputTokens int64
	TTSCharacters   int64
	CostSTT         float64
	CostLLM         float64
	CostTTS         float64
	TotalCost       float64
}

// Record is the flushed per-session usage row handed to persistence.
type Record struct {
	SessionID       string
	UserID          string
	STTRequests     int
	STTSeconds      float64
	LLMInputTokens  int64
	LLMOutputTokens int64
	TTSCharacters   int64
	CostSTT         float64
	CostLLM         float64
	CostTTS         float64
	TotalCost       float64
	FinalizedAt     time.Time
}

// Accumulator owns one session's usage counters. It is the single writer:
// the orchestrator reports unit counts here after each provider call and
// nothing else mutates them. Costs are applied incrementally so they never
// decrease and are never recomputed from scratch.
type Accumulator struct {
	mu        sync.Mutex
	rates     Rates
	snap      Snapshot
	finalized bool
}

func NewAccumulator(rates Rates) *Accumulator {
	return &Accumulator{rates: rates}
}

// RecordSTT adds one STT request worth of processed audio. Partial usage from
// a cancelled utterance is still recorded; calls after Finalize are dropped.
func (a *Accumulator) RecordSTT(seconds float64) {
	if seconds < 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized {
		return
	}
	a.snap.STTRequests++
	a.snap.STTSeconds += seconds
	delta := seconds * a.rates.STTPerSecond
	a.snap.CostSTT += delta
	a.snap.TotalCost += delta
}

func (a *Accumulator) RecordLLM(inputTokens, outputTokens int64) {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized {
		return
	}
	a.snap.LLMInputTokens += inputTokens
	a.snap.LLMOutputTokens += outputTokens
	delta := float64(inputTokens)/1000*a.rates.LLMInPer1K +
		float64(outputTokens)/1000*a.rates.LLMOutPer1K
	a.snap.CostLLM += delta
	a.snap.TotalCost += delta
}

func (a *Accumulator) RecordTTS(characters int64) {
	if characters <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized {
		return
	}
	a.snap.TTSCharacters += characters
	delta := float64(characters) * a.rates.TTSPerChar
	a.snap.CostTTS += delta
	a.snap.TotalCost += delta
}

func (a *Accumulator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap
}

// Finalize seals the accumulator and produces the usage record. Only the
// first call wins; later calls report ok=false and return nothing. Session
// end can race in from disconnect, an explicit end message, or a fatal
// error, and exactly one of those paths must flush.
func (a *Accumulator) Finalize(sessionID, userID string) (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized {
		return Record{}, false
	}
	a.finalized = true
	return Record{
		SessionID:       sessionID,
		UserID:          userID,
		STTRequests:     a.snap.STTRequests,
		STTSeconds:      a.snap.STTSeconds,
		LLMInputTokens:  a.snap.LLMInputTokens,
		LLMOutputTokens: a.snap.LLMOutputTokens,
		TTSCharacters:   a.snap.TTSCharacters,
		CostSTT:         a.snap.CostSTT,
		CostLLM:         a.snap.CostLLM,
		CostTTS:         a.snap.CostTTS,
		TotalCost:       a.snap.TotalCost,
		FinalizedAt:     time.Now().UTC(),
	}, true
}

func (a *Accumulator) Finalized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finalized
}

// EstimateTokens approximates token counts for providers that do not report
// usage: roughly four tokens per three words of English text.
func EstimateTokens(text string) int64 {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return int64(math.Ceil(float64(words) * 4.0 / 3.0))
}
