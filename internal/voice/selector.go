package voice

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pipeline is the per-session implementation choice.
type Pipeline int

const (
	PipelineStreaming Pipeline = iota
	PipelineBatch
)

func (p Pipeline) String() string {
	if p == PipelineBatch {
		return "batch"
	}
	return "streaming"
}

// TransportHealth tracks abnormal websocket closures process-wide. Repeated
// abnormal closures inside the window mean the streaming transport is
// likely degraded and the next session should fall back to the batch
// pipeline. A session never migrates mid-flight.
type TransportHealth struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	closures  []time.Time
	now       func() time.Time
}

func NewTransportHealth(threshold int, window time.Duration) *TransportHealth {
	if threshold <= 0 {
		threshold = 3
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &TransportHealth{
		threshold: threshold,
		window:    window,
		now:       time.Now,
	}
}

// RecordAbnormalClosure notes a streaming session that ended with a
// transport error rather than a clean close.
func (h *TransportHealth) RecordAbnormalClosure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	h.prune(now)
	h.closures = append(h.closures, now)
}

// Degraded reports whether the closure count inside the window reached the
// threshold.
func (h *TransportHealth) Degraded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prune(h.now())
	return len(h.closures) >= h.threshold
}

func (h *TransportHealth) prune(now time.Time) {
	cutoff := now.Add(-h.window)
	kept := h.closures[:0]
	for _, t := range h.closures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	h.closures = kept
}

// Selector picks the pipeline implementation for a new session.
type Selector struct {
	mode   string
	health *TransportHealth
	log    *zap.Logger
}

// NewSelector builds a selector. mode is the service-wide override:
// "streaming" or "batch" force one implementation, "auto" lets the client
// hint and transport health decide.
func NewSelector(mode string, health *TransportHealth, log *zap.Logger) *Selector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Selector{mode: strings.ToLower(strings.TrimSpace(mode)), health: health, log: log}
}

// Choose returns the pipeline for one session. requestedMode is the
// client's session_start hint.
func (s *Selector) Choose(requestedMode string) Pipeline {
	switch s.mode {
	case "streaming":
		return PipelineStreaming
	case "batch":
		return PipelineBatch
	}

	switch strings.ToLower(strings.TrimSpace(requestedMode)) {
	case "batch":
		return PipelineBatch
	case "streaming":
		return PipelineStreaming
	}

	if s.health != nil && s.health.Degraded() {
		s.log.Warn("streaming transport degraded, selecting batch pipeline")
		return PipelineBatch
	}
	return PipelineStreaming
}
