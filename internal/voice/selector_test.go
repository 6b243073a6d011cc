package voice

import (
	"testing"
	"time"
)

func TestSelectorForcedModes(t *testing.T) {
	health := NewTransportHealth(1, time.Minute)
	health.RecordAbnormalClosure()

	s := NewSelector("streaming", health, nil)
	if got := s.Choose("batch"); got != PipelineStreaming {
		t.Fatalf("forced streaming: got %s", got)
	}

	s = NewSelector("batch", nil, nil)
	if got := s.Choose("streaming"); got != PipelineBatch {
		t.Fatalf("forced batch: got %s", got)
	}
}

func TestSelectorClientHint(t *testing.T) {
	s := NewSelector("auto", NewTransportHealth(3, time.Minute), nil)
	if got := s.Choose("batch"); got != PipelineBatch {
		t.Fatalf("client batch hint: got %s", got)
	}
	if got := s.Choose(""); got != PipelineStreaming {
		t.Fatalf("default: got %s", got)
	}
}

func TestSelectorDegradedTransport(t *testing.T) {
	health := NewTransportHealth(2, time.Minute)
	s := NewSelector("auto", health, nil)

	if got := s.Choose(""); got != PipelineStreaming {
		t.Fatalf("healthy: got %s", got)
	}

	health.RecordAbnormalClosure()
	if got := s.Choose(""); got != PipelineStreaming {
		t.Fatalf("below threshold: got %s", got)
	}

	health.RecordAbnormalClosure()
	if got := s.Choose(""); got != PipelineBatch {
		t.Fatalf("degraded: got %s", got)
	}

	// Explicit streaming hint still wins over degraded health for clients
	// that know their path is fine.
	if got := s.Choose("streaming"); got != PipelineStreaming {
		t.Fatalf("hinted streaming while degraded: got %s", got)
	}
}

func TestTransportHealthWindowExpiry(t *testing.T) {
	health := NewTransportHealth(2, time.Minute)
	current := time.Unix(1000, 0)
	health.now = func() time.Time { return current }

	health.RecordAbnormalClosure()
	health.RecordAbnormalClosure()
	if !health.Degraded() {
		t.Fatal("expected degraded")
	}

	current = current.Add(2 * time.Minute)
	if health.Degraded() {
		t.Fatal("expected closures outside the window to be pruned")
	}
}
