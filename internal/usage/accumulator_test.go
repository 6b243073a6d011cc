package usage

import (
	"math"
	"sync"
	"testing"
)

func testRates() Rates {
	return Rates{
		STTPerSecond: 0.0001,
		LLMInPer1K:   0.0005,
		LLMOutPer1K:  0.0015,
		TTSPerChar:   0.00003,
	}
}

func TestAccumulatorRecordsAndCosts(t *testing.T) {
	a := NewAccumulator(testRates())
	a.RecordSTT(10)
	a.RecordLLM(1000, 2000)
	a.RecordTTS(500)

	snap := a.Snapshot()
	if snap.STTRequests != 1 || snap.STTSeconds != 10 {
		t.Fatalf("stt counters = %d/%v, want 1/10", snap.STTRequests, snap.STTSeconds)
	}
	if snap.LLMInputTokens != 1000 || snap.LLMOutputTokens != 2000 {
		t.Fatalf("llm tokens = %d/%d", snap.LLMInputTokens, snap.LLMOutputTokens)
	}
	wantLLM := 0.0005 + 2*0.0015
	if math.Abs(snap.CostLLM-wantLLM) > 1e-9 {
		t.Fatalf("CostLLM = %v, want %v", snap.CostLLM, wantLLM)
	}
	wantTotal := 10*0.0001 + wantLLM + 500*0.00003
	if math.Abs(snap.TotalCost-wantTotal) > 1e-9 {
		t.Fatalf("TotalCost = %v, want %v", snap.TotalCost, wantTotal)
	}
}

func TestAccumulatorCostMonotonic(t *testing.T) {
	a := NewAccumulator(testRates())
	prev := 0.0
	for i := 0; i < 50; i++ {
		a.RecordSTT(0.5)
		a.RecordLLM(10, 20)
		a.RecordTTS(12)
		snap := a.Snapshot()
		if snap.TotalCost < prev {
			t.Fatalf("TotalCost decreased: %v -> %v", prev, snap.TotalCost)
		}
		prev = snap.TotalCost
	}
	snap := a.Snapshot()
	sum := snap.CostSTT + snap.CostLLM + snap.CostTTS
	if math.Abs(sum-snap.TotalCost) > 1e-9 {
		t.Fatalf("per-provider sum %v != total %v", sum, snap.TotalCost)
	}
}

func TestFinalizeOnce(t *testing.T) {
	a := NewAccumulator(testRates())
	a.RecordTTS(100)

	var wg sync.WaitGroup
	wins := make(chan Record, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rec, ok := a.Finalize("s1", "u1"); ok {
				wins <- rec
			}
		}()
	}
	wg.Wait()
	close(wins)

	var count int
	for rec := range wins {
		count++
		if rec.SessionID != "s1" || rec.UserID != "u1" {
			t.Fatalf("unexpected record identity: %+v", rec)
		}
		sum := rec.CostSTT + rec.CostLLM + rec.CostTTS
		if math.Abs(sum-rec.TotalCost) > 1e-9 {
			t.Fatalf("record sum %v != total %v", sum, rec.TotalCost)
		}
	}
	if count != 1 {
		t.Fatalf("Finalize won %d times, want exactly 1", count)
	}
}

func TestRecordAfterFinalizeDropped(t *testing.T) {
	a := NewAccumulator(testRates())
	a.RecordSTT(5)
	if _, ok := a.Finalize("s1", "u1"); !ok {
		t.Fatalf("first Finalize should win")
	}
	a.RecordSTT(100)
	a.RecordLLM(100, 100)
	a.RecordTTS(100)
	snap := a.Snapshot()
	if snap.STTSeconds != 5 || snap.LLMInputTokens != 0 || snap.TTSCharacters != 0 {
		t.Fatalf("counters mutated after finalize: %+v", snap)
	}
}

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		text string
		want int64
	}{
		{"", 0},
		{"hello", 2},
		{"turn on the lights", 6},
		{"one two three", 4},
	}
	for _, tc := range cases {
		if got := EstimateTokens(tc.text); got != tc.want {
			t.Fatalf("EstimateTokens(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}
