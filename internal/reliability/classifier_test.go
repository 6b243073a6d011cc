package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nova-companion/nova/internal/provider"
)

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"retryable provider", &provider.Error{Source: "stt", Code: "rate_limited", Retryable: true}, true},
		{"fatal provider", &provider.Error{Source: "llm", Code: "invalid_request"}, false},
		{"wrapped provider", fmt.Errorf("synth: %w", &provider.Error{Source: "tts", Code: "overloaded", Retryable: true}), true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("%s: Retryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, capDur); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want 400ms", got)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}
