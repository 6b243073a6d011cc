package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.MaxConcurrentSessions != 3 {
		t.Fatalf("MaxConcurrentSessions = %d, want 3", cfg.MaxConcurrentSessions)
	}
	if cfg.VoiceMinTier != "studio" {
		t.Fatalf("VoiceMinTier = %q, want %q", cfg.VoiceMinTier, "studio")
	}
	if cfg.PipelineMode != "auto" {
		t.Fatalf("PipelineMode = %q, want %q", cfg.PipelineMode, "auto")
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VOICE_MAX_CONCURRENT_SESSIONS", "5")
	t.Setenv("VOICE_BARGE_IN_CONFIRMATION", "200ms")
	t.Setenv("RATE_TTS_PER_CHAR", "0.0001")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxConcurrentSessions != 5 {
		t.Fatalf("MaxConcurrentSessions = %d, want 5", cfg.MaxConcurrentSessions)
	}
	if cfg.BargeInConfirmation != 200*time.Millisecond {
		t.Fatalf("BargeInConfirmation = %v, want 200ms", cfg.BargeInConfirmation)
	}
	if cfg.RateTTSPerChar != 0.0001 {
		t.Fatalf("RateTTSPerChar = %v, want 0.0001", cfg.RateTTSPerChar)
	}
}

func TestLoadRequiresAuthSecret(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_AUTH_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error for missing auth secret")
	}
}

func TestLoadRejectsInvalidPipelineMode(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VOICE_PIPELINE_MODE", "hybrid")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error for invalid pipeline mode")
	}
}

func TestLoadRejectsOddFrameBytes(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VOICE_FRAME_BYTES", "641")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error for odd frame size")
	}
}

func TestFramePeriod(t *testing.T) {
	cfg := Config{SampleRate: 16000, FrameBytes: 640}
	if got := cfg.FramePeriod(); got != 20*time.Millisecond {
		t.Fatalf("FramePeriod() = %v, want 20ms", got)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_LOG_LEVEL",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_AUTH_SECRET",
		"VOICE_MIN_TIER",
		"VOICE_MAX_CONCURRENT_SESSIONS",
		"VOICE_SAMPLE_RATE",
		"VOICE_FRAME_BYTES",
		"VOICE_PIPELINE_MODE",
		"VOICE_BARGE_IN_CONFIRMATION",
		"VOICE_MAX_UTTERANCE_FAILURES",
		"VOICE_CONTEXT_TURNS",
		"VAD_CALIBRATION_FRAMES",
		"VAD_THRESHOLD_MULTIPLIER",
		"VAD_DRIFT_TOLERANCE",
		"VAD_DRIFT_WINDOW",
		"VAD_SPEECH_START_FRAMES",
		"VAD_TRAILING_SILENCE",
		"VAD_MIN_UTTERANCE",
		"STT_FINAL_TIMEOUT",
		"LLM_FIRST_TOKEN_TIMEOUT",
		"TTS_FIRST_BYTE_TIMEOUT",
		"TRANSPORT_FAILURE_THRESHOLD",
		"TRANSPORT_FAILURE_WINDOW",
		"RATE_STT_PER_SECOND",
		"RATE_LLM_INPUT_PER_1K",
		"RATE_LLM_OUTPUT_PER_1K",
		"RATE_TTS_PER_CHAR",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
	t.Setenv("APP_AUTH_SECRET", "config-test-secret")
}
