package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string

	AllowAnyOrigin bool

	// Admission. UserTierOverrides is a "user:tier" list consulted before
	// DefaultUserTier.
	AuthSecret            string
	VoiceMinTier          string
	DefaultUserTier       string
	UserTierOverrides     string
	MaxConcurrentSessions int

	// Audio framing. FrameBytes is the fixed inbound frame size in bytes of
	// PCM16 mono audio at SampleRate.
	SampleRate int
	FrameBytes int

	// Voice activity detection.
	VADCalibrationFrames   int
	VADThresholdMultiplier float64
	VADDriftTolerance      float64
	VADDriftWindow         int
	VADSpeechStartFrames   int
	VADTrailingSilence     time.Duration
	VADMinUtterance        time.Duration
	BargeInConfirmation    time.Duration

	// Provider deadlines.
	STTFinalTimeout      time.Duration
	LLMFirstTokenTimeout time.Duration
	TTSFirstByteTimeout  time.Duration

	// Per-session escalation threshold for consecutive utterance failures.
	MaxUtteranceFailures int

	// Conversation context passed to the LLM.
	ContextTurns int

	// Pipeline selection. "auto" prefers streaming; "streaming" and "batch"
	// force one implementation for every session.
	PipelineMode              string
	TransportFailureThreshold int
	TransportFailureWindow    time.Duration

	// Usage rate table.
	RateSTTPerSecond float64
	RateLLMInPer1K   float64
	RateLLMOutPer1K  float64
	RateTTSPerChar   float64

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "nova"),
		LogLevel:         envOrDefault("APP_LOG_LEVEL", "info"),
		AllowAnyOrigin:   false,
		ShutdownTimeout:  15 * time.Second,

		AuthSecret:            envTrimmed("APP_AUTH_SECRET"),
		VoiceMinTier:          envOrDefault("VOICE_MIN_TIER", "studio"),
		DefaultUserTier:       envOrDefault("VOICE_DEFAULT_TIER", "studio"),
		UserTierOverrides:     envTrimmed("VOICE_USER_TIERS"),
		MaxConcurrentSessions: 3,

		SampleRate: 16000,
		FrameBytes: 640,

		VADCalibrationFrames:   25,
		VADThresholdMultiplier: 2.5,
		VADDriftTolerance:      0.4,
		VADDriftWindow:         150,
		VADSpeechStartFrames:   3,
		VADTrailingSilence:     600 * time.Millisecond,
		VADMinUtterance:        250 * time.Millisecond,
		BargeInConfirmation:    120 * time.Millisecond,

		STTFinalTimeout:      8 * time.Second,
		LLMFirstTokenTimeout: 6 * time.Second,
		TTSFirstByteTimeout:  4 * time.Second,

		MaxUtteranceFailures: 3,
		ContextTurns:         8,

		PipelineMode:              envOrDefault("VOICE_PIPELINE_MODE", "auto"),
		TransportFailureThreshold: 3,
		TransportFailureWindow:    5 * time.Minute,

		RateSTTPerSecond: 0.0001,
		RateLLMInPer1K:   0.0005,
		RateLLMOutPer1K:  0.0015,
		RateTTSPerChar:   0.00003,

		DatabaseURL: envTrimmed("DATABASE_URL"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConcurrentSessions, err = intFromEnv("VOICE_MAX_CONCURRENT_SESSIONS", cfg.MaxConcurrentSessions)
	if err != nil {
		return Config{}, err
	}
	cfg.SampleRate, err = intFromEnv("VOICE_SAMPLE_RATE", cfg.SampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.FrameBytes, err = intFromEnv("VOICE_FRAME_BYTES", cfg.FrameBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.VADCalibrationFrames, err = intFromEnv("VAD_CALIBRATION_FRAMES", cfg.VADCalibrationFrames)
	if err != nil {
		return Config{}, err
	}
	cfg.VADThresholdMultiplier, err = floatFromEnv("VAD_THRESHOLD_MULTIPLIER", cfg.VADThresholdMultiplier)
	if err != nil {
		return Config{}, err
	}
	cfg.VADDriftTolerance, err = floatFromEnv("VAD_DRIFT_TOLERANCE", cfg.VADDriftTolerance)
	if err != nil {
		return Config{}, err
	}
	cfg.VADDriftWindow, err = intFromEnv("VAD_DRIFT_WINDOW", cfg.VADDriftWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.VADSpeechStartFrames, err = intFromEnv("VAD_SPEECH_START_FRAMES", cfg.VADSpeechStartFrames)
	if err != nil {
		return Config{}, err
	}
	cfg.VADTrailingSilence, err = durationFromEnv("VAD_TRAILING_SILENCE", cfg.VADTrailingSilence)
	if err != nil {
		return Config{}, err
	}
	cfg.VADMinUtterance, err = durationFromEnv("VAD_MIN_UTTERANCE", cfg.VADMinUtterance)
	if err != nil {
		return Config{}, err
	}
	cfg.BargeInConfirmation, err = durationFromEnv("VOICE_BARGE_IN_CONFIRMATION", cfg.BargeInConfirmation)
	if err != nil {
		return Config{}, err
	}
	cfg.STTFinalTimeout, err = durationFromEnv("STT_FINAL_TIMEOUT", cfg.STTFinalTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMFirstTokenTimeout, err = durationFromEnv("LLM_FIRST_TOKEN_TIMEOUT", cfg.LLMFirstTokenTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSFirstByteTimeout, err = durationFromEnv("TTS_FIRST_BYTE_TIMEOUT", cfg.TTSFirstByteTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxUtteranceFailures, err = intFromEnv("VOICE_MAX_UTTERANCE_FAILURES", cfg.MaxUtteranceFailures)
	if err != nil {
		return Config{}, err
	}
	cfg.ContextTurns, err = intFromEnv("VOICE_CONTEXT_TURNS", cfg.ContextTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.TransportFailureThreshold, err = intFromEnv("TRANSPORT_FAILURE_THRESHOLD", cfg.TransportFailureThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.TransportFailureWindow, err = durationFromEnv("TRANSPORT_FAILURE_WINDOW", cfg.TransportFailureWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.RateSTTPerSecond, err = floatFromEnv("RATE_STT_PER_SECOND", cfg.RateSTTPerSecond)
	if err != nil {
		return Config{}, err
	}
	cfg.RateLLMInPer1K, err = floatFromEnv("RATE_LLM_INPUT_PER_1K", cfg.RateLLMInPer1K)
	if err != nil {
		return Config{}, err
	}
	cfg.RateLLMOutPer1K, err = floatFromEnv("RATE_LLM_OUTPUT_PER_1K", cfg.RateLLMOutPer1K)
	if err != nil {
		return Config{}, err
	}
	cfg.RateTTSPerChar, err = floatFromEnv("RATE_TTS_PER_CHAR", cfg.RateTTSPerChar)
	if err != nil {
		return Config{}, err
	}

	if cfg.AuthSecret == "" {
		return Config{}, fmt.Errorf("APP_AUTH_SECRET must be set to a non-empty signing secret")
	}
	if cfg.MaxConcurrentSessions <= 0 {
		return Config{}, fmt.Errorf("VOICE_MAX_CONCURRENT_SESSIONS must be positive")
	}
	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("VOICE_SAMPLE_RATE must be positive")
	}
	if cfg.FrameBytes <= 0 || cfg.FrameBytes%2 != 0 {
		return Config{}, fmt.Errorf("VOICE_FRAME_BYTES must be a positive even number of PCM16 bytes")
	}
	if cfg.VADCalibrationFrames <= 0 {
		return Config{}, fmt.Errorf("VAD_CALIBRATION_FRAMES must be positive")
	}
	if cfg.VADThresholdMultiplier <= 1 {
		return Config{}, fmt.Errorf("VAD_THRESHOLD_MULTIPLIER must be greater than 1")
	}
	if cfg.MaxUtteranceFailures <= 0 {
		return Config{}, fmt.Errorf("VOICE_MAX_UTTERANCE_FAILURES must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.PipelineMode)) {
	case "auto", "streaming", "batch":
	default:
		return Config{}, fmt.Errorf("VOICE_PIPELINE_MODE must be auto, streaming or batch")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.VoiceMinTier)) {
	case "free", "plus", "studio":
	default:
		return Config{}, fmt.Errorf("VOICE_MIN_TIER must be free, plus or studio")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.DefaultUserTier)) {
	case "free", "plus", "studio":
	default:
		return Config{}, fmt.Errorf("VOICE_DEFAULT_TIER must be free, plus or studio")
	}

	return cfg, nil
}

// FramePeriod returns the wall-clock duration represented by one inbound frame.
func (c Config) FramePeriod() time.Duration {
	samples := c.FrameBytes / 2
	return time.Duration(samples) * time.Second / time.Duration(c.SampleRate)
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
