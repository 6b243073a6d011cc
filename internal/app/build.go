package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nova-companion/nova/internal/admission"
	"github.com/nova-companion/nova/internal/config"
	"github.com/nova-companion/nova/internal/httpapi"
	"github.com/nova-companion/nova/internal/observability"
	"github.com/nova-companion/nova/internal/provider"
	"github.com/nova-companion/nova/internal/session"
	"github.com/nova-companion/nova/internal/store"
	"github.com/nova-companion/nova/internal/usage"
	"github.com/nova-companion/nova/internal/vad"
	"github.com/nova-companion/nova/internal/voice"
)

// App is the wired service graph behind cmd/nova.
type App struct {
	Server  *httpapi.Server
	Store   store.Store
	Metrics *observability.Metrics
}

// Build assembles every component from configuration. The returned App
// owns the store; callers close it through Close.
func Build(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	st, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store init: %w", err)
	}

	rates := usage.Rates{
		STTPerSecond: cfg.RateSTTPerSecond,
		LLMInPer1K:   cfg.RateLLMInPer1K,
		LLMOutPer1K:  cfg.RateLLMOutPer1K,
		TTSPerChar:   cfg.RateTTSPerChar,
	}
	registry := session.NewRegistry(cfg.MaxConcurrentSessions, rates, log)

	minTier, err := admission.ParseTier(cfg.VoiceMinTier)
	if err != nil {
		return nil, fmt.Errorf("admission config: %w", err)
	}
	defaultTier, err := admission.ParseTier(cfg.DefaultUserTier)
	if err != nil {
		return nil, fmt.Errorf("admission config: %w", err)
	}
	overrides, err := admission.ParseTierOverrides(cfg.UserTierOverrides)
	if err != nil {
		return nil, fmt.Errorf("admission config: %w", err)
	}
	ctrl := admission.NewController(
		admission.NewJWTVerifier(cfg.AuthSecret),
		admission.NewStaticTiers(defaultTier, overrides),
		registry,
		minTier,
		log,
	)

	// Real STT/LLM/TTS backends plug in behind these interfaces; the
	// bundled providers keep the full pipeline runnable locally.
	stt := provider.NewMockSTT()
	llm := provider.NewMockLLM()
	tts := provider.NewMockTTS()

	vcfg := voice.Config{
		SampleRate:  cfg.SampleRate,
		FramePeriod: cfg.FramePeriod(),
		VAD: vad.Params{
			FramePeriod:         cfg.FramePeriod(),
			CalibrationFrames:   cfg.VADCalibrationFrames,
			ThresholdMultiplier: cfg.VADThresholdMultiplier,
			DriftTolerance:      cfg.VADDriftTolerance,
			DriftWindow:         cfg.VADDriftWindow,
			SpeechStartFrames:   cfg.VADSpeechStartFrames,
			TrailingSilence:     cfg.VADTrailingSilence,
			MinUtterance:        cfg.VADMinUtterance,
			BargeInConfirmation: cfg.BargeInConfirmation,
		},
		STTFinalTimeout:      cfg.STTFinalTimeout,
		LLMFirstTokenTimeout: cfg.LLMFirstTokenTimeout,
		TTSFirstByteTimeout:  cfg.TTSFirstByteTimeout,
		MaxUtteranceFailures: cfg.MaxUtteranceFailures,
		ContextTurns:         cfg.ContextTurns,
	}
	orch := voice.NewOrchestrator(stt, llm, tts, st, metrics, vcfg, log)
	health := voice.NewTransportHealth(cfg.TransportFailureThreshold, cfg.TransportFailureWindow)

	server := httpapi.New(cfg, httpapi.Deps{
		Admission: ctrl,
		Registry:  registry,
		Streaming: orch,
		Batch:     voice.NewNonStreaming(orch),
		Selector:  voice.NewSelector(cfg.PipelineMode, health, log),
		Health:    health,
		Store:     st,
		STT:       stt,
		LLM:       llm,
		TTS:       tts,
		Metrics:   metrics,
		Log:       log,
	})

	return &App{Server: server, Store: st, Metrics: metrics}, nil
}

func (a *App) Close() error {
	return a.Store.Close()
}
