package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nova-companion/nova/internal/observability"
	"github.com/nova-companion/nova/internal/policy"
	"github.com/nova-companion/nova/internal/protocol"
	"github.com/nova-companion/nova/internal/provider"
	"github.com/nova-companion/nova/internal/reliability"
	"github.com/nova-companion/nova/internal/session"
	"github.com/nova-companion/nova/internal/store"
	"github.com/nova-companion/nova/internal/usage"
	"github.com/nova-companion/nova/internal/vad"
)

// Config tunes the per-session pipelines. All values come from the service
// configuration.
type Config struct {
	SampleRate           int
	FramePeriod          time.Duration
	VAD                  vad.Params
	STTFinalTimeout      time.Duration
	LLMFirstTokenTimeout time.Duration
	TTSFirstByteTimeout  time.Duration
	MaxUtteranceFailures int
	ContextTurns         int
}

// EventSink delivers outbound events to one client, in call order.
type EventSink interface {
	Send(msg any) error
}

// Control is an out-of-band client signal routed next to the audio stream.
type Control int

const (
	ControlInterrupt Control = iota
	ControlEnd
)

// FatalError ends the whole session; the transport closes the connection
// with a fatal close code after the finalizer runs.
type FatalError struct {
	Code string
	Err  error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session fatal (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("session fatal (%s)", e.Code)
}

func (e *FatalError) Unwrap() error { return e.Err }

const (
	prerollFrames      = 8
	failureBackoffBase = 150 * time.Millisecond
	failureBackoffCap  = time.Second
	persistTimeout     = 5 * time.Second
	contextLoadTimeout = time.Second
)

// Orchestrator drives the streaming utterance pipeline: VAD segmentation,
// STT, LLM and chunked TTS, with cancellation propagated end to end.
type Orchestrator struct {
	stt     provider.STTProvider
	llm     provider.LLMProvider
	tts     provider.TTSProvider
	store   store.Store
	metrics *observability.Metrics
	cfg     Config
	log     *zap.Logger
}

func NewOrchestrator(
	stt provider.STTProvider,
	llm provider.LLMProvider,
	tts provider.TTSProvider,
	st store.Store,
	metrics *observability.Metrics,
	cfg Config,
	log *zap.Logger,
) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxUtteranceFailures <= 0 {
		cfg.MaxUtteranceFailures = 3
	}
	return &Orchestrator{
		stt:     stt,
		llm:     llm,
		tts:     tts,
		store:   st,
		metrics: metrics,
		cfg:     cfg,
		log:     log,
	}
}

// RunSession owns the session loop from the listening transition until the
// session ends. frames carries inbound PCM16 frames; closing it means the
// client disconnected. A nil return is a clean end; *FatalError means the
// transport must close with a fatal code.
func (o *Orchestrator) RunSession(
	ctx context.Context,
	sess *session.Session,
	sink EventSink,
	frames <-chan []byte,
	control <-chan Control,
) error {
	if err := o.setState(sess, sink, session.StateListening); err != nil {
		return o.failSession(sess, sink, "internal_error")
	}

	det := vad.NewDetector(o.cfg.VAD)
	results := make(chan utteranceResult, 4)
	preroll := newFrameRing(prerollFrames)
	var current *utteranceRun

	defer func() {
		if current != nil {
			current.cancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sig, ok := <-control:
			if !ok {
				control = nil
				continue
			}
			switch sig {
			case ControlInterrupt:
				if current != nil && sess.State() == session.StateSpeaking {
					o.metrics.BargeIns.Inc()
					current = o.interrupt(sess, sink, current)
				}
			case ControlEnd:
				if current != nil {
					current.cancel()
					current = nil
				}
				o.setState(sess, sink, session.StateEnded)
				return nil
			}

		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			st := sess.State()
			if !st.CanProcessAudio() {
				o.metrics.DroppedFrames.Inc()
				continue
			}
			speaking := st == session.StateSpeaking
			ev := det.Process(frame, speaking)
			if current != nil && current.open.Load() {
				current.forward(frame)
			} else if !speaking {
				preroll.push(frame)
			}

			switch ev {
			case vad.EventUtteranceStart:
				if st != session.StateListening || current != nil {
					break
				}
				run, err := o.startUtterance(ctx, sess)
				if err != nil {
					if fatal := o.handleUtteranceFailure(sess, sink, asProviderErr("stt", err)); fatal != nil {
						return fatal
					}
					det.Reset()
					break
				}
				current = run
				o.setState(sess, sink, session.StateTranscribing)
				for _, f := range preroll.drain() {
					run.forward(f)
				}
				go o.runUtterance(run, sess, sink, results)

			case vad.EventUtteranceEnd:
				if current != nil {
					current.closeInput()
				}

			case vad.EventUtteranceDiscard:
				if current != nil {
					current.cancel()
					current = nil
				}
				if sess.State() == session.StateTranscribing {
					o.setState(sess, sink, session.StateListening)
				}

			case vad.EventBargeIn:
				if current != nil {
					o.metrics.BargeIns.Inc()
					current = o.interrupt(sess, sink, current)
				}
			}

		case res := <-results:
			if current == nil || res.id != current.id {
				// Late result from a cancelled utterance; its state was
				// already settled when it was cancelled.
				continue
			}
			current.cancel()
			current = nil
			switch {
			case res.canceled:
			case res.err != nil:
				if fatal := o.handleUtteranceFailure(sess, sink, res.err); fatal != nil {
					return fatal
				}
			default:
				sess.ResetUtteranceFailures()
				if st := sess.State(); !st.Terminal() && st != session.StateListening {
					o.setState(sess, sink, session.StateListening)
				}
			}
		}
	}
}

// interrupt cancels the in-flight utterance and returns the session to
// listening. Must complete synchronously so no audio chunk for the
// interrupted utterance is emitted after the transition.
func (o *Orchestrator) interrupt(sess *session.Session, sink EventSink, current *utteranceRun) *utteranceRun {
	current.cancel()
	if st := sess.State(); !st.Terminal() && st != session.StateListening {
		o.setState(sess, sink, session.StateListening)
	}
	return nil
}

func (o *Orchestrator) handleUtteranceFailure(sess *session.Session, sink EventSink, err error) *FatalError {
	perr := normalizeProviderError(err)
	o.metrics.ProviderErrors.WithLabelValues(perr.Source, perr.Code).Inc()
	o.log.Warn("utterance failed",
		zap.String("session_id", sess.ID),
		zap.String("source", perr.Source),
		zap.String("code", perr.Code),
		zap.Error(err),
	)
	sink.Send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sess.ID,
		Code:      perr.Source + "_" + perr.Code,
		Source:    perr.Source,
		Retryable: reliability.Retryable(err),
	})

	failures := sess.RecordUtteranceFailure(perr.Code)
	if failures >= o.cfg.MaxUtteranceFailures {
		return o.failSession(sess, sink, "provider_failures")
	}

	// Brief pause before accepting the next utterance; repeated provider
	// trouble tends to clear faster than it retries.
	time.Sleep(reliability.ExponentialBackoff(failures-1, failureBackoffBase, failureBackoffCap))
	if st := sess.State(); !st.Terminal() && st != session.StateListening {
		o.setState(sess, sink, session.StateListening)
	}
	return nil
}

func (o *Orchestrator) failSession(sess *session.Session, sink EventSink, code string) *FatalError {
	seq := sess.Fail(code)
	o.metrics.SessionEvents.WithLabelValues(string(session.StateError)).Inc()
	sink.Send(protocol.StateChange{
		Type:      protocol.TypeStateChange,
		SessionID: sess.ID,
		State:     string(session.StateError),
		Seq:       seq,
		TSMs:      time.Now().UnixMilli(),
	})
	return &FatalError{Code: code}
}

func (o *Orchestrator) setState(sess *session.Session, sink EventSink, to session.State) error {
	seq, err := sess.Transition(to)
	if err != nil {
		return err
	}
	o.metrics.SessionEvents.WithLabelValues(string(to)).Inc()
	sink.Send(protocol.StateChange{
		Type:      protocol.TypeStateChange,
		SessionID: sess.ID,
		State:     string(to),
		Seq:       seq,
		TSMs:      time.Now().UnixMilli(),
	})
	return nil
}

type utteranceResult struct {
	id       string
	err      error
	empty    bool
	canceled bool
}

// utteranceRun is one in-flight utterance pipeline. The session loop owns
// audio forwarding; the pipeline goroutine owns everything downstream.
type utteranceRun struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	stt    provider.STTStream

	open        atomic.Bool
	closeOnce   sync.Once
	inputClosed chan struct{}

	frames      atomic.Int64
	framePeriod time.Duration

	log *zap.Logger
}

func (o *Orchestrator) startUtterance(ctx context.Context, sess *session.Session) (*utteranceRun, error) {
	id := uuid.NewString()
	uctx, cancel := context.WithCancel(ctx)
	stream, err := o.stt.StartStream(uctx, id, o.cfg.SampleRate)
	if err != nil {
		cancel()
		return nil, err
	}
	u := &utteranceRun{
		id:          id,
		ctx:         uctx,
		cancel:      cancel,
		stt:         stream,
		inputClosed: make(chan struct{}),
		framePeriod: o.cfg.FramePeriod,
		log:         o.log,
	}
	u.open.Store(true)
	return u, nil
}

func (u *utteranceRun) forward(frame []byte) {
	if u.ctx.Err() != nil {
		return
	}
	if err := u.stt.SendAudio(u.ctx, frame); err != nil {
		u.log.Debug("forward audio failed", zap.String("utterance_id", u.id), zap.Error(err))
		return
	}
	u.frames.Add(1)
}

func (u *utteranceRun) closeInput() {
	u.closeOnce.Do(func() {
		u.open.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = u.stt.CloseInput(ctx)
		close(u.inputClosed)
	})
}

func (u *utteranceRun) audioSeconds() float64 {
	return float64(u.frames.Load()) * u.framePeriod.Seconds()
}

// runUtterance is the pipeline goroutine: transcript, reply, speech.
func (o *Orchestrator) runUtterance(u *utteranceRun, sess *session.Session, sink EventSink, results chan<- utteranceResult) {
	res := utteranceResult{id: u.id}
	defer func() {
		_ = u.stt.Close()
		results <- res
	}()

	text, confidence, err := o.awaitTranscript(u, sess, sink)
	// Audio seconds already streamed to the provider are billed even when
	// the utterance fails or is interrupted.
	sess.Usage.RecordSTT(u.audioSeconds())
	if err != nil {
		if u.ctx.Err() != nil {
			res.canceled = true
			return
		}
		res.err = err
		return
	}
	if text == "" {
		res.empty = true
		return
	}

	sink.Send(protocol.FinalTranscript{
		Type:        protocol.TypeFinalTranscript,
		SessionID:   sess.ID,
		UtteranceID: u.id,
		Text:        text,
		Confidence:  confidence,
	})
	if err := o.setState(sess, sink, session.StateThinking); err != nil {
		res.canceled = true
		return
	}
	o.persistAsync(sess, "user", text)

	if err := o.speak(u, sess, sink, text); err != nil {
		if u.ctx.Err() != nil && !isTimeoutError(err) {
			res.canceled = true
			return
		}
		res.err = err
	}
}

func (o *Orchestrator) awaitTranscript(u *utteranceRun, sess *session.Session, sink EventSink) (string, float64, error) {
	inputClosed := u.inputClosed
	var timeout <-chan time.Time
	var closedAt time.Time

	for {
		select {
		case <-u.ctx.Done():
			return "", 0, u.ctx.Err()

		case <-inputClosed:
			closedAt = time.Now()
			timeout = time.After(o.cfg.STTFinalTimeout)
			inputClosed = nil

		case <-timeout:
			return "", 0, &provider.Error{Source: "stt", Code: "timeout", Retryable: true}

		case ev, ok := <-u.stt.Events():
			if !ok {
				return "", 0, &provider.Error{Source: "stt", Code: "stream_closed", Retryable: true}
			}
			switch ev.Type {
			case provider.STTEventPartial:
				sink.Send(protocol.PartialTranscript{
					Type:        protocol.TypePartialTranscript,
					SessionID:   sess.ID,
					UtteranceID: u.id,
					Text:        ev.Text,
					Confidence:  ev.Confidence,
				})
			case provider.STTEventFinal:
				if !closedAt.IsZero() {
					o.metrics.ObserveStage("stt_final", time.Since(closedAt))
				}
				return ev.Text, ev.Confidence, nil
			case provider.STTEventError:
				code := ev.Code
				if code == "" {
					code = "stt_error"
				}
				return "", 0, &provider.Error{Source: "stt", Code: code, Retryable: ev.Retryable}
			}
		}
	}
}

type synthResult struct {
	parts  [][]byte
	format string
	err    error
}

// recordLLMUsage books the turn's token counts, estimating from the text
// when the provider does not report usage.
func recordLLMUsage(sess *session.Session, transcript string, reply provider.ReplyResult) {
	in, out := reply.InputTokens, reply.OutputTokens
	if in <= 0 {
		in = usage.EstimateTokens(transcript)
	}
	if out <= 0 {
		out = usage.EstimateTokens(reply.Text)
	}
	sess.Usage.RecordLLM(in, out)
}

// speak streams the LLM reply, cuts it into chunks, synthesizes chunks
// concurrently and emits audio strictly in generation order.
func (o *Orchestrator) speak(u *utteranceRun, sess *session.Session, sink EventSink, transcript string) error {
	req := provider.ReplyRequest{
		SessionID:   sess.ID,
		UtteranceID: u.id,
		Transcript:  transcript,
		Context:     o.loadContext(u.ctx, sess),
	}

	transcriptAt := time.Now()
	seg := newReplySegmenter()
	pending := make(chan chan synthResult, 64)
	drainDone := make(chan error, 1)
	go o.drainAudio(u, sess, sink, pending, transcriptAt, drainDone)

	llmCtx, cancelLLM := context.WithCancel(u.ctx)
	defer cancelLLM()
	var timedOut atomic.Bool
	firstTokenTimer := time.AfterFunc(o.cfg.LLMFirstTokenTimeout, func() {
		timedOut.Store(true)
		cancelLLM()
	})
	sawDelta := false

	reply, err := o.llm.StreamReply(llmCtx, req, func(delta string) error {
		if !sawDelta {
			sawDelta = true
			firstTokenTimer.Stop()
			o.metrics.ObserveStage("llm_first_token", time.Since(transcriptAt))
		}
		for _, chunk := range seg.Push(delta) {
			o.enqueueSynth(u, sess, chunk, pending)
		}
		return nil
	})
	firstTokenTimer.Stop()
	if err == nil {
		for _, chunk := range seg.Finalize() {
			o.enqueueSynth(u, sess, chunk, pending)
		}
	}
	close(pending)
	drainErr := <-drainDone

	if err != nil {
		if timedOut.Load() {
			return &provider.Error{Source: "llm", Code: "timeout", Retryable: true, Err: err}
		}
		if u.ctx.Err() != nil {
			return u.ctx.Err()
		}
		return asProviderErr("llm", err)
	}

	recordLLMUsage(sess, transcript, reply)
	o.persistAsync(sess, "assistant", reply.Text)

	if drainErr != nil {
		if u.ctx.Err() != nil {
			return u.ctx.Err()
		}
		return drainErr
	}
	o.metrics.ObserveStage("utterance_total", time.Since(transcriptAt))
	return nil
}

// enqueueSynth reserves the chunk's emission slot before synthesis starts,
// which is what pins audio output to generation order.
func (o *Orchestrator) enqueueSynth(u *utteranceRun, sess *session.Session, text string, pending chan chan synthResult) {
	if u.ctx.Err() != nil {
		return
	}
	slot := make(chan synthResult, 1)
	select {
	case pending <- slot:
	case <-u.ctx.Done():
		return
	}
	go func() {
		res := o.synthesize(u.ctx, text)
		// Characters are billed once the provider call has run, even
		// when it fails or is cut short with audio already produced.
		if len(res.parts) > 0 || !errors.Is(res.err, context.Canceled) {
			sess.Usage.RecordTTS(int64(len(text)))
		}
		slot <- res
	}()
}

func (o *Orchestrator) synthesize(ctx context.Context, text string) synthResult {
	start := time.Now()
	events, err := o.tts.Synthesize(ctx, text)
	if err != nil {
		return synthResult{err: asProviderErr("tts", err)}
	}

	res := synthResult{format: "pcm16"}
	firstByte := time.After(o.cfg.TTSFirstByteTimeout)
	for {
		select {
		case <-ctx.Done():
			return synthResult{err: ctx.Err()}
		case <-firstByte:
			return synthResult{err: &provider.Error{Source: "tts", Code: "timeout", Retryable: true}}
		case ev, ok := <-events:
			if !ok {
				return res
			}
			if firstByte != nil {
				o.metrics.ObserveStage("tts_first_byte", time.Since(start))
				firstByte = nil
			}
			switch ev.Type {
			case provider.TTSEventAudio:
				res.parts = append(res.parts, ev.Audio)
				if ev.Format != "" {
					res.format = ev.Format
				}
			case provider.TTSEventDone:
				return res
			case provider.TTSEventError:
				code := ev.Code
				if code == "" {
					code = "tts_error"
				}
				return synthResult{err: &provider.Error{Source: "tts", Code: code, Retryable: ev.Retryable}}
			}
		}
	}
}

// drainAudio consumes slots in generation order. A later chunk whose
// synthesis finished first waits in its slot until every earlier chunk has
// been emitted.
func (o *Orchestrator) drainAudio(
	u *utteranceRun,
	sess *session.Session,
	sink EventSink,
	pending <-chan chan synthResult,
	transcriptAt time.Time,
	done chan<- error,
) {
	var failed error
	seq := 0
	first := true

	for slot := range pending {
		res := <-slot
		if failed != nil || u.ctx.Err() != nil {
			continue
		}
		if res.err != nil {
			failed = res.err
			continue
		}
		for _, part := range res.parts {
			if u.ctx.Err() != nil {
				break
			}
			if first {
				first = false
				o.setState(sess, sink, session.StateSpeaking)
				o.metrics.ObserveFirstAudioLatency(time.Since(transcriptAt))
			}
			seq++
			sink.Send(protocol.AssistantAudioChunk{
				Type:        protocol.TypeAssistantAudioChunk,
				SessionID:   sess.ID,
				UtteranceID: u.id,
				Seq:         seq,
				Format:      res.format,
				AudioBase64: base64.StdEncoding.EncodeToString(part),
			})
		}
	}
	done <- failed
}

func (o *Orchestrator) loadContext(ctx context.Context, sess *session.Session) []provider.Turn {
	if o.store == nil || sess.ConversationID == "" || o.cfg.ContextTurns <= 0 {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, contextLoadTimeout)
	defer cancel()
	records, err := o.store.RecentContext(cctx, sess.ConversationID, o.cfg.ContextTurns)
	if err != nil {
		o.log.Warn("load conversation context failed",
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
		return nil
	}
	turns := make([]provider.Turn, 0, len(records))
	for _, r := range records {
		turns = append(turns, provider.Turn{Role: r.Role, Text: r.Text})
	}
	return turns
}

// persistAsync hands transcript text to the store off the audio path.
// Failures are logged, never surfaced to the client.
func (o *Orchestrator) persistAsync(sess *session.Session, role, text string) {
	if o.store == nil {
		return
	}
	redacted, changed := policy.RedactPII(text)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		err := o.store.SaveUtterance(ctx, store.UtteranceRecord{
			SessionID:      sess.ID,
			UserID:         sess.UserID,
			ConversationID: sess.ConversationID,
			Role:           role,
			Text:           redacted,
			PIIRedacted:    changed,
		})
		if err != nil {
			o.log.Warn("save utterance failed",
				zap.String("session_id", sess.ID),
				zap.String("role", role),
				zap.Error(err),
			)
		}
	}()
}

// frameRing keeps the last few frames before an utterance opens so the
// hysteresis lead-in reaches the transcriber.
type frameRing struct {
	frames [][]byte
	next   int
	filled bool
}

func newFrameRing(size int) *frameRing {
	if size <= 0 {
		size = 1
	}
	return &frameRing{frames: make([][]byte, size)}
}

func (r *frameRing) push(frame []byte) {
	r.frames[r.next] = frame
	r.next++
	if r.next >= len(r.frames) {
		r.next = 0
		r.filled = true
	}
}

func (r *frameRing) drain() [][]byte {
	var out [][]byte
	if r.filled {
		out = append(out, r.frames[r.next:]...)
	}
	out = append(out, r.frames[:r.next]...)
	r.next = 0
	r.filled = false
	for i := range r.frames {
		r.frames[i] = nil
	}
	return out
}

func asProviderErr(source string, err error) error {
	if err == nil {
		return nil
	}
	var perr *provider.Error
	if errors.As(err, &perr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &provider.Error{Source: source, Code: "request_failed", Retryable: true, Err: err}
}

func normalizeProviderError(err error) *provider.Error {
	var perr *provider.Error
	if errors.As(err, &perr) {
		return perr
	}
	return &provider.Error{Source: "internal", Code: "internal_error", Err: err}
}

func isTimeoutError(err error) bool {
	var perr *provider.Error
	return errors.As(err, &perr) && perr.Code == "timeout"
}
