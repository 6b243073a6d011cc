package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nova-companion/nova/internal/admission"
	"github.com/nova-companion/nova/internal/config"
	"github.com/nova-companion/nova/internal/observability"
	"github.com/nova-companion/nova/internal/protocol"
	"github.com/nova-companion/nova/internal/provider"
	"github.com/nova-companion/nova/internal/session"
	"github.com/nova-companion/nova/internal/store"
	"github.com/nova-companion/nova/internal/usage"
	"github.com/nova-companion/nova/internal/voice"
)

// Runner drives one admitted session over its frame and control channels.
// Both pipeline implementations satisfy it.
type Runner interface {
	RunSession(ctx context.Context, sess *session.Session, sink voice.EventSink, frames <-chan []byte, control <-chan voice.Control) error
}

// Deps are the collaborators the gateway needs. All fields are required
// except LLM and TTS, which only back the one-shot chat endpoint.
type Deps struct {
	Admission *admission.Controller
	Registry  *session.Registry
	Streaming Runner
	Batch     Runner
	Selector  *voice.Selector
	Health    *voice.TransportHealth
	Store     store.Store
	STT       provider.STTProvider
	LLM       provider.LLMProvider
	TTS       provider.TTSProvider
	Metrics   *observability.Metrics
	Log       *zap.Logger
}

type Server struct {
	cfg      config.Config
	deps     Deps
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:  cfg,
		deps: deps,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up. Other websites must
				// not be able to drive a user's mic session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/voice/session/ws", s.handleSessionWS)
	r.Post("/v1/voice/chat", s.handleChat)
	r.Get("/v1/voice/chat/stream", s.handleChatStream)
	r.Post("/v1/voice/stt", s.handleSTT)
	r.Post("/v1/voice/tts", s.handleTTS)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.deps.Registry.ActiveCount(),
		"pipeline_mode":   s.cfg.PipelineMode,
	})
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.deps.Metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	start, err := s.awaitSessionStart(conn)
	if err != nil {
		s.closeWith(conn, protocol.CloseUnauthorized, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, admErr := s.deps.Admission.Admit(ctx, start.AuthToken, start.ConversationID)
	if admErr != nil {
		s.closeWith(conn, admErr.CloseCode(), string(admErr.Reason))
		return
	}
	s.deps.Metrics.ActiveSessions.Set(float64(s.deps.Registry.ActiveCount()))

	outbound := make(chan any, 256)
	frames := make(chan []byte, 256)
	control := make(chan voice.Control, 8)
	sink := &wsSink{ctx: ctx, outbound: outbound}

	writerDone := make(chan struct{})
	go s.writeLoop(ctx, conn, outbound, writerDone, cancel)

	connSeq, err := sess.Transition(session.StateConnected)
	if err != nil {
		s.finalize(sess)
		s.closeWith(conn, protocol.CloseFatalError, "internal_error")
		return
	}
	_ = sink.Send(protocol.StateChange{
		Type:      protocol.TypeStateChange,
		SessionID: sess.ID,
		State:     string(session.StateConnected),
		Seq:       connSeq,
		TSMs:      time.Now().UnixMilli(),
	})

	pipeline := s.deps.Selector.Choose(start.Mode)
	s.deps.Metrics.PipelineSelections.WithLabelValues(pipeline.String()).Inc()
	runner := s.deps.Streaming
	if pipeline == voice.PipelineBatch {
		runner = s.deps.Batch
	}
	s.log.Info("session admitted",
		zap.String("session_id", sess.ID),
		zap.String("user_id", sess.UserID),
		zap.String("tier", sess.Tier),
		zap.String("pipeline", pipeline.String()),
	)

	runErr := make(chan error, 1)
	go func() {
		runErr <- runner.RunSession(ctx, sess, sink, frames, control)
	}()

	readDone := make(chan struct{})
	go s.readLoop(ctx, conn, sess.ID, frames, control, outbound, readDone)

	err = <-runErr

	summary := usageSummary(sess.Usage.Snapshot())
	reason, closeCode := endOutcome(sess, err)
	_ = sink.Send(protocol.SessionEnded{
		Type:      protocol.TypeSessionEnded,
		SessionID: sess.ID,
		Reason:    reason,
		Usage:     summary,
	})
	// Let the writer drain everything queued ahead of the stop marker so
	// session_ended reaches the client before the close frame.
	select {
	case outbound <- writerStop{}:
	case <-ctx.Done():
	}
	<-writerDone

	s.finalize(sess)
	s.closeWith(conn, closeCode, reason)
	cancel()
	conn.Close()
	<-readDone
	s.deps.Metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

// awaitSessionStart enforces the handshake: the first client message must be
// a session_start before any audio is accepted.
func (s *Server) awaitSessionStart(conn *websocket.Conn) (protocol.SessionStart, error) {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.SessionStart{}, errors.New("no session_start received")
	}
	if msgType != websocket.TextMessage {
		return protocol.SessionStart{}, errors.New("expected session_start before audio")
	}
	parsed, err := protocol.ParseClientMessage(data)
	if err != nil {
		return protocol.SessionStart{}, err
	}
	start, ok := parsed.(protocol.SessionStart)
	if !ok {
		return protocol.SessionStart{}, errors.New("expected session_start as first message")
	}
	return start, nil
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, outbound <-chan any, done chan<- struct{}, cancel context.CancelFunc) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-outbound:
			if !ok {
				return
			}
			if _, stop := msg.(writerStop); stop {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.deps.Metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
			}
		}
	}
}

// readLoop routes binary frames to the audio channel and JSON control
// messages to the control channel. It owns the frames channel and closes it
// when the client goes away, which is the pipeline's disconnect signal.
func (s *Server) readLoop(
	ctx context.Context,
	conn *websocket.Conn,
	sessionID string,
	frames chan<- []byte,
	control chan<- voice.Control,
	outbound chan<- any,
	done chan<- struct{},
) {
	defer close(done)
	defer close(frames)

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.deps.Health.RecordAbnormalClosure()
			}
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			if len(data) == 0 {
				continue
			}
			frame := make([]byte, len(data))
			copy(frame, data)
			s.deps.Metrics.WSMessages.WithLabelValues("inbound", "audio_frame").Inc()
			select {
			case <-ctx.Done():
				return
			case frames <- frame:
			default:
				// The pipeline is behind; shedding frames beats blocking
				// the read loop and losing control messages.
				s.deps.Metrics.DroppedFrames.Inc()
			}
		case websocket.TextMessage:
			parsed, err := protocol.ParseClientMessage(data)
			if err != nil {
				s.queueError(outbound, sessionID, "invalid_client_message")
				continue
			}
			if t, ok := messageTypeOf(parsed); ok {
				s.deps.Metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
			}
			switch parsed.(type) {
			case protocol.Interrupt:
				select {
				case control <- voice.ControlInterrupt:
				default:
				}
			case protocol.SessionEnd:
				// The pipeline observes the control message and winds the
				// session down; the connection close unblocks this loop.
				select {
				case control <- voice.ControlEnd:
				default:
				}
			case protocol.SessionStart:
				s.queueError(outbound, sessionID, "session_already_started")
			}
		}
	}
}

func (s *Server) queueError(outbound chan<- any, sessionID, code string) {
	ev := protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    "gateway",
		Retryable: false,
	}
	select {
	case outbound <- ev:
	default:
		// Keep websocket writes single-threaded; drop if the queue is full.
	}
}

// finalize releases the registry slot and flushes the usage record exactly
// once per session, no matter which shutdown path got here first.
func (s *Server) finalize(sess *session.Session) {
	sess.FinalizeOnce(func() {
		if st := sess.State(); !st.Terminal() {
			_, _ = sess.Transition(session.StateEnded)
		}
		s.deps.Registry.Release(sess.ID)
		s.deps.Metrics.ActiveSessions.Set(float64(s.deps.Registry.ActiveCount()))

		rec, ok := sess.Usage.Finalize(sess.ID, sess.UserID)
		if !ok {
			return
		}
		s.deps.Metrics.SessionCostUSD.Add(rec.TotalCost)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.deps.Store.SaveUsage(ctx, rec); err != nil {
				s.log.Warn("usage flush failed",
					zap.String("session_id", rec.SessionID),
					zap.Error(err),
				)
			}
		}()
	})
}

func (s *Server) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(2*time.Second))
}

func (s *Server) storeMode() string {
	if strings.TrimSpace(s.cfg.DatabaseURL) == "" {
		return "in-memory"
	}
	return "postgres"
}

// endOutcome maps the pipeline result to a close reason and websocket close
// code. Fatal pipeline errors surface as 1011, everything else is a normal
// close.
func endOutcome(sess *session.Session, err error) (string, int) {
	var fatal *voice.FatalError
	if errors.As(err, &fatal) {
		return fatal.Code, protocol.CloseFatalError
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return "internal_error", protocol.CloseFatalError
	}
	if sess.State() == session.StateEnded {
		return "client_ended", protocol.CloseNormal
	}
	return "disconnected", protocol.CloseNormal
}

func usageSummary(snap usage.Snapshot) protocol.UsageSummary {
	return protocol.UsageSummary{
		STTSeconds:      snap.STTSeconds,
		LLMInputTokens:  snap.LLMInputTokens,
		LLMOutputTokens: snap.LLMOutputTokens,
		TTSCharacters:   snap.TTSCharacters,
		TotalCost:       snap.TotalCost,
	}
}

// writerStop tells the write loop to exit after draining what was queued
// before it.
type writerStop struct{}

// wsSink delivers pipeline events to the writer goroutine. Send blocks when
// the outbound queue is full so audio chunk ordering is never violated.
type wsSink struct {
	ctx      context.Context
	outbound chan<- any
}

func (s *wsSink) Send(msg any) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.outbound <- msg:
		return nil
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.SessionStart:
		return m.Type, true
	case protocol.Interrupt:
		return m.Type, true
	case protocol.SessionEnd:
		return m.Type, true
	case protocol.StateChange:
		return m.Type, true
	case protocol.PartialTranscript:
		return m.Type, true
	case protocol.FinalTranscript:
		return m.Type, true
	case protocol.AssistantAudioChunk:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	case protocol.SessionEnded:
		return m.Type, true
	default:
		return "", false
	}
}
