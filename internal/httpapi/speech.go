package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nova-companion/nova/internal/provider"
	"github.com/nova-companion/nova/internal/usage"
)

type sttRequest struct {
	AudioBase64 string `json:"audio_base64"`
}

type sttResponse struct {
	Transcript string  `json:"transcript"`
	Seconds    float64 `json:"seconds"`
}

// handleSTT transcribes one uploaded recording. Admission is the same gate
// as a websocket session so the request is billed to a real session slot.
func (s *Server) handleSTT(w http.ResponseWriter, r *http.Request) {
	if s.deps.STT == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "stt provider not configured")
		return
	}
	token := bearerToken(r)
	if token == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}

	var req sttRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(req.AudioBase64)
	if err != nil || len(pcm) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "audio_base64 must be non-empty base64 PCM16")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	sess, admErr := s.deps.Admission.Admit(ctx, token, "")
	if admErr != nil {
		respondError(w, admissionStatus(admErr.Reason), string(admErr.Reason), admErr.Error())
		return
	}
	defer s.finalize(sess)

	transcript, err := s.transcribeChat(ctx, sess, pcm)
	if err != nil {
		respondError(w, http.StatusBadGateway, "stt_error", "transcription failed")
		return
	}

	snap := sess.Usage.Snapshot()
	respondJSON(w, http.StatusOK, sttResponse{
		Transcript: strings.TrimSpace(transcript),
		Seconds:    snap.STTSeconds,
	})
}

type ttsRequest struct {
	Text string `json:"text"`
}

type ttsResponse struct {
	AudioBase64 string `json:"audio_base64"`
	Format      string `json:"format"`
	Characters  int64  `json:"characters"`
}

// handleTTS synthesizes one piece of text to audio.
func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	if s.deps.TTS == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "tts provider not configured")
		return
	}
	token := bearerToken(r)
	if token == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}

	var req ttsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	sess, admErr := s.deps.Admission.Admit(ctx, token, "")
	if admErr != nil {
		respondError(w, admissionStatus(admErr.Reason), string(admErr.Reason), admErr.Error())
		return
	}
	defer s.finalize(sess)

	audio, format, err := s.synthesizeFull(ctx, req.Text)
	if err != nil {
		respondError(w, http.StatusBadGateway, "tts_error", "speech synthesis failed")
		return
	}
	sess.Usage.RecordTTS(int64(len(req.Text)))

	respondJSON(w, http.StatusOK, ttsResponse{
		AudioBase64: base64.StdEncoding.EncodeToString(audio),
		Format:      format,
		Characters:  int64(len(req.Text)),
	})
}

// handleChatStream streams a text reply as server-sent events. The event
// sequence is start, zero or more token events, done with the usage totals,
// then end. Failures after the stream opens surface as an error event.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.LLM == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "llm provider not configured")
		return
	}
	token := bearerToken(r)
	if token == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	text := strings.TrimSpace(r.URL.Query().Get("text"))
	if text == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text query parameter is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}
	conversationID := strings.TrimSpace(r.URL.Query().Get("conversation_id"))

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	sess, admErr := s.deps.Admission.Admit(ctx, token, conversationID)
	if admErr != nil {
		respondError(w, admissionStatus(admErr.Reason), string(admErr.Reason), admErr.Error())
		return
	}
	defer s.finalize(sess)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	s.sseEvent(w, flusher, "start", map[string]any{"session_id": sess.ID})

	history := s.chatContext(ctx, sess.ConversationID)
	s.persistUtterance(sess.ID, sess.UserID, sess.ConversationID, "user", text)

	reply, err := s.deps.LLM.StreamReply(ctx, provider.ReplyRequest{
		SessionID:   sess.ID,
		UtteranceID: uuid.NewString(),
		Transcript:  text,
		Context:     history,
	}, func(delta string) error {
		s.sseEvent(w, flusher, "token", map[string]any{"text": delta})
		return ctx.Err()
	})
	if err != nil {
		s.sseEvent(w, flusher, "error", map[string]any{"code": "llm_error"})
		s.sseEvent(w, flusher, "end", map[string]any{})
		return
	}

	inTokens, outTokens := reply.InputTokens, reply.OutputTokens
	if inTokens <= 0 {
		inTokens = usage.EstimateTokens(text)
	}
	if outTokens <= 0 {
		outTokens = usage.EstimateTokens(reply.Text)
	}
	sess.Usage.RecordLLM(inTokens, outTokens)
	s.persistUtterance(sess.ID, sess.UserID, sess.ConversationID, "assistant", reply.Text)

	snap := sess.Usage.Snapshot()
	s.sseEvent(w, flusher, "done", map[string]any{
		"reply_text":        reply.Text,
		"llm_input_tokens":  snap.LLMInputTokens,
		"llm_output_tokens": snap.LLMOutputTokens,
		"total_cost":        snap.TotalCost,
	})
	s.sseEvent(w, flusher, "end", map[string]any{})
}

func (s *Server) sseEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		s.log.Warn("sse payload marshal failed", zap.String("event", event), zap.Error(err))
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
