package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nova-companion/nova/internal/admission"
	"github.com/nova-companion/nova/internal/policy"
	"github.com/nova-companion/nova/internal/provider"
	"github.com/nova-companion/nova/internal/session"
	"github.com/nova-companion/nova/internal/store"
	"github.com/nova-companion/nova/internal/usage"
)

// chatRequest carries either a transcript or base64 PCM16 audio to run
// through speech recognition first.
type chatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Text           string `json:"text,omitempty"`
	AudioBase64    string `json:"audio_base64,omitempty"`
}

type chatResponse struct {
	SessionID   string         `json:"session_id"`
	Transcript  string         `json:"transcript"`
	ReplyText   string         `json:"reply_text"`
	AudioBase64 string         `json:"audio_base64"`
	Format      string         `json:"format"`
	Usage       map[string]any `json:"usage"`
}

// handleChat is the one-shot fallback: a full utterance in, a full reply
// and synthesized audio out. It goes through the same admission gate as a
// websocket session.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.deps.LLM == nil || s.deps.TTS == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "chat providers not configured")
		return
	}

	token := bearerToken(r)
	if token == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" && req.AudioBase64 == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text or audio_base64 is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	sess, admErr := s.deps.Admission.Admit(ctx, token, req.ConversationID)
	if admErr != nil {
		respondError(w, admissionStatus(admErr.Reason), string(admErr.Reason), admErr.Error())
		return
	}
	defer s.finalize(sess)

	transcript := req.Text
	if transcript == "" {
		pcm, err := base64.StdEncoding.DecodeString(req.AudioBase64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "audio_base64 is not valid base64")
			return
		}
		transcript, err = s.transcribeChat(ctx, sess, pcm)
		if err != nil {
			respondError(w, http.StatusBadGateway, "stt_error", "transcription failed")
			return
		}
		transcript = strings.TrimSpace(transcript)
		if transcript == "" {
			respondError(w, http.StatusUnprocessableEntity, "empty_transcript", "no speech recognized")
			return
		}
	}

	history := s.chatContext(ctx, sess.ConversationID)
	s.persistUtterance(sess.ID, sess.UserID, sess.ConversationID, "user", transcript)

	utteranceID := uuid.NewString()
	reply, err := s.deps.LLM.StreamReply(ctx, provider.ReplyRequest{
		SessionID:   sess.ID,
		UtteranceID: utteranceID,
		Transcript:  transcript,
		Context:     history,
	}, func(string) error { return nil })
	if err != nil {
		respondError(w, http.StatusBadGateway, "llm_error", "reply generation failed")
		return
	}
	inTokens, outTokens := reply.InputTokens, reply.OutputTokens
	if inTokens <= 0 {
		inTokens = usage.EstimateTokens(transcript)
	}
	if outTokens <= 0 {
		outTokens = usage.EstimateTokens(reply.Text)
	}
	sess.Usage.RecordLLM(inTokens, outTokens)
	s.persistUtterance(sess.ID, sess.UserID, sess.ConversationID, "assistant", reply.Text)

	audio, format, err := s.synthesizeFull(ctx, reply.Text)
	if err != nil {
		respondError(w, http.StatusBadGateway, "tts_error", "speech synthesis failed")
		return
	}
	sess.Usage.RecordTTS(int64(len(reply.Text)))

	snap := sess.Usage.Snapshot()
	respondJSON(w, http.StatusOK, chatResponse{
		SessionID:   sess.ID,
		Transcript:  transcript,
		ReplyText:   reply.Text,
		AudioBase64: base64.StdEncoding.EncodeToString(audio),
		Format:      format,
		Usage: map[string]any{
			"stt_seconds":       snap.STTSeconds,
			"llm_input_tokens":  snap.LLMInputTokens,
			"llm_output_tokens": snap.LLMOutputTokens,
			"tts_characters":    snap.TTSCharacters,
			"total_cost":        snap.TotalCost,
		},
	})
}

// transcribeChat replays an uploaded recording through the streaming
// transcriber and waits for the single final result.
func (s *Server) transcribeChat(ctx context.Context, sess *session.Session, pcm []byte) (string, error) {
	if s.deps.STT == nil {
		return "", errors.New("stt provider not configured")
	}
	stream, err := s.deps.STT.StartStream(ctx, uuid.NewString(), s.cfg.SampleRate)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	frameBytes := s.cfg.FrameBytes
	if frameBytes <= 0 {
		frameBytes = 640
	}
	for off := 0; off < len(pcm); off += frameBytes {
		end := off + frameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := stream.SendAudio(ctx, pcm[off:end]); err != nil {
			return "", err
		}
	}
	if err := stream.CloseInput(ctx); err != nil {
		return "", err
	}
	if s.cfg.SampleRate > 0 {
		sess.Usage.RecordSTT(float64(len(pcm)) / float64(2*s.cfg.SampleRate))
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-stream.Events():
			if !ok {
				return "", errors.New("transcriber stream closed")
			}
			switch ev.Type {
			case provider.STTEventFinal:
				return ev.Text, nil
			case provider.STTEventError:
				return "", &provider.Error{Source: "stt", Code: ev.Code, Retryable: ev.Retryable}
			}
		}
	}
}

func (s *Server) chatContext(ctx context.Context, conversationID string) []provider.Turn {
	if conversationID == "" {
		return nil
	}
	records, err := s.deps.Store.RecentContext(ctx, conversationID, s.cfg.ContextTurns)
	if err != nil {
		s.log.Warn("context load failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return nil
	}
	turns := make([]provider.Turn, 0, len(records))
	for _, rec := range records {
		turns = append(turns, provider.Turn{Role: rec.Role, Text: rec.Text})
	}
	return turns
}

func (s *Server) persistUtterance(sessionID, userID, conversationID, role, text string) {
	redacted, changed := policy.RedactPII(text)
	rec := store.UtteranceRecord{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		UserID:         userID,
		ConversationID: conversationID,
		Role:           role,
		Text:           redacted,
		PIIRedacted:    changed,
		CreatedAt:      time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.deps.Store.SaveUtterance(ctx, rec); err != nil {
			s.log.Warn("utterance persist failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}()
}

func (s *Server) synthesizeFull(ctx context.Context, text string) ([]byte, string, error) {
	events, err := s.deps.TTS.Synthesize(ctx, text)
	if err != nil {
		return nil, "", err
	}
	var audio []byte
	format := "pcm16"
	for {
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return audio, format, nil
			}
			switch ev.Type {
			case provider.TTSEventAudio:
				audio = append(audio, ev.Audio...)
				if ev.Format != "" {
					format = ev.Format
				}
			case provider.TTSEventDone:
				return audio, format, nil
			case provider.TTSEventError:
				return nil, "", &provider.Error{Source: "tts", Code: ev.Code, Retryable: ev.Retryable}
			}
		}
	}
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func admissionStatus(reason admission.Reason) int {
	switch reason {
	case admission.ReasonUnauthorized:
		return http.StatusUnauthorized
	case admission.ReasonTierRequired:
		return http.StatusForbidden
	case admission.ReasonTooManySessions:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}
