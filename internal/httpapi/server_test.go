package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

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
	"github.com/nova-companion/nova/internal/vad"
	"github.com/nova-companion/nova/internal/voice"
)

const testSecret = "httpapi-test-secret"

var nsSeq int
var nsMu sync.Mutex

func testNamespace() string {
	nsMu.Lock()
	defer nsMu.Unlock()
	nsSeq++
	return fmt.Sprintf("httpapitest%d", nsSeq)
}

type tierStub map[string]admission.Tier

func (s tierStub) UserTier(_ context.Context, userID string) (admission.Tier, error) {
	return s[userID], nil
}

type testEnv struct {
	ts       *httptest.Server
	registry *session.Registry
	store    *store.InMemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zap.NewNop()
	cfg := config.Config{
		AllowAnyOrigin: true,
		PipelineMode:   "auto",
		ContextTurns:   4,
		SampleRate:     16000,
		FrameBytes:     640,
	}
	rates := usage.Rates{STTPerSecond: 0.001, LLMInPer1K: 0.3, LLMOutPer1K: 1.5, TTSPerChar: 0.00002}
	metrics := observability.NewMetrics(testNamespace())
	registry := session.NewRegistry(3, rates, log)
	tiers := tierStub{"studio-user": admission.TierStudio, "free-user": admission.TierFree}
	ctrl := admission.NewController(admission.NewJWTVerifier(testSecret), tiers, registry, admission.TierStudio, log)

	st := store.NewInMemoryStore()
	vcfg := voice.Config{
		SampleRate:  16000,
		FramePeriod: 20 * time.Millisecond,
		VAD: vad.Params{
			FramePeriod:         20 * time.Millisecond,
			CalibrationFrames:   3,
			ThresholdMultiplier: 2.5,
			DriftTolerance:      0.4,
			DriftWindow:         50,
			SpeechStartFrames:   2,
			TrailingSilence:     40 * time.Millisecond,
			MinUtterance:        40 * time.Millisecond,
			BargeInConfirmation: 40 * time.Millisecond,
		},
		STTFinalTimeout:      2 * time.Second,
		LLMFirstTokenTimeout: 2 * time.Second,
		TTSFirstByteTimeout:  2 * time.Second,
		MaxUtteranceFailures: 3,
		ContextTurns:         4,
	}
	orch := voice.NewOrchestrator(provider.NewMockSTT(), provider.NewMockLLM(), provider.NewMockTTS(), st, metrics, vcfg, log)
	sel := voice.NewSelector(cfg.PipelineMode, voice.NewTransportHealth(3, time.Minute), log)

	srv := New(cfg, Deps{
		Admission: ctrl,
		Registry:  registry,
		Streaming: orch,
		Batch:     voice.NewNonStreaming(orch),
		Selector:  sel,
		Health:    voice.NewTransportHealth(3, time.Minute),
		Store:     st,
		STT:       provider.NewMockSTT(),
		LLM:       provider.NewMockLLM(),
		TTS:       provider.NewMockTTS(),
		Metrics:   metrics,
		Log:       log,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, registry: registry, store: st}
}

func (e *testEnv) dialWS(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/v1/voice/session/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func signTestToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := admission.SignToken(testSecret, userID, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func wsFrame(amplitude float64) []byte {
	const samples = 320
	frame := make([]byte, samples*2)
	v := int16(amplitude * 32767)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(frame[2*i:], uint16(v))
	}
	return frame
}

// readEvent decodes the next JSON message into an envelope plus raw payload.
func readEvent(t *testing.T, conn *websocket.Conn) (protocol.MessageType, []byte, error) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", nil, err
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("bad server message %q: %v", data, err)
	}
	return env.Type, data, nil
}

func TestSessionWSRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dialWS(t)

	start := protocol.SessionStart{Type: protocol.TypeSessionStart, AuthToken: "garbage"}
	if err := conn.WriteJSON(start); err != nil {
		t.Fatalf("write session_start: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, protocol.CloseUnauthorized) {
		t.Fatalf("err = %v, want close %d", err, protocol.CloseUnauthorized)
	}
}

func TestSessionWSRejectsInsufficientTier(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dialWS(t)

	start := protocol.SessionStart{Type: protocol.TypeSessionStart, AuthToken: signTestToken(t, "free-user")}
	if err := conn.WriteJSON(start); err != nil {
		t.Fatalf("write session_start: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, protocol.CloseTierRequired) {
		t.Fatalf("err = %v, want close %d", err, protocol.CloseTierRequired)
	}
}

func TestSessionWSRejectsOverConcurrencyLimit(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		if _, err := env.registry.Admit("studio-user", fmt.Sprintf("conv-%d", i), "studio"); err != nil {
			t.Fatalf("pre-admit %d: %v", i, err)
		}
	}

	conn := env.dialWS(t)
	start := protocol.SessionStart{Type: protocol.TypeSessionStart, AuthToken: signTestToken(t, "studio-user")}
	if err := conn.WriteJSON(start); err != nil {
		t.Fatalf("write session_start: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, protocol.CloseTooManySessions) {
		t.Fatalf("err = %v, want close %d", err, protocol.CloseTooManySessions)
	}
}

func TestSessionWSRejectsNonStartFirstMessage(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dialWS(t)

	if err := conn.WriteJSON(protocol.Interrupt{Type: protocol.TypeInterrupt}); err != nil {
		t.Fatalf("write interrupt: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, protocol.CloseUnauthorized) {
		t.Fatalf("err = %v, want close %d", err, protocol.CloseUnauthorized)
	}
}

func TestSessionWSFullExchange(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dialWS(t)

	start := protocol.SessionStart{
		Type:           protocol.TypeSessionStart,
		AuthToken:      signTestToken(t, "studio-user"),
		ConversationID: "conv-ws",
	}
	if err := conn.WriteJSON(start); err != nil {
		t.Fatalf("write session_start: %v", err)
	}

	// Calibration, then one utterance with trailing silence.
	for i := 0; i < 3; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, wsFrame(0.002)); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
	for i := 0; i < 8; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, wsFrame(0.3)); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, wsFrame(0.002)); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}

	var states []string
	var finalText string
	var audio []string
	sawSpeaking := false
	doneSpeaking := false
	for !doneSpeaking {
		typ, data, err := readEvent(t, conn)
		if err != nil {
			t.Fatalf("read during exchange: %v", err)
		}
		switch typ {
		case protocol.TypeStateChange:
			var sc protocol.StateChange
			_ = json.Unmarshal(data, &sc)
			states = append(states, sc.State)
			if sc.State == "speaking" {
				sawSpeaking = true
			}
			if sawSpeaking && sc.State == "listening" {
				doneSpeaking = true
			}
		case protocol.TypeFinalTranscript:
			var ft protocol.FinalTranscript
			_ = json.Unmarshal(data, &ft)
			finalText = ft.Text
		case protocol.TypeAssistantAudioChunk:
			var ac protocol.AssistantAudioChunk
			_ = json.Unmarshal(data, &ac)
			raw, decErr := base64.StdEncoding.DecodeString(ac.AudioBase64)
			if decErr != nil {
				t.Fatalf("bad audio chunk: %v", decErr)
			}
			audio = append(audio, string(raw))
		}
	}

	if len(states) == 0 || states[0] != "connected" {
		t.Fatalf("states = %v, want connected first", states)
	}
	if finalText != "simulated voice input" {
		t.Fatalf("final transcript = %q", finalText)
	}
	joined := strings.Join(audio, " ")
	if !strings.Contains(joined, "You said: simulated voice input") {
		t.Fatalf("audio = %q", joined)
	}

	if err := conn.WriteJSON(protocol.SessionEnd{Type: protocol.TypeSessionEnd}); err != nil {
		t.Fatalf("write session_end: %v", err)
	}

	var ended protocol.SessionEnded
	for {
		typ, data, err := readEvent(t, conn)
		if err != nil {
			t.Fatalf("read waiting for session_ended: %v", err)
		}
		if typ == protocol.TypeSessionEnded {
			_ = json.Unmarshal(data, &ended)
			break
		}
	}
	if ended.Reason != "client_ended" {
		t.Fatalf("end reason = %q", ended.Reason)
	}
	if ended.Usage.TotalCost <= 0 {
		t.Fatalf("usage = %+v, want positive cost", ended.Usage)
	}

	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("err = %v, want normal close", err)
	}

	// The registry slot frees on finalize, so a new session fits.
	if got := env.registry.ActiveForUser("studio-user"); got != 0 {
		t.Fatalf("active sessions = %d, want 0", got)
	}
}

func TestChatEndpoint(t *testing.T) {
	env := newTestEnv(t)

	body, _ := json.Marshal(chatRequest{ConversationID: "conv-chat", Text: "hello there"})
	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/v1/voice/chat", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signTestToken(t, "studio-user"))
	req.Header.Set("Content-Type", "application/json")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("chat request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var out chatResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.ReplyText != "You said: hello there." {
		t.Fatalf("reply = %q", out.ReplyText)
	}
	raw, err := base64.StdEncoding.DecodeString(out.AudioBase64)
	if err != nil {
		t.Fatalf("bad audio: %v", err)
	}
	if string(raw) != out.ReplyText {
		t.Fatalf("audio = %q, want %q", raw, out.ReplyText)
	}
	if cost, _ := out.Usage["total_cost"].(float64); cost <= 0 {
		t.Fatalf("usage = %+v, want positive cost", out.Usage)
	}
}

func TestChatEndpointAudioUpload(t *testing.T) {
	env := newTestEnv(t)

	pcm := bytes.Repeat(wsFrame(0.3), 10)
	body, _ := json.Marshal(chatRequest{AudioBase64: base64.StdEncoding.EncodeToString(pcm)})
	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/v1/voice/chat", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signTestToken(t, "studio-user"))

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("chat request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var out chatResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Transcript != "simulated voice input" {
		t.Fatalf("transcript = %q", out.Transcript)
	}
	if out.ReplyText != "You said: simulated voice input." {
		t.Fatalf("reply = %q", out.ReplyText)
	}
	if secs, _ := out.Usage["stt_seconds"].(float64); secs <= 0 {
		t.Fatalf("usage = %+v, want positive stt seconds", out.Usage)
	}
}

func TestChatEndpointAuth(t *testing.T) {
	env := newTestEnv(t)

	body, _ := json.Marshal(chatRequest{Text: "hi"})
	res, err := http.Post(env.ts.URL+"/v1/voice/chat", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("chat request: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}

	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/v1/voice/chat", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signTestToken(t, "free-user"))
	res2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("chat request: %v", err)
	}
	res2.Body.Close()
	if res2.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res2.StatusCode, http.StatusForbidden)
	}
}

func TestHealthAndPerfEndpoints(t *testing.T) {
	env := newTestEnv(t)

	res, err := http.Get(env.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", res.StatusCode)
	}
	var health map[string]any
	if err := json.NewDecoder(res.Body).Decode(&health); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if health["store_mode"] != "in-memory" {
		t.Fatalf("store_mode = %v", health["store_mode"])
	}

	perfRes, err := http.Get(env.ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET /v1/perf/latency: %v", err)
	}
	defer perfRes.Body.Close()
	if perfRes.StatusCode != http.StatusOK {
		t.Fatalf("perf status = %d", perfRes.StatusCode)
	}
	var snap observability.StageSnapshot
	if err := json.NewDecoder(perfRes.Body).Decode(&snap); err != nil {
		t.Fatalf("decode perf snapshot: %v", err)
	}
}
