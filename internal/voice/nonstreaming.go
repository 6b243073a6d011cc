package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nova-companion/nova/internal/protocol"
	"github.com/nova-companion/nova/internal/provider"
	"github.com/nova-companion/nova/internal/session"
	"github.com/nova-companion/nova/internal/vad"
)

// NonStreaming is the request/response fallback pipeline: a full utterance
// recording, then a complete transcript, a complete reply and a single
// synthesis pass. No partial transcripts and no barge-in; an interrupt
// signal is ignored.
type NonStreaming struct {
	o *Orchestrator
}

func NewNonStreaming(o *Orchestrator) *NonStreaming {
	return &NonStreaming{o: o}
}

// RunSession has the same contract as Orchestrator.RunSession.
func (n *NonStreaming) RunSession(
	ctx context.Context,
	sess *session.Session,
	sink EventSink,
	frames <-chan []byte,
	control <-chan Control,
) error {
	o := n.o
	if err := o.setState(sess, sink, session.StateListening); err != nil {
		return o.failSession(sess, sink, "internal_error")
	}

	det := vad.NewDetector(o.cfg.VAD)
	results := make(chan utteranceResult, 4)
	var buffered [][]byte
	var collecting bool
	processing := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sig, ok := <-control:
			if !ok {
				control = nil
				continue
			}
			if sig == ControlEnd {
				o.setState(sess, sink, session.StateEnded)
				return nil
			}

		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if processing || !sess.State().CanProcessAudio() {
				o.metrics.DroppedFrames.Inc()
				continue
			}
			switch det.Process(frame, false) {
			case vad.EventUtteranceStart:
				collecting = true
				buffered = buffered[:0]
				buffered = append(buffered, frame)
				o.setState(sess, sink, session.StateTranscribing)
			case vad.EventUtteranceEnd:
				collecting = false
				processing = true
				utterance := buffered
				buffered = nil
				go n.processUtterance(ctx, sess, sink, utterance, results)
			case vad.EventUtteranceDiscard:
				collecting = false
				buffered = nil
				if sess.State() == session.StateTranscribing {
					o.setState(sess, sink, session.StateListening)
				}
			default:
				if collecting {
					buffered = append(buffered, frame)
				}
			}

		case res := <-results:
			processing = false
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

func (n *NonStreaming) processUtterance(
	ctx context.Context,
	sess *session.Session,
	sink EventSink,
	frames [][]byte,
	results chan<- utteranceResult,
) {
	o := n.o
	id := uuid.NewString()
	res := utteranceResult{id: id}
	defer func() { results <- res }()

	uctx, cancel := context.WithCancel(ctx)
	defer cancel()

	text, confidence, err := n.transcribe(uctx, id, frames)
	sess.Usage.RecordSTT(float64(len(frames)) * o.cfg.FramePeriod.Seconds())
	if err != nil {
		if uctx.Err() != nil {
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
		UtteranceID: id,
		Text:        text,
		Confidence:  confidence,
	})
	if err := o.setState(sess, sink, session.StateThinking); err != nil {
		res.canceled = true
		return
	}
	o.persistAsync(sess, "user", text)

	reply, err := n.reply(uctx, sess, id, text)
	if err != nil {
		if uctx.Err() != nil && !isTimeoutError(err) {
			res.canceled = true
			return
		}
		res.err = err
		return
	}
	recordLLMUsage(sess, text, reply)
	o.persistAsync(sess, "assistant", reply.Text)

	synth := o.synthesize(uctx, reply.Text)
	if len(synth.parts) > 0 || !errors.Is(synth.err, context.Canceled) {
		sess.Usage.RecordTTS(int64(len(reply.Text)))
	}
	if synth.err != nil {
		if uctx.Err() != nil && !isTimeoutError(synth.err) {
			res.canceled = true
			return
		}
		res.err = synth.err
		return
	}

	if err := o.setState(sess, sink, session.StateSpeaking); err != nil {
		res.canceled = true
		return
	}
	seq := 0
	for _, part := range synth.parts {
		seq++
		sink.Send(protocol.AssistantAudioChunk{
			Type:        protocol.TypeAssistantAudioChunk,
			SessionID:   sess.ID,
			UtteranceID: id,
			Seq:         seq,
			Format:      synth.format,
			AudioBase64: base64.StdEncoding.EncodeToString(part),
		})
	}
}

// transcribe replays the buffered recording through the transcriber and
// waits for the single final result.
func (n *NonStreaming) transcribe(ctx context.Context, utteranceID string, frames [][]byte) (string, float64, error) {
	o := n.o
	stream, err := o.stt.StartStream(ctx, utteranceID, o.cfg.SampleRate)
	if err != nil {
		return "", 0, asProviderErr("stt", err)
	}
	defer stream.Close()

	for _, frame := range frames {
		if err := stream.SendAudio(ctx, frame); err != nil {
			return "", 0, asProviderErr("stt", err)
		}
	}
	if err := stream.CloseInput(ctx); err != nil {
		return "", 0, asProviderErr("stt", err)
	}

	timeout := time.After(o.cfg.STTFinalTimeout)
	for {
		select {
		case <-ctx.Done():
			return "", 0, ctx.Err()
		case <-timeout:
			return "", 0, &provider.Error{Source: "stt", Code: "timeout", Retryable: true}
		case ev, ok := <-stream.Events():
			if !ok {
				return "", 0, &provider.Error{Source: "stt", Code: "stream_closed", Retryable: true}
			}
			switch ev.Type {
			case provider.STTEventFinal:
				return ev.Text, ev.Confidence, nil
			case provider.STTEventError:
				code := ev.Code
				if code == "" {
					code = "stt_error"
				}
				return "", 0, &provider.Error{Source: "stt", Code: code, Retryable: ev.Retryable}
			}
			// Partials are not forwarded in batch mode.
		}
	}
}

func (n *NonStreaming) reply(ctx context.Context, sess *session.Session, utteranceID, transcript string) (provider.ReplyResult, error) {
	o := n.o
	req := provider.ReplyRequest{
		SessionID:   sess.ID,
		UtteranceID: utteranceID,
		Transcript:  transcript,
		Context:     o.loadContext(ctx, sess),
	}

	llmCtx, cancelLLM := context.WithCancel(ctx)
	defer cancelLLM()
	var timedOut atomic.Bool
	timer := time.AfterFunc(o.cfg.LLMFirstTokenTimeout, func() {
		timedOut.Store(true)
		cancelLLM()
	})
	first := true
	result, err := o.llm.StreamReply(llmCtx, req, func(string) error {
		if first {
			first = false
			timer.Stop()
		}
		return nil
	})
	timer.Stop()
	if err != nil {
		if timedOut.Load() {
			return provider.ReplyResult{}, &provider.Error{Source: "llm", Code: "timeout", Retryable: true, Err: err}
		}
		if ctx.Err() != nil {
			return provider.ReplyResult{}, ctx.Err()
		}
		return provider.ReplyResult{}, asProviderErr("llm", err)
	}
	return result, nil
}
