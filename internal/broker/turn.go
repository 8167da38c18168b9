package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/redi-labs/redi/internal/guard"
	"github.com/redi-labs/redi/internal/resilience"
	"github.com/redi-labs/redi/pkg/provider/llm"
	"github.com/redi-labs/redi/pkg/types"
)

// turnInput is the immutable snapshot a response turn works from. It is built
// on the loop goroutine and handed to the worker; the worker never touches
// loop-owned state.
type turnInput struct {
	TurnID   string
	Text     string
	Prompted bool

	// Insight marks a precomposed unprompted observation: the text goes
	// straight to guards and synthesis without an LLM call.
	Insight bool

	Mode        types.Mode
	Sensitivity float64

	Frame   types.Frame
	FrameOK bool

	Transcripts     []types.Transcript
	VisualContext   string
	RecentResponses []string
	LastResponseAt  time.Time
	Warnings        []string

	Started time.Time
}

// startTurn begins a prompted response turn for a final transcript. Runs on
// the loop goroutine.
func (b *Broker) startTurn(ctx context.Context, text string, prompted bool) {
	now := time.Now()
	turnID := uuid.NewString()

	window := InjectionWindow
	visual := IsVisualQuestion(text)
	if visual {
		window = QAWindow
	}
	frame, frameOK := b.frames.Freshest(window, now)
	needsFrame := visual && !frameOK

	if !b.fsm.Begin(turnID, needsFrame) {
		b.metrics.DroppedTriggers.Add(ctx, 1)
		b.logger.Debug("trigger dropped, turn in flight",
			"in_flight", b.fsm.TurnID(), "state", b.fsm.State())
		return
	}

	in := turnInput{
		TurnID:          turnID,
		Text:            text,
		Prompted:        prompted,
		Mode:            b.mode,
		Sensitivity:     b.sensitivity,
		Frame:           frame,
		FrameOK:         frameOK,
		Transcripts:     append([]types.Transcript(nil), b.decision.Transcripts()...),
		VisualContext:   b.decision.VisualContext(),
		RecentResponses: append([]string(nil), b.decision.RecentResponses()...),
		LastResponseAt:  b.decision.LastSpokeAt(),
		Warnings:        guard.FlagInput(text),
		Started:         now,
	}

	if needsFrame {
		b.pendingTurn = &in
		b.cfg.Emitter.Broadcast("request_frame", map[string]any{"turnId": turnID})
		b.frameWait.Reset(FrameWaitDeadline)
		return
	}
	b.launchTurn(ctx, in)
}

// startInsightTurn delivers a pending insight unprompted. Runs on the loop
// goroutine.
func (b *Broker) startInsightTurn(ctx context.Context, insight string) {
	turnID := uuid.NewString()
	if !b.fsm.Begin(turnID, false) {
		b.metrics.DroppedTriggers.Add(ctx, 1)
		return
	}
	b.launchTurn(ctx, turnInput{
		TurnID:          turnID,
		Text:            insight,
		Insight:         true,
		Mode:            b.mode,
		Sensitivity:     b.sensitivity,
		RecentResponses: append([]string(nil), b.decision.RecentResponses()...),
		LastResponseAt:  b.decision.LastSpokeAt(),
		Started:         time.Now(),
	})
}

// launchTurn takes the speaking lock and hands the turn to a worker. Runs on
// the loop goroutine.
func (b *Broker) launchTurn(ctx context.Context, in turnInput) {
	b.decision.MarkSpeakingStart(in.Started)

	// interrupted is owned by onBargeIn and cleared in onTurnDone; wiping it
	// here could erase an interrupt that raced the launch.
	turnCtx, cancel := context.WithCancel(ctx)
	b.cancelTurn = cancel
	go b.runTurn(turnCtx, in)
}

// runTurn executes one response turn on a worker goroutine and reports the
// outcome back through the event channel.
func (b *Broker) runTurn(ctx context.Context, in turnInput) {
	rec := types.TurnRecord{
		SessionID:      b.cfg.SessionID,
		TurnID:         in.TurnID,
		Timestamp:      in.Started,
		Mode:           in.Mode,
		UserTranscript: in.Text,
		Prompted:       in.Prompted,
		FrameInjected:  in.FrameOK,
		InputWarnings:  in.Warnings,
	}
	if in.FrameOK {
		rec.FrameAgeMs = in.Frame.Age(in.Started).Milliseconds()
	}

	done := func(outcome string, spoke bool, text string) {
		rec.Cancelled = outcome == "cancelled"
		rec.WallTimeMs = time.Since(in.Started).Milliseconds()
		b.push(turnDoneEvent{
			turnID:  in.TurnID,
			outcome: outcome,
			record:  rec,
			spoke:   spoke,
			text:    text,
		})
	}

	text := in.Text
	if in.Insight {
		rec.Brain = types.BrainVoice
		rec.RouteReason = "insight"
	} else {
		brain, reason := Route(in.Text, in.Mode, in.FrameOK)
		rec.Brain, rec.RouteReason = brain, reason

		llmStart := time.Now()
		resp, usedBrain, err := b.complete(ctx, brain, in)
		rec.LLMLatencyMs = time.Since(llmStart).Milliseconds()
		b.metrics.LLMDuration.Record(ctx, time.Since(llmStart).Seconds())

		if err != nil {
			if ctx.Err() != nil {
				done("cancelled", false, "")
				return
			}
			b.logger.Error("llm turn failed", "turn_id", in.TurnID, "error", err)
			b.cfg.Emitter.Broadcast("error", map[string]any{
				"turnId": in.TurnID,
				"code":   resilience.KindOf(err).String(),
			})
			done("failed", false, "")
			return
		}
		if usedBrain != brain {
			rec.Brain = usedBrain
			rec.RouteReason = reason + "+fallback"
		}
		rec.InputTokens = resp.Usage.PromptTokens
		rec.OutputTokens = resp.Usage.CompletionTokens
		text = resp.Content
	}

	// The user started talking while we were generating: a late answer would
	// land out of context.
	if b.interrupted.Load() {
		done("ignored", false, "")
		return
	}

	verdict := b.guards.Check(guard.Input{
		Text:            text,
		Mode:            in.Mode,
		FrameInjected:   in.FrameOK,
		Now:             time.Now(),
		LastResponseAt:  in.LastResponseAt,
		RecentResponses: in.RecentResponses,
	})
	if !verdict.Allowed {
		rec.GuardVerdict = verdict.Rule
		b.metrics.RecordGuardBlock(ctx, verdict.Rule)
		b.logger.Info("response blocked",
			"turn_id", in.TurnID, "rule", verdict.Rule, "reason", verdict.Reason)
		done("blocked", false, "")
		return
	}
	rec.GuardVerdict = "allowed"
	rec.Response = text
	if in.FrameOK {
		b.metrics.FrameInjections.Add(ctx, 1)
	}

	b.cfg.Emitter.Broadcast("ai_response", map[string]any{
		"turnId": in.TurnID,
		"text":   text,
		"brain":  string(rec.Brain),
	})

	if b.credits != nil && !b.credits.TTSAllowed() {
		b.cfg.Emitter.Broadcast("tts_fallback", map[string]any{
			"turnId": in.TurnID,
			"text":   text,
			"reason": "credits_exhausted",
		})
		done("ok", true, text)
		return
	}

	ttsBytes, err := b.synthesize(ctx, in.TurnID, text)
	rec.TTSBytes = ttsBytes
	switch {
	case err == nil:
		if b.credits != nil {
			b.credits.RecordTTS(len(text))
		}
	case ctx.Err() != nil:
		done("cancelled", false, "")
		return
	case errors.Is(err, resilience.ErrCircuitOpen):
		b.cfg.Emitter.Broadcast("tts_fallback", map[string]any{
			"turnId": in.TurnID,
			"text":   text,
			"reason": "provider_unavailable",
		})
	default:
		b.logger.Error("tts failed", "turn_id", in.TurnID, "error", err)
		b.cfg.Emitter.Broadcast("tts_fallback", map[string]any{
			"turnId": in.TurnID,
			"text":   text,
			"reason": resilience.KindOf(err).String(),
		})
	}

	b.metrics.TurnDuration.Record(ctx, time.Since(in.Started).Seconds())
	done("ok", true, text)
}

// complete runs the LLM call through the breaker and retry policy. When the
// deep brain's circuit is open it degrades to the fast brain rather than
// going silent.
func (b *Broker) complete(ctx context.Context, brain types.Brain, in turnInput) (*llm.CompletionResponse, types.Brain, error) {
	resp, err := b.completeWith(ctx, brain, in)
	if errors.Is(err, resilience.ErrCircuitOpen) && brain == types.BrainDeep {
		if _, ok := b.cfg.Pipeline.Brains[types.BrainFast]; ok {
			b.logger.Warn("deep brain unavailable, degrading to fast",
				"turn_id", in.TurnID)
			resp, err = b.completeWith(ctx, types.BrainFast, in)
			return resp, types.BrainFast, err
		}
	}
	return resp, brain, err
}

func (b *Broker) completeWith(ctx context.Context, brain types.Brain, in turnInput) (*llm.CompletionResponse, error) {
	p, ok := b.cfg.Pipeline.Brains[brain]
	if !ok {
		return nil, fmt.Errorf("broker: no provider for brain %q", brain)
	}
	req := buildRequest(in, brain, p.Capabilities())

	var resp *llm.CompletionResponse
	call := func() error {
		return resilience.Retry(ctx, "llm."+string(brain), b.retry, func() error {
			r, err := p.Complete(ctx, req)
			if err != nil {
				return err
			}
			if r == nil {
				return fmt.Errorf("broker: %s brain returned empty response", brain)
			}
			resp = r
			return nil
		})
	}

	var err error
	if cb := b.cfg.Breakers.llmFor(brain); cb != nil {
		err = cb.Execute(call)
	} else {
		err = call()
	}
	status := "ok"
	if err != nil {
		status = "error"
		b.metrics.RecordProviderError(ctx, "llm."+string(brain), resilience.KindOf(err).String())
	}
	b.metrics.RecordProviderRequest(ctx, "llm."+string(brain), status)
	return resp, err
}

// synthesize streams TTS audio for text to the session's devices and returns
// the byte count delivered. Microphones stay muted from first byte until a
// short tail after the last, so playback does not feed back into STT.
func (b *Broker) synthesize(ctx context.Context, turnID, text string) (int, error) {
	total := 0
	call := func() error {
		textCh := make(chan string, 1)
		textCh <- text
		close(textCh)

		audio, err := b.cfg.Pipeline.TTS.SynthesizeStream(ctx, textCh, b.cfg.Voice)
		if err != nil {
			return err
		}

		b.cfg.Emitter.Broadcast("mute_mic", map[string]any{"muted": true})
		start := time.Now()
		first := true
		for chunk := range audio {
			if ctx.Err() != nil {
				// Drain without forwarding: the turn was cancelled.
				continue
			}
			if first {
				b.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
				first = false
			}
			total += len(chunk)
			b.cfg.Emitter.BroadcastAudio(turnID, chunk)
		}

		if ctx.Err() == nil {
			time.Sleep(muteTail)
		}
		b.cfg.Emitter.Broadcast("mute_mic", map[string]any{"muted": false})
		// Cancellation is reported by the caller, not counted against the
		// provider.
		return nil
	}

	var err error
	if b.cfg.Breakers.TTS != nil {
		err = b.cfg.Breakers.TTS.Execute(call)
	} else {
		err = call()
	}
	if err == nil && ctx.Err() != nil {
		return total, ctx.Err()
	}
	status := "ok"
	if err != nil {
		status = "error"
		b.metrics.RecordProviderError(ctx, "tts", resilience.KindOf(err).String())
	}
	b.metrics.RecordProviderRequest(ctx, "tts", status)
	return total, err
}

// startInsightAnalysis kicks off background scene analysis when fresh frames
// exist and no turn is in flight. Runs on the loop goroutine; the provider
// call happens on a worker.
func (b *Broker) startInsightAnalysis(ctx context.Context) {
	if b.fsm.Busy() || b.decision.IsSpeaking() {
		return
	}

	now := time.Now()
	var images []string
	for _, f := range b.frames.PerDeviceLatest() {
		if f.Age(now) <= BackgroundWindow {
			images = append(images, f.Image)
		}
	}
	visual := b.decision.VisualContext()
	if len(images) == 0 && visual == "" {
		return
	}

	brain := types.BrainFast
	if len(images) > 0 {
		brain = types.BrainDeep
	}
	mode := b.mode

	go func() {
		req := buildInsightRequest(mode, visual, images)
		p, ok := b.cfg.Pipeline.Brains[brain]
		if !ok {
			return
		}
		var resp *llm.CompletionResponse
		call := func() error {
			r, err := p.Complete(ctx, req)
			if err == nil {
				resp = r
			}
			return err
		}
		var err error
		if cb := b.cfg.Breakers.llmFor(brain); cb != nil {
			err = cb.Execute(call)
		} else {
			err = call()
		}
		if err != nil || resp == nil || resp.Content == "" {
			if err != nil && ctx.Err() == nil {
				b.logger.Debug("insight analysis failed", "error", err)
			}
			return
		}
		b.push(insightEvent{text: resp.Content, confidence: 0.8})
	}()
}
