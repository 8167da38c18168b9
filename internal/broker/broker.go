// Package broker orchestrates one conversation session: it pumps STT
// transcripts, decides when the assistant may speak, routes turns to a brain,
// guards the response, and streams synthesised audio back out through the
// session's device fan-out.
//
// A Broker runs a single event-loop goroutine per session. All decision state
// (DecisionContext, TurnFSM) is owned by that goroutine; ingestion methods
// called from gateway connections hand events over a channel. Response turns
// execute on a worker goroutine with a cancellable context so barge-in stays
// responsive while a provider call is in flight.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redi-labs/redi/internal/guard"
	"github.com/redi-labs/redi/internal/observe"
	"github.com/redi-labs/redi/internal/resilience"
	"github.com/redi-labs/redi/pkg/provider/llm"
	"github.com/redi-labs/redi/pkg/provider/stt"
	"github.com/redi-labs/redi/pkg/provider/tts"
	"github.com/redi-labs/redi/pkg/types"
)

// muteTail is how long the microphone stays muted after the last audio byte,
// covering playback latency on the device.
const muteTail = 500 * time.Millisecond

// eventBuffer bounds the ingestion channel. Audio chunks arrive at frame rate,
// so the buffer absorbs short loop stalls without blocking the gateway reader.
const eventBuffer = 256

// Emitter is the broker's outbound surface: the session layer implements it
// and fans messages out to the connected devices.
type Emitter interface {
	// Broadcast sends a typed JSON message to the session's devices.
	Broadcast(msgType string, payload any)

	// BroadcastAudio sends a binary audio chunk tagged with its turn ID.
	BroadcastAudio(turnID string, chunk []byte)

	// CloseAll closes every device connection with the given code and reason.
	CloseAll(code int, reason string)
}

// CreditSink gates and accounts TTS usage against the monthly spend cap.
type CreditSink interface {
	// TTSAllowed reports whether synthesis is still within budget.
	TTSAllowed() bool

	// RecordTTS accounts one generation of the given character count.
	RecordTTS(characters int)
}

// TurnSink receives the per-turn analytics record after each turn settles.
type TurnSink interface {
	Record(rec types.TurnRecord)
}

// Pipeline bundles the providers a session speaks through.
type Pipeline struct {
	STT    stt.Provider
	Brains map[types.Brain]llm.Provider
	TTS    tts.Provider
}

// Breakers holds the process-global circuit breakers shared across sessions.
// LLM breakers are per brain so that an open deep circuit can degrade to the
// fast brain instead of going silent.
type Breakers struct {
	LLM map[types.Brain]*resilience.CircuitBreaker
	TTS *resilience.CircuitBreaker
}

func (br Breakers) llmFor(b types.Brain) *resilience.CircuitBreaker {
	return br.LLM[b]
}

// ─── events ──────────────────────────────────────────────────────────────────

type event any

type audioEvent struct {
	deviceID string
	chunk    []byte
}

type frameEvent struct{ frame types.Frame }

type perceptionEvent struct{ p types.Perception }

type modeEvent struct{ mode types.Mode }

type sensitivityEvent struct{ value float64 }

type userSpeakingEvent struct{}

type userStoppedEvent struct{}

type bargeInEvent struct{}

type insightEvent struct {
	text       string
	confidence float64
}

type turnDoneEvent struct {
	turnID  string
	outcome string
	record  types.TurnRecord
	spoke   bool
	text    string
}

// ─── broker ──────────────────────────────────────────────────────────────────

// Config carries the per-session wiring for a Broker.
type Config struct {
	SessionID string
	Pipeline  Pipeline
	Breakers  Breakers
	Emitter   Emitter

	// Voice is the TTS voice for this session.
	Voice tts.VoiceProfile

	// STTConfig is the audio format opened with the STT provider.
	STTConfig stt.StreamConfig

	// Mode and Sensitivity are the session's initial activity settings.
	Mode        types.Mode
	Sensitivity float64

	// InsightInterval is the cadence of background scene analysis. Zero
	// disables unprompted visual insights.
	InsightInterval time.Duration
}

// Option customises a Broker.
type Option func(*Broker)

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithCredits sets the spend gate. Nil disables spend accounting.
func WithCredits(c CreditSink) Option {
	return func(b *Broker) { b.credits = c }
}

// WithTurnSink sets the analytics sink. Nil disables turn records.
func WithTurnSink(s TurnSink) Option {
	return func(b *Broker) { b.turns = s }
}

// WithRetryPolicy overrides the provider retry policy.
func WithRetryPolicy(p resilience.RetryPolicy) Option {
	return func(b *Broker) { b.retry = p }
}

// WithGuards overrides the response guard chain.
func WithGuards(c *guard.Chain) Option {
	return func(b *Broker) { b.guards = c }
}

// Broker drives one session's conversation loop.
type Broker struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observe.Metrics
	credits CreditSink
	turns   TurnSink
	retry   resilience.RetryPolicy
	guards  *guard.Chain

	events chan event

	// Loop-owned state. Never touched outside Run.
	decision    *DecisionContext
	frames      *FrameBuffer
	fsm         *TurnFSM
	mode        types.Mode
	sensitivity float64

	// interrupted flags the in-flight turn; the worker checks it before TTS.
	interrupted atomic.Bool

	// cancelTurn aborts the in-flight turn's provider calls. Loop-owned.
	cancelTurn context.CancelFunc

	// pendingTurn holds a turn waiting for a requested frame. Loop-owned.
	pendingTurn *turnInput

	// echoUntil suppresses transcripts that are playback echo. Loop-owned.
	echoUntil    time.Time
	lastResponse string

	// silence and frameWait are the loop timers, created in Run.
	silence   *time.Timer
	frameWait *time.Timer
}

// New constructs a Broker for one session.
func New(cfg Config, opts ...Option) *Broker {
	b := &Broker{
		cfg:         cfg,
		logger:      slog.Default(),
		guards:      guard.NewChain(),
		events:      make(chan event, eventBuffer),
		decision:    NewDecisionContext(),
		frames:      NewFrameBuffer(),
		fsm:         NewTurnFSM(),
		mode:        cfg.Mode,
		sensitivity: ClampSensitivity(cfg.Sensitivity),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	b.logger = b.logger.With("session_id", cfg.SessionID)
	return b
}

// ─── ingestion (called from gateway goroutines) ──────────────────────────────

func (b *Broker) push(ev event) {
	select {
	case b.events <- ev:
	default:
		// The loop is wedged or gone. Dropping is safer than blocking a
		// connection reader.
		b.logger.Warn("event dropped, broker queue full", "event", fmt.Sprintf("%T", ev))
	}
}

// HandleAudio ingests a microphone chunk from a device.
func (b *Broker) HandleAudio(deviceID string, chunk []byte) {
	b.push(audioEvent{deviceID: deviceID, chunk: chunk})
}

// HandleFrame ingests a camera frame from a device.
func (b *Broker) HandleFrame(f types.Frame) {
	b.push(frameEvent{frame: f})
}

// HandlePerception ingests on-device perception labels.
func (b *Broker) HandlePerception(p types.Perception) {
	b.push(perceptionEvent{p: p})
}

// SetMode switches the session's activity mode.
func (b *Broker) SetMode(m types.Mode) {
	b.push(modeEvent{mode: m})
}

// SetSensitivity adjusts how eagerly the assistant speaks unprompted.
func (b *Broker) SetSensitivity(v float64) {
	b.push(sensitivityEvent{value: v})
}

// UserSpeaking signals voice activity from a device.
func (b *Broker) UserSpeaking() { b.push(userSpeakingEvent{}) }

// UserStopped signals the end of voice activity.
func (b *Broker) UserStopped() { b.push(userStoppedEvent{}) }

// BargeIn hard-interrupts the in-flight response.
func (b *Broker) BargeIn() { b.push(bargeInEvent{}) }

// ─── event loop ──────────────────────────────────────────────────────────────

// Run opens the STT stream and drives the session loop until ctx is
// cancelled. It must be called exactly once.
func (b *Broker) Run(ctx context.Context) error {
	sttSession, err := b.cfg.Pipeline.STT.StartStream(ctx, b.cfg.STTConfig)
	if err != nil {
		return fmt.Errorf("broker: start stt stream: %w", err)
	}
	defer sttSession.Close()

	b.silence = time.NewTimer(time.Hour)
	b.silence.Stop()
	defer b.silence.Stop()

	b.frameWait = time.NewTimer(time.Hour)
	b.frameWait.Stop()
	defer b.frameWait.Stop()

	var insightTick <-chan time.Time
	if b.cfg.InsightInterval > 0 {
		interval := b.cfg.InsightInterval
		if interval < InjectionWindow {
			interval = InjectionWindow
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		insightTick = ticker.C
	}

	b.cfg.Emitter.Broadcast("session_ready", map[string]any{
		"sessionId":   b.cfg.SessionID,
		"mode":        string(b.mode),
		"sensitivity": b.sensitivity,
	})
	b.logger.Info("broker started", "mode", b.mode, "sensitivity", b.sensitivity)

	for {
		select {
		case <-ctx.Done():
			if b.cancelTurn != nil {
				b.cancelTurn()
			}
			b.logger.Info("broker stopped",
				"dropped_triggers", b.fsm.DroppedTriggers())
			return ctx.Err()

		case ev := <-b.events:
			b.dispatch(ctx, ev, sttSession)

		case t, ok := <-sttSession.Partials():
			if !ok {
				return fmt.Errorf("broker: stt stream closed")
			}
			b.cfg.Emitter.Broadcast("transcript", map[string]any{
				"text":  t.Text,
				"final": false,
			})

		case t, ok := <-sttSession.Finals():
			if !ok {
				return fmt.Errorf("broker: stt stream closed")
			}
			b.onFinal(ctx, t)

		case _, ok := <-sttSession.UtteranceEnds():
			if !ok {
				return fmt.Errorf("broker: stt stream closed")
			}
			b.silence.Reset(SilenceWait(b.sensitivity))

		case <-b.silence.C:
			b.onSilence(ctx)

		case <-insightTick:
			b.startInsightAnalysis(ctx)

		case <-b.frameWait.C:
			if b.fsm.FrameTimeout() && b.pendingTurn != nil {
				in := *b.pendingTurn
				b.pendingTurn = nil
				b.logger.Debug("frame wait expired, proceeding without frame",
					"turn_id", in.TurnID)
				b.launchTurn(ctx, in)
			}
		}
	}
}

func (b *Broker) dispatch(ctx context.Context, ev event, sttSession stt.SessionHandle) {
	switch e := ev.(type) {
	case audioEvent:
		if err := sttSession.SendAudio(e.chunk); err != nil {
			b.logger.Warn("stt send failed", "error", err)
		}

	case frameEvent:
		b.frames.Add(e.frame)
		// Only a fresh frame satisfies the wait; a stale capturedAt keeps the
		// turn holding until the deadline.
		if b.fsm.State() == StateWaitingForFrame && b.pendingTurn != nil &&
			e.frame.Age(time.Now()) <= InjectionWindow {
			b.frameWait.Stop()
			b.fsm.FrameArrived()
			in := *b.pendingTurn
			b.pendingTurn = nil
			in.Frame, in.FrameOK = e.frame, true
			b.launchTurn(ctx, in)
		}

	case perceptionEvent:
		labels := make([]string, 0, len(e.p.Objects)+len(e.p.Scene))
		for _, o := range e.p.Objects {
			labels = append(labels, o.Label)
		}
		labels = append(labels, e.p.Scene...)
		if e.p.OCRText != "" {
			labels = append(labels, "text: "+e.p.OCRText)
		}
		b.decision.UpdateVisualContext(strings.Join(labels, ", "), time.Now())
		if e.p.Frame != "" {
			b.frames.Add(types.Frame{
				DeviceID:   "perception",
				Image:      e.p.Frame,
				CapturedAt: time.Now(),
			})
		}

	case modeEvent:
		b.mode = e.mode
		b.logger.Info("mode changed", "mode", e.mode)

	case sensitivityEvent:
		b.sensitivity = ClampSensitivity(e.value)
		b.logger.Info("sensitivity changed", "sensitivity", b.sensitivity)

	case userSpeakingEvent:
		// The user taking the floor is a barge-in: any in-flight response
		// must yield immediately, not merely be flagged.
		b.onBargeIn()

	case userStoppedEvent:
		b.silence.Reset(SilenceWait(b.sensitivity))

	case bargeInEvent:
		b.onBargeIn()

	case insightEvent:
		b.decision.SetPendingInsight(e.text, e.confidence)
		b.cfg.Emitter.Broadcast("visual_analysis", map[string]any{
			"analysis":   e.text,
			"confidence": e.confidence,
		})

	case turnDoneEvent:
		b.onTurnDone(ctx, e)
	}
}

// onFinal handles an authoritative transcript.
func (b *Broker) onFinal(ctx context.Context, t types.Transcript) {
	now := time.Now()

	if b.isEcho(t.Text, now) {
		b.logger.Debug("transcript dropped as playback echo", "text", t.Text)
		return
	}

	// A final that is not playback echo means the user spoke over the
	// assistant: cancel whatever is in flight before considering the new
	// utterance.
	if b.fsm.Busy() {
		b.onBargeIn()
	}

	b.cfg.Emitter.Broadcast("transcript", map[string]any{
		"text":  t.Text,
		"final": true,
	})
	b.decision.AppendFinal(t, now)

	if IsQuestion(t.Text) {
		b.startTurn(ctx, t.Text, true)
		return
	}
	b.silence.Reset(SilenceWait(b.sensitivity))
}

// onSilence fires after the post-utterance wait: the slot where a pending
// insight may be delivered unprompted.
func (b *Broker) onSilence(ctx context.Context) {
	now := time.Now()
	if !ShouldSpeak(b.decision, now, b.sensitivity) {
		return
	}
	insight, _, _ := b.decision.PendingInsight()
	b.decision.ClearPendingInsight()
	b.startInsightTurn(ctx, insight)
}

// onBargeIn hard-stops the in-flight turn and tells devices to drop buffered
// audio immediately. Safe to call when idle; repeated signals for the same
// turn collapse into one cancellation.
func (b *Broker) onBargeIn() {
	b.decision.OnUserInterruption(time.Now())
	if !b.fsm.Cancel() {
		return
	}
	turnID := b.fsm.TurnID()

	if b.pendingTurn != nil {
		// The turn was still holding for a frame: no worker exists yet, so
		// the wait is abandoned and the FSM returns to idle directly.
		b.pendingTurn = nil
		b.frameWait.Stop()
		b.fsm.Finish()
	} else {
		b.interrupted.Store(true)
		if b.cancelTurn != nil {
			b.cancelTurn()
		}
	}

	b.cfg.Emitter.Broadcast("stop_audio", map[string]any{"turnId": turnID})
	b.cfg.Emitter.Broadcast("mute_mic", map[string]any{"muted": false})
	b.metrics.BargeIns.Add(context.Background(), 1)
	b.logger.Info("barge-in, turn cancelled", "turn_id", turnID)
}

// isEcho reports whether a transcript within the echo window closely matches
// the assistant's own last response played back through a speaker.
func (b *Broker) isEcho(text string, now time.Time) bool {
	if now.After(b.echoUntil) || b.lastResponse == "" {
		return false
	}
	return guard.Similarity(text, b.lastResponse) >= guard.DedupThreshold
}

// EchoWindow returns how long after playback ends transcripts are screened
// for echo: 2s at sensitivity 0, shrinking to 1s at sensitivity 1.
func EchoWindow(sensitivity float64) time.Duration {
	return time.Duration(2000-sensitivity*1000) * time.Millisecond
}

// onTurnDone settles a finished turn on the loop goroutine.
func (b *Broker) onTurnDone(ctx context.Context, e turnDoneEvent) {
	b.fsm.Finish()
	b.interrupted.Store(false)
	b.cancelTurn = nil

	now := time.Now()
	if e.spoke {
		b.decision.MarkSpoke(e.text, now)
		b.lastResponse = e.text
		b.echoUntil = now.Add(EchoWindow(b.sensitivity))
	} else {
		b.decision.AbortSpeaking()
	}

	if b.turns != nil {
		b.turns.Record(e.record)
	}
	b.metrics.RecordTurn(ctx, string(e.record.Brain), e.outcome)
	b.logger.Info("turn settled",
		"turn_id", e.turnID,
		"outcome", e.outcome,
		"brain", e.record.Brain,
		"wall_ms", e.record.WallTimeMs)
}
