// Package gateway terminates the client-facing WebSocket endpoints. One
// connection per device attaches to a session; the gateway adapts the socket
// to the session's Conn surface, feeds binary audio and JSON control messages
// into the session's broker, and owns the broker's lifecycle.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/coder/websocket"

	"github.com/redi-labs/redi/internal/broker"
	"github.com/redi-labs/redi/internal/observe"
	"github.com/redi-labs/redi/internal/redemption"
	"github.com/redi-labs/redi/internal/screenshare"
	"github.com/redi-labs/redi/internal/session"
	"github.com/redi-labs/redi/internal/spend"
	"github.com/redi-labs/redi/pkg/provider/stt"
	"github.com/redi-labs/redi/pkg/provider/tts"
	"github.com/redi-labs/redi/pkg/types"
)

// Application close codes, in the private-use range.
const (
	closeMissingDevice  = 4001
	closeInvalidSession = 4002
	closeNoCredits      = 4003
)

// readLimit bounds a single WebSocket frame. Base64 camera stills are the
// largest payload.
const readLimit = 16 << 20

// writeTimeout bounds a single outbound write so one stuck device cannot
// stall a broadcast.
const writeTimeout = 5 * time.Second

// DefaultCreditTick is the cadence of credits_update broadcasts.
const DefaultCreditTick = time.Minute

var errProvidersUnavailable = errors.New("gateway: providers unavailable")

// Config carries the per-session defaults the gateway applies when it creates
// a session and its broker.
type Config struct {
	DefaultMode        types.Mode
	DefaultSensitivity float64
	InsightInterval    time.Duration
	STTConfig          stt.StreamConfig
	Voice              tts.VoiceProfile

	// SessionBudget caps a session's total lifetime. Zero means unlimited.
	SessionBudget time.Duration
}

// Option customises a Handler.
type Option func(*Handler)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithMetrics sets the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithCredits enables spend gating and credits_update broadcasts.
func WithCredits(t *spend.Tracker) Option {
	return func(h *Handler) { h.credits = t }
}

// WithTurnSink routes per-turn records to the analytics store.
func WithTurnSink(s broker.TurnSink) Option {
	return func(h *Handler) { h.turns = s }
}

// WithRedemption enables token validation on connect.
func WithRedemption(s *redemption.Store) Option {
	return func(h *Handler) { h.tokens = s }
}

// WithScreenShare enables the /ws/screen endpoint.
func WithScreenShare(m *screenshare.Manager) Option {
	return func(h *Handler) { h.shares = m }
}

// WithCreditTick overrides the credits_update cadence.
func WithCreditTick(d time.Duration) Option {
	return func(h *Handler) { h.creditTick = d }
}

// liveSession pairs a session with its running broker.
type liveSession struct {
	sess   *session.Session
	brk    *broker.Broker
	cancel context.CancelFunc
}

// Handler serves the WebSocket endpoints. Safe for concurrent use.
type Handler struct {
	cfg        Config
	registry   *session.Registry
	pipeline   *broker.Pipeline
	breakers   broker.Breakers
	logger     *slog.Logger
	metrics    *observe.Metrics
	credits    *spend.Tracker
	turns      broker.TurnSink
	tokens     *redemption.Store
	shares     *screenshare.Manager
	creditTick time.Duration

	mu   sync.Mutex
	live map[string]*liveSession

	shareMu sync.Mutex
	pairs   map[string]*sharePair
}

// NewHandler wires the gateway. pipeline may be nil when provider credentials
// are missing; connections that need a new session are then refused with
// close code 1011.
func NewHandler(cfg Config, registry *session.Registry, pipeline *broker.Pipeline, breakers broker.Breakers, opts ...Option) *Handler {
	h := &Handler{
		cfg:        cfg,
		registry:   registry,
		pipeline:   pipeline,
		breakers:   breakers,
		logger:     slog.Default(),
		creditTick: DefaultCreditTick,
		live:       make(map[string]*liveSession),
		pairs:      make(map[string]*sharePair),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// ServeRedi handles /ws/redi: one WebSocket per device.
//
// Query parameters: deviceId (required), and exactly one of sessionId ("new"
// creates a session) or joinCode (joins an existing one by code). token
// carries an optional redemption token.
func (h *Handler) ServeRedi(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(readLimit)
	wc := &wsConn{conn: conn, base64Audio: r.URL.Query().Get("audioFormat") == "base64"}

	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("connection handler panicked", "panic", p)
			wc.Close(int(websocket.StatusInternalError), "internal error")
		}
	}()

	q := r.URL.Query()
	deviceID := q.Get("deviceId")
	sessionID := q.Get("sessionId")
	joinCode := q.Get("joinCode")

	switch {
	case deviceID == "":
		wc.Close(closeMissingDevice, "deviceId required")
		return
	case sessionID == "" && joinCode == "":
		wc.Close(int(websocket.StatusPolicyViolation), "sessionId or joinCode required")
		return
	}

	if h.tokens != nil {
		if token := q.Get("token"); token != "" {
			if st := h.tokens.Validate(token); st != redemption.StatusValid {
				wc.Close(int(websocket.StatusPolicyViolation), "token "+string(st))
				return
			}
		}
	}

	if h.credits != nil && sessionID == "new" && !h.credits.TTSAllowed() {
		wc.Close(closeNoCredits, "monthly credits exhausted")
		return
	}

	live, err := h.resolveSession(sessionID, joinCode, q)
	switch {
	case errors.Is(err, errProvidersUnavailable):
		wc.Close(int(websocket.StatusInternalError), "providers unavailable")
		return
	case err != nil:
		wc.Close(closeInvalidSession, err.Error())
		return
	}

	dev, err := live.sess.Join(deviceID, wc)
	if err != nil {
		wc.Close(closeInvalidSession, "session has ended")
		return
	}
	h.metrics.ActiveDevices.Add(r.Context(), 1)
	defer func() {
		live.sess.Leave(deviceID)
		h.metrics.ActiveDevices.Add(context.Background(), -1)
	}()

	ready := map[string]any{
		"sessionId": live.sess.ID(),
		"joinCode":  live.sess.JoinCode(),
		"deviceId":  deviceID,
		"isHost":    dev.IsHost,
	}
	if left, ok := live.sess.Remaining(); ok {
		ready["budgetRemainingMs"] = left.Milliseconds()
	}
	wc.SendJSON("session_ready", ready)
	h.logger.Info("device connected",
		"session_id", live.sess.ID(), "device_id", deviceID, "is_host", dev.IsHost)

	h.readLoop(r.Context(), conn, wc, live, deviceID)
}

// resolveSession finds or creates the session a connection targets.
func (h *Handler) resolveSession(sessionID, joinCode string, q url.Values) (*liveSession, error) {
	var sess *session.Session
	var ok bool
	switch {
	case joinCode != "":
		if sess, ok = h.registry.GetByCode(joinCode); !ok {
			return nil, errors.New("unknown join code")
		}
	case sessionID == "new":
		return h.createSession(q)
	default:
		if sess, ok = h.registry.Get(sessionID); !ok {
			return nil, errors.New("unknown session")
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	live, ok := h.live[sess.ID()]
	if !ok {
		return nil, errors.New("session is not live")
	}
	return live, nil
}

// createSession makes a session, its broker, and the goroutines that drive
// them. The broker stops when the session ends.
func (h *Handler) createSession(q url.Values) (*liveSession, error) {
	if h.pipeline == nil {
		return nil, errProvidersUnavailable
	}

	mode := h.cfg.DefaultMode
	if m := types.Mode(q.Get("mode")); m.IsValid() {
		mode = m
	}
	sens := h.cfg.DefaultSensitivity
	if v := q.Get("sensitivity"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			sens = f
		}
	}

	var live *liveSession
	sess, err := h.registry.Create(
		session.WithDuration(h.cfg.SessionBudget),
		session.WithOnEnd(func(string) {
			h.dropLive(live)
		}),
	)
	if err != nil {
		return nil, err
	}

	opts := []broker.Option{
		broker.WithLogger(h.logger),
		broker.WithMetrics(h.metrics),
	}
	if h.credits != nil {
		opts = append(opts, broker.WithCredits(h.credits))
	}
	if h.turns != nil {
		opts = append(opts, broker.WithTurnSink(h.turns))
	}
	brk := broker.New(broker.Config{
		SessionID:       sess.ID(),
		Pipeline:        *h.pipeline,
		Breakers:        h.breakers,
		Emitter:         sess,
		Voice:           h.cfg.Voice,
		STTConfig:       h.cfg.STTConfig,
		Mode:            mode,
		Sensitivity:     sens,
		InsightInterval: h.cfg.InsightInterval,
	}, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	live = &liveSession{sess: sess, brk: brk, cancel: cancel}
	h.mu.Lock()
	h.live[sess.ID()] = live
	h.mu.Unlock()
	h.metrics.ActiveSessions.Add(ctx, 1)

	go h.runBroker(ctx, live)
	if h.credits != nil {
		go h.creditLoop(ctx, sess)
	}
	return live, nil
}

// runBroker drives the session's broker. A pipeline failure ends the session
// for every device; a plain cancellation is the normal shutdown path.
func (h *Handler) runBroker(ctx context.Context, live *liveSession) {
	err := live.brk.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Error("broker failed", "session_id", live.sess.ID(), "error", err)
		live.sess.End("pipeline_failure")
	}
}

// creditLoop deducts connected time from the monthly budget on a fixed
// cadence and broadcasts the position. When the budget runs out mid-session,
// every device is closed with the no-credits code and the session ends.
func (h *Handler) creditLoop(ctx context.Context, sess *session.Session) {
	ticker := time.NewTicker(h.creditTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := h.credits.DeductMinute()
			sess.Broadcast("credits_update", map[string]any{
				"month":          s.Month,
				"estimatedSpend": s.EstimatedSpend,
				"remainingUsd":   s.RemainingUSD,
				"capUsd":         s.CapUSD,
			})
			if s.CapUSD > 0 && s.RemainingUSD <= 0 {
				h.logger.Info("credits exhausted mid-session", "session_id", sess.ID())
				sess.CloseAll(closeNoCredits, "monthly credits exhausted")
				sess.End("credits_exhausted")
				return
			}
		}
	}
}

// dropLive stops a session's broker and forgets it.
func (h *Handler) dropLive(live *liveSession) {
	if live == nil {
		return
	}
	live.cancel()
	h.mu.Lock()
	_, present := h.live[live.sess.ID()]
	delete(h.live, live.sess.ID())
	h.mu.Unlock()
	if present {
		h.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// readLoop pumps one device's socket until it closes. Binary frames are mic
// audio; text frames are control messages.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, wc *wsConn, live *liveSession, deviceID string) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageBinary {
			live.brk.HandleAudio(deviceID, data)
			continue
		}
		h.handleMessage(live, wc, deviceID, data)
	}
}

func (h *Handler) handleMessage(live *liveSession, wc *wsConn, deviceID string, data []byte) {
	msgType, raw, err := parseMessage(data)
	if err != nil {
		h.sendError(wc, "malformed_message", err.Error())
		return
	}
	brk, sess := live.brk, live.sess

	switch msgType {
	case msgAudio:
		var m audioMsg
		if err := json.Unmarshal(raw, &m); err != nil || m.Data == "" {
			h.sendError(wc, "invalid_audio", "audio requires base64 data")
			return
		}
		chunk, err := base64.StdEncoding.DecodeString(stripWhitespace(m.Data))
		if err != nil {
			h.sendError(wc, "invalid_audio", "audio data is not valid base64")
			return
		}
		brk.HandleAudio(deviceID, chunk)

	case msgFrame:
		var m frameMsg
		if err := json.Unmarshal(raw, &m); err != nil || m.Image == "" {
			h.sendError(wc, "invalid_frame", "frame requires a non-empty image")
			return
		}
		capturedAt := time.Now()
		if m.CapturedAtMs > 0 {
			capturedAt = time.UnixMilli(m.CapturedAtMs)
		}
		brk.HandleFrame(types.Frame{
			DeviceID:   deviceID,
			Image:      stripWhitespace(m.Image),
			CapturedAt: capturedAt,
		})

	case msgPerception:
		var m perceptionMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			h.sendError(wc, "invalid_perception", err.Error())
			return
		}
		p := m.perception()
		p.ReceivedAt = time.Now()
		brk.HandlePerception(p)

	case msgUserSpeaking:
		brk.UserSpeaking()

	case msgUserStopped:
		brk.UserStopped()

	case msgBargeIn:
		brk.BargeIn()

	case msgMode:
		var m modeMsg
		if err := json.Unmarshal(raw, &m); err != nil || !types.Mode(m.Mode).IsValid() {
			h.sendError(wc, "invalid_mode", "unknown mode "+strconv.Quote(m.Mode))
			return
		}
		brk.SetMode(types.Mode(m.Mode))

	case msgSensitivity:
		var m sensitivityMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			h.sendError(wc, "invalid_sensitivity", err.Error())
			return
		}
		brk.SetSensitivity(m.Value)

	case msgAudioOutputMode:
		var m audioOutputModeMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			h.sendError(wc, "invalid_audio_mode", err.Error())
			return
		}
		switch err := sess.SetAudioOutputMode(deviceID, types.AudioOutputMode(m.Mode)); {
		case errors.Is(err, session.ErrNotHost):
			h.sendError(wc, "not_host", "only the host can change audio output")
		case err != nil:
			h.sendError(wc, "invalid_audio_mode", err.Error())
		default:
			sess.Broadcast("audio_output_mode_changed", map[string]any{"mode": m.Mode})
		}

	case msgSessionEnd:
		if !sess.IsHost(deviceID) {
			h.sendError(wc, "not_host", "only the host can end the session")
			return
		}
		sess.End("host_request")

	case msgPing:
		wc.SendJSON("pong", nil)

	default:
		h.sendError(wc, "unknown_message", "unrecognised message type "+strconv.Quote(msgType))
	}
}

func (h *Handler) sendError(wc *wsConn, code, message string) {
	wc.SendJSON("error", map[string]any{
		"code":    code,
		"message": message,
	})
}

// stripWhitespace removes whitespace from a base64 payload. Some clients wrap
// encoded frames at 76 columns.
func stripWhitespace(s string) string {
	if !strings.ContainsFunc(s, unicode.IsSpace) {
		return s
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// ─── connection adapter ──────────────────────────────────────────────────────

var _ session.Conn = (*wsConn)(nil)

// wsConn adapts a WebSocket to the session.Conn surface. Writes are
// serialised; the underlying connection allows one writer at a time.
// Connections negotiated with audioFormat=base64 receive synthesised speech
// as voice_audio JSON messages instead of binary frames, for clients whose
// WebSocket stack cannot handle binary.
type wsConn struct {
	conn        *websocket.Conn
	base64Audio bool
	mu          sync.Mutex
}

func (c *wsConn) SendJSON(msgType string, payload any) error {
	msg := map[string]any{"type": msgType}
	if m, ok := payload.(map[string]any); ok {
		for k, v := range m {
			if k != "type" {
				msg[k] = v
			}
		}
	} else if payload != nil {
		msg["data"] = payload
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.write(websocket.MessageText, data)
}

func (c *wsConn) SendBinary(data []byte) error {
	if c.base64Audio {
		return c.SendJSON("voice_audio", map[string]any{
			"data": base64.StdEncoding.EncodeToString(data),
		})
	}
	return c.write(websocket.MessageBinary, data)
}

func (c *wsConn) write(typ websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, typ, data)
}

func (c *wsConn) Close(code int, reason string) {
	c.conn.Close(websocket.StatusCode(code), reason)
}
