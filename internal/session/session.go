// Package session tracks multi-device conversation sessions: which devices
// are connected, which one is the host, and how assistant audio fans out. A
// Session implements the broker's Emitter surface, so the per-session broker
// broadcasts through it without knowing about connections.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redi-labs/redi/pkg/types"
)

// DefaultReconnectGrace is how long a session survives a host disconnect
// before it is ended for everyone.
const DefaultReconnectGrace = 30 * time.Second

// ErrSessionEnded is returned when joining or mutating an ended session.
var ErrSessionEnded = errors.New("session: session has ended")

// ErrNotHost is returned when a guest attempts a host-only mutation.
var ErrNotHost = errors.New("session: operation restricted to the host device")

// Conn is the transport surface a connected device exposes to the session.
// The gateway adapts its WebSocket connections to this interface.
type Conn interface {
	// SendJSON delivers a typed JSON control message.
	SendJSON(msgType string, payload any) error

	// SendBinary delivers a binary audio frame.
	SendBinary(data []byte) error

	// Close terminates the connection with a close code and reason.
	Close(code int, reason string)
}

// Device is one connected client.
type Device struct {
	ID       string
	Conn     Conn
	IsHost   bool
	JoinedAt time.Time
}

// Session is one live conversation shared by up to a handful of devices.
type Session struct {
	id       string
	joinCode string
	logger   *slog.Logger

	grace    time.Duration
	duration time.Duration
	deadline time.Time

	mu            sync.Mutex
	devices       map[string]*Device
	hostDeviceID  string
	audioMode     types.AudioOutputMode
	ended         bool
	graceTimer    *time.Timer
	durationTimer *time.Timer
	onEnd         []func(reason string)
}

// Option customises a Session.
type Option func(*Session)

// WithReconnectGrace overrides the host-disconnect grace period.
func WithReconnectGrace(d time.Duration) Option {
	return func(s *Session) { s.grace = d }
}

// WithDuration caps the session's total lifetime. When the budget runs out
// the session ends for every device with reason "duration_exhausted". Zero
// means unlimited.
func WithDuration(d time.Duration) Option {
	return func(s *Session) { s.duration = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithOnEnd registers a callback invoked exactly once when the session ends.
// The registry uses one to drop its references; the gateway uses another to
// stop the session's broker. Callbacks run in registration order.
func WithOnEnd(fn func(reason string)) Option {
	return func(s *Session) { s.onEnd = append(s.onEnd, fn) }
}

// New creates an empty session with the given identifier and join code.
func New(id, joinCode string, opts ...Option) *Session {
	s := &Session{
		id:        id,
		joinCode:  joinCode,
		logger:    slog.Default(),
		grace:     DefaultReconnectGrace,
		devices:   make(map[string]*Device),
		audioMode: types.AudioHostOnly,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session_id", id)
	if s.duration > 0 {
		s.deadline = time.Now().Add(s.duration)
		s.durationTimer = time.AfterFunc(s.duration, func() {
			s.End("duration_exhausted")
		})
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// JoinCode returns the code guests use to join.
func (s *Session) JoinCode() string { return s.joinCode }

// Join attaches a device. The first device becomes the host; a returning
// device with the host's ID reclaims the host role and cancels the
// disconnect grace timer. Other devices are notified.
func (s *Session) Join(id string, conn Conn) (*Device, error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil, ErrSessionEnded
	}

	d := &Device{ID: id, Conn: conn, JoinedAt: time.Now()}
	if s.hostDeviceID == "" || s.hostDeviceID == id {
		d.IsHost = true
		s.hostDeviceID = id
		if s.graceTimer != nil {
			s.graceTimer.Stop()
			s.graceTimer = nil
			s.logger.Info("host reconnected within grace", "device_id", id)
		}
	}
	s.devices[id] = d
	others := s.peersLocked(id)
	s.mu.Unlock()

	for _, peer := range others {
		peer.Conn.SendJSON("participant_joined", map[string]any{
			"deviceId": id,
			"isHost":   d.IsHost,
		})
	}
	s.logger.Info("device joined", "device_id", id, "is_host", d.IsHost)
	return d, nil
}

// Leave detaches a device. A host departure arms the reconnect grace timer;
// if the host does not return in time the session ends for everyone.
func (s *Session) Leave(id string) {
	s.mu.Lock()
	d, ok := s.devices[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.devices, id)

	if d.IsHost && !s.ended {
		if s.graceTimer != nil {
			s.graceTimer.Stop()
		}
		s.graceTimer = time.AfterFunc(s.grace, func() {
			s.End("host_disconnected")
		})
		s.logger.Info("host disconnected, grace timer armed",
			"device_id", id, "grace", s.grace)
	}
	others := s.peersLocked("")
	s.mu.Unlock()

	for _, peer := range others {
		peer.Conn.SendJSON("participant_left", map[string]any{
			"deviceId": id,
			"isHost":   d.IsHost,
		})
	}
	s.logger.Info("device left", "device_id", id, "is_host", d.IsHost)
}

// IsHost reports whether the given device currently holds the host role.
func (s *Session) IsHost(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return id == s.hostDeviceID
}

// DeviceCount returns how many devices are connected.
func (s *Session) DeviceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.devices)
}

// Ended reports whether the session has ended.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Remaining returns how much of the session's duration budget is left. The
// second return is false when the session is unlimited.
func (s *Session) Remaining() (time.Duration, bool) {
	if s.duration <= 0 {
		return 0, false
	}
	left := time.Until(s.deadline)
	if left < 0 {
		left = 0
	}
	return left, true
}

// SetAudioOutputMode switches audio fan-out. Host-only mutation.
func (s *Session) SetAudioOutputMode(deviceID string, mode types.AudioOutputMode) error {
	if !mode.IsValid() {
		return fmt.Errorf("session: invalid audio output mode %q", mode)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSessionEnded
	}
	if deviceID != s.hostDeviceID {
		return ErrNotHost
	}
	s.audioMode = mode
	return nil
}

// AudioOutputMode returns the current audio fan-out mode.
func (s *Session) AudioOutputMode() types.AudioOutputMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioMode
}

// Broadcast sends a control message to every connected device.
func (s *Session) Broadcast(msgType string, payload any) {
	for _, d := range s.snapshot() {
		if err := d.Conn.SendJSON(msgType, payload); err != nil {
			s.logger.Warn("broadcast failed",
				"device_id", d.ID, "type", msgType, "error", err)
		}
	}
}

// BroadcastAudio fans an audio chunk out according to the audio output mode:
// host only, or every device.
func (s *Session) BroadcastAudio(turnID string, chunk []byte) {
	s.mu.Lock()
	mode := s.audioMode
	host := s.hostDeviceID
	targets := make([]*Device, 0, len(s.devices))
	for _, d := range s.devices {
		if mode == types.AudioHostOnly && d.ID != host {
			continue
		}
		targets = append(targets, d)
	}
	s.mu.Unlock()

	for _, d := range targets {
		if err := d.Conn.SendBinary(chunk); err != nil {
			s.logger.Warn("audio broadcast failed",
				"device_id", d.ID, "turn_id", turnID, "error", err)
		}
	}
}

// CloseAll closes every device connection.
func (s *Session) CloseAll(code int, reason string) {
	for _, d := range s.snapshot() {
		d.Conn.Close(code, reason)
	}
}

// End terminates the session for every device. Idempotent; the grace timer is
// cancelled and the onEnd callback fires exactly once.
func (s *Session) End(reason string) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	if s.durationTimer != nil {
		s.durationTimer.Stop()
		s.durationTimer = nil
	}
	onEnd := s.onEnd
	s.onEnd = nil
	s.mu.Unlock()

	s.Broadcast("session_end", map[string]any{"reason": reason})
	s.CloseAll(1000, reason)
	for _, fn := range onEnd {
		fn(reason)
	}
	s.logger.Info("session ended", "reason", reason)
}

// snapshot copies the device list under the lock.
func (s *Session) snapshot() []*Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peersLocked("")
}

// peersLocked returns all devices except the one named. Must be called with
// s.mu held.
func (s *Session) peersLocked(except string) []*Device {
	out := make([]*Device, 0, len(s.devices))
	for _, d := range s.devices {
		if d.ID == except {
			continue
		}
		out = append(out, d)
	}
	return out
}
