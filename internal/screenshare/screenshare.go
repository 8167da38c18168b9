// Package screenshare manages desktop-to-phone screen sharing: short-lived
// pairing codes typed on the desktop, brute-force throttling, and the phone
// approval gate that must pass before any signaling is relayed.
package screenshare

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// codeAlphabet excludes visually ambiguous characters (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeLength is the length of pairing codes.
const CodeLength = 8

// DefaultCodeExpiry is how long a pairing code stays claimable.
const DefaultCodeExpiry = 5 * time.Minute

// Brute-force throttle: maxAttempts failed claims within attemptWindow lock
// the client out for lockoutDuration.
const (
	maxAttempts     = 5
	attemptWindow   = time.Minute
	lockoutDuration = 15 * time.Minute
)

var (
	// ErrInvalidCode means no pairing with that code exists.
	ErrInvalidCode = errors.New("screenshare: invalid code")

	// ErrCodeExpired means the pairing existed but its window passed.
	ErrCodeExpired = errors.New("screenshare: code expired")

	// ErrLockedOut means the client exhausted its claim attempts.
	ErrLockedOut = errors.New("screenshare: too many attempts, locked out")

	// ErrNotApproved means the phone has not approved the share yet.
	ErrNotApproved = errors.New("screenshare: share not approved by phone")

	// ErrAlreadyClaimed means another desktop already claimed the code.
	ErrAlreadyClaimed = errors.New("screenshare: code already claimed")
)

// Pairing is one desktop-phone share handshake.
type Pairing struct {
	Code      string
	SessionID string
	CreatedAt time.Time
	ExpiresAt time.Time

	// Claimed is set when a desktop submits the code.
	Claimed bool

	// Approved is set when the phone user accepts the share prompt.
	// Signaling must not be relayed before this.
	Approved bool
}

// attemptState tracks failed claims for one client.
type attemptState struct {
	windowStart time.Time
	failures    int
	lockedUntil time.Time
}

// Manager issues and validates pairing codes. Safe for concurrent use.
type Manager struct {
	expiry time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	pairings map[string]*Pairing
	attempts map[string]*attemptState
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithCodeExpiry overrides the pairing code lifetime.
func WithCodeExpiry(d time.Duration) Option {
	return func(m *Manager) { m.expiry = d }
}

// NewManager returns an empty Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		expiry:   DefaultCodeExpiry,
		logger:   slog.Default(),
		now:      time.Now,
		pairings: make(map[string]*Pairing),
		attempts: make(map[string]*attemptState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateCode issues a pairing code for a session. The phone displays it; the
// desktop types it.
func (m *Manager) CreateCode(sessionID string) (Pairing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()

	code, err := generateCode()
	if err != nil {
		return Pairing{}, err
	}
	for _, taken := m.pairings[code]; taken; _, taken = m.pairings[code] {
		if code, err = generateCode(); err != nil {
			return Pairing{}, err
		}
	}

	now := m.now()
	p := &Pairing{
		Code:      code,
		SessionID: sessionID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.expiry),
	}
	m.pairings[code] = p
	m.logger.Info("screen share code issued", "session_id", sessionID)
	return *p, nil
}

// Claim submits a code from a desktop client. clientKey identifies the
// claimant (remote address) for brute-force throttling. Failed claims count
// toward the lockout; success resets it.
func (m *Manager) Claim(code, clientKey string) (Pairing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	if m.lockedOutLocked(clientKey, now) {
		return Pairing{}, ErrLockedOut
	}

	p, ok := m.pairings[code]
	switch {
	case !ok:
		m.recordFailureLocked(clientKey, now)
		return Pairing{}, ErrInvalidCode
	case now.After(p.ExpiresAt):
		m.recordFailureLocked(clientKey, now)
		return Pairing{}, ErrCodeExpired
	case p.Claimed:
		return Pairing{}, ErrAlreadyClaimed
	}

	p.Claimed = true
	delete(m.attempts, clientKey)
	m.logger.Info("screen share code claimed", "session_id", p.SessionID)
	return *p, nil
}

// Approve records the phone user accepting the share.
func (m *Manager) Approve(code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pairings[code]
	if !ok {
		return ErrInvalidCode
	}
	if m.now().After(p.ExpiresAt) {
		return ErrCodeExpired
	}
	p.Approved = true
	m.logger.Info("screen share approved", "session_id", p.SessionID)
	return nil
}

// RelayAllowed reports whether signaling for a code may flow: the code must
// be claimed and the phone must have approved.
func (m *Manager) RelayAllowed(code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pairings[code]
	if !ok {
		return ErrInvalidCode
	}
	if m.now().After(p.ExpiresAt) {
		return ErrCodeExpired
	}
	if !p.Approved {
		return ErrNotApproved
	}
	return nil
}

// Revoke removes a pairing, ending any relay permission.
func (m *Manager) Revoke(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pairings, code)
}

// lockedOutLocked reports whether the client is in a lockout window.
func (m *Manager) lockedOutLocked(clientKey string, now time.Time) bool {
	st, ok := m.attempts[clientKey]
	return ok && now.Before(st.lockedUntil)
}

// recordFailureLocked counts a failed claim and arms the lockout when the
// attempt budget is exhausted.
func (m *Manager) recordFailureLocked(clientKey string, now time.Time) {
	st, ok := m.attempts[clientKey]
	if !ok || now.Sub(st.windowStart) > attemptWindow {
		st = &attemptState{windowStart: now}
		m.attempts[clientKey] = st
	}
	st.failures++
	if st.failures >= maxAttempts {
		st.lockedUntil = now.Add(lockoutDuration)
		m.logger.Warn("screen share client locked out", "client", clientKey)
	}
}

// sweepLocked drops expired pairings. Must be called with m.mu held.
func (m *Manager) sweepLocked() {
	now := m.now()
	for code, p := range m.pairings {
		if now.After(p.ExpiresAt) {
			delete(m.pairings, code)
		}
	}
}

// generateCode draws a code from the restricted alphabet using crypto/rand.
func generateCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("screenshare: generate code: %w", err)
	}
	out := make([]byte, CodeLength)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}
