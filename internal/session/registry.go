package session

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// joinCodeAlphabet excludes visually ambiguous characters (0/O, 1/I/L).
const joinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// joinCodeLength is the length of generated join codes.
const joinCodeLength = 6

// Registry holds the live sessions of one server process.
type Registry struct {
	logger *slog.Logger
	grace  []Option

	mu     sync.Mutex
	byID   map[string]*Session
	byCode map[string]*Session
}

// NewRegistry returns an empty registry. The given options are applied to
// every session it creates.
func NewRegistry(logger *slog.Logger, sessionOpts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		grace:  sessionOpts,
		byID:   make(map[string]*Session),
		byCode: make(map[string]*Session),
	}
}

// Create makes a new session with a generated ID and join code and registers
// it. The session unregisters itself when it ends. Extra options are applied
// after the registry's own.
func (r *Registry) Create(extra ...Option) (*Session, error) {
	code, err := generateJoinCode()
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Regenerate on the unlikely collision.
	for _, taken := r.byCode[code]; taken; _, taken = r.byCode[code] {
		if code, err = generateJoinCode(); err != nil {
			return nil, err
		}
	}

	opts := append([]Option{
		WithLogger(r.logger),
		WithOnEnd(func(string) { r.Remove(id) }),
	}, r.grace...)
	opts = append(opts, extra...)
	s := New(id, code, opts...)
	r.byID[id] = s
	r.byCode[code] = s
	r.logger.Info("session created", "session_id", id)
	return s, nil
}

// Get returns the session with the given ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// GetByCode returns the session with the given join code. The code is
// normalised before lookup, so user-typed variants like "ab-12 cd" match.
func (r *Registry) GetByCode(code string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byCode[NormalizeJoinCode(code)]
	return s, ok
}

// Remove drops a session from the registry. The session itself is not ended.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	delete(r.byCode, s.JoinCode())
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// NormalizeJoinCode uppercases a user-supplied code and strips everything
// outside the code alphabet's character classes.
func NormalizeJoinCode(code string) string {
	var sb strings.Builder
	for _, c := range strings.ToUpper(strings.TrimSpace(code)) {
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			sb.WriteRune(c)
		}
	}
	return sb.String()
}

// generateJoinCode draws a code from the restricted alphabet using crypto/rand.
func generateJoinCode() (string, error) {
	buf := make([]byte, joinCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session: generate join code: %w", err)
	}
	out := make([]byte, joinCodeLength)
	for i, b := range buf {
		out[i] = joinCodeAlphabet[int(b)%len(joinCodeAlphabet)]
	}
	return string(out), nil
}
