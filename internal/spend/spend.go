// Package spend tracks monthly TTS usage against a configured budget. The
// ledger persists to a single JSON file and rolls over automatically at the
// month boundary; once the estimated spend reaches the cap, synthesis is
// disabled until the next month.
package spend

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// maxGenerations bounds the per-generation detail kept in the ledger.
const maxGenerations = 100

// Generation is one synthesis event.
type Generation struct {
	Timestamp  time.Time `json:"timestamp"`
	Characters int       `json:"characters"`
	CostUSD    float64   `json:"costUsd"`
}

// ledger is the on-disk document.
type ledger struct {
	Month               string       `json:"month"`
	TotalCharactersUsed int          `json:"totalCharactersUsed"`
	TotalGenerations    int          `json:"totalGenerations"`
	EstimatedSpend      float64      `json:"estimatedSpend"`
	LastUpdated         time.Time    `json:"lastUpdated"`
	Generations         []Generation `json:"generations"`
}

// Summary is a read-only view of the current month for credits updates.
type Summary struct {
	Month               string  `json:"month"`
	TotalCharactersUsed int     `json:"totalCharactersUsed"`
	TotalGenerations    int     `json:"totalGenerations"`
	EstimatedSpend      float64 `json:"estimatedSpend"`
	RemainingUSD        float64 `json:"remainingUsd"`
	CapUSD              float64 `json:"capUsd"`
}

// Tracker is the process-wide spend ledger. Safe for concurrent use.
type Tracker struct {
	path       string
	capUSD     float64
	costPer1K  float64
	minuteCost float64
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	ledger ledger
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithMinuteCost sets the per-minute session charge applied by DeductMinute.
// Zero leaves connected time free.
func WithMinuteCost(usd float64) Option {
	return func(t *Tracker) { t.minuteCost = usd }
}

// WithClock overrides the time source. Tests use it to cross month
// boundaries.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker loads the ledger at path, creating an empty one when the file
// does not exist. capUSD <= 0 disables the cap; costPer1K is the synthesis
// price per thousand characters.
func NewTracker(path string, capUSD, costPer1K float64, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		path:      path,
		capUSD:    capUSD,
		costPer1K: costPer1K,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		t.ledger = ledger{Month: monthKey(t.now())}
	case err != nil:
		return nil, fmt.Errorf("spend: read ledger: %w", err)
	default:
		if err := json.Unmarshal(data, &t.ledger); err != nil {
			return nil, fmt.Errorf("spend: parse ledger %s: %w", path, err)
		}
	}
	t.rollLocked()
	return t, nil
}

// TTSAllowed reports whether synthesis is still within the monthly budget.
func (t *Tracker) TTSAllowed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked()
	if t.capUSD <= 0 {
		return true
	}
	return t.ledger.EstimatedSpend < t.capUSD
}

// RecordTTS accounts one synthesis of the given character count and persists
// the ledger.
func (t *Tracker) RecordTTS(characters int) {
	if characters <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked()

	now := t.now()
	cost := float64(characters) / 1000 * t.costPer1K
	t.ledger.TotalCharactersUsed += characters
	t.ledger.TotalGenerations++
	t.ledger.EstimatedSpend += cost
	t.ledger.LastUpdated = now
	t.ledger.Generations = append(t.ledger.Generations, Generation{
		Timestamp:  now,
		Characters: characters,
		CostUSD:    cost,
	})
	if len(t.ledger.Generations) > maxGenerations {
		t.ledger.Generations = t.ledger.Generations[len(t.ledger.Generations)-maxGenerations:]
	}

	if err := t.persistLocked(); err != nil {
		t.logger.Error("spend ledger persist failed", "error", err)
	}
}

// DeductMinute charges one minute of connected session time against the
// budget and returns the position after the charge. Callers decide what a
// zero remainder means for the session.
func (t *Tracker) DeductMinute() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked()

	if t.minuteCost > 0 {
		t.ledger.EstimatedSpend += t.minuteCost
		t.ledger.LastUpdated = t.now()
		if err := t.persistLocked(); err != nil {
			t.logger.Error("spend ledger persist failed", "error", err)
		}
	}
	return t.summaryLocked()
}

// Snapshot returns the current month's totals.
func (t *Tracker) Snapshot() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked()
	return t.summaryLocked()
}

// summaryLocked builds the read-only view. Must be called with t.mu held.
func (t *Tracker) summaryLocked() Summary {
	remaining := t.capUSD - t.ledger.EstimatedSpend
	if t.capUSD <= 0 {
		remaining = 0
	} else if remaining < 0 {
		remaining = 0
	}
	return Summary{
		Month:               t.ledger.Month,
		TotalCharactersUsed: t.ledger.TotalCharactersUsed,
		TotalGenerations:    t.ledger.TotalGenerations,
		EstimatedSpend:      t.ledger.EstimatedSpend,
		RemainingUSD:        remaining,
		CapUSD:              t.capUSD,
	}
}

// rollLocked resets the ledger when the month has changed. Must be called
// with t.mu held (or before the tracker is shared).
func (t *Tracker) rollLocked() {
	month := monthKey(t.now())
	if t.ledger.Month == month {
		return
	}
	if t.ledger.Month != "" {
		t.logger.Info("spend ledger rolled over",
			"from", t.ledger.Month, "to", month,
			"spent", t.ledger.EstimatedSpend)
	}
	t.ledger = ledger{Month: month, LastUpdated: t.now()}
	if err := t.persistLocked(); err != nil {
		t.logger.Error("spend ledger persist failed", "error", err)
	}
}

// persistLocked writes the ledger atomically: temp file then rename.
func (t *Tracker) persistLocked() error {
	data, err := json.MarshalIndent(t.ledger, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".spend-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), t.path)
}

// monthKey formats a time as the ledger month, e.g. "2025-11".
func monthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
