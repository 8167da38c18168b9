// Package analytics persists per-turn records. The primary sink is a per-day
// JSON file; an optional PostgreSQL mirror keeps the same rows queryable.
// Records are batched in memory and flushed on an interval so the hot path
// never touches disk.
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/redi-labs/redi/pkg/types"
)

// fileNameFmt is the per-day file name. The "santa" prefix is kept for
// compatibility with existing dashboards that ingest these files.
const fileNameFmt = "santa-analytics-%s.json"

// dayLayout formats the per-day key.
const dayLayout = "2006-01-02"

// DefaultFlushInterval is how often pending records hit disk.
const DefaultFlushInterval = 5 * time.Second

// dayFile is the on-disk per-day document.
type dayFile struct {
	Date    string             `json:"date"`
	Records []types.TurnRecord `json:"records"`
}

// Mirror receives flushed records in addition to the file sink.
type Mirror interface {
	InsertTurns(ctx context.Context, recs []types.TurnRecord) error
}

// Store is the batched file-backed analytics sink. Safe for concurrent use.
type Store struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
	mirror Mirror

	mu      sync.Mutex
	pending []types.TurnRecord
}

// Option customises a Store.
type Option func(*Store)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMirror adds a secondary sink that receives every flushed batch.
func WithMirror(m Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

// NewStore creates a Store writing day files under dir.
func NewStore(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("analytics: create dir: %w", err)
	}
	s := &Store{
		dir:    dir,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Record queues a turn record for the next flush.
func (s *Store) Record(rec types.TurnRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, rec)
}

// Run flushes on the given interval until ctx is cancelled, then performs a
// final flush.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Error("final analytics flush failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.Error("analytics flush failed", "error", err)
			}
		}
	}
}

// Flush writes all pending records to their day files and the mirror.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	byDay := make(map[string][]types.TurnRecord)
	for _, rec := range batch {
		ts := rec.Timestamp
		if ts.IsZero() {
			ts = s.now()
		}
		day := ts.UTC().Format(dayLayout)
		byDay[day] = append(byDay[day], rec)
	}

	var errs []error
	for day, recs := range byDay {
		if err := s.appendDay(day, recs); err != nil {
			errs = append(errs, err)
		}
	}
	if s.mirror != nil {
		if err := s.mirror.InsertTurns(ctx, batch); err != nil {
			errs = append(errs, fmt.Errorf("analytics: mirror insert: %w", err))
		}
	}
	return errors.Join(errs...)
}

// appendDay merges records into one day file with a read-modify-write.
func (s *Store) appendDay(day string, recs []types.TurnRecord) error {
	path := s.dayPath(day)

	doc := dayFile{Date: day}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("analytics: read %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("analytics: parse %s: %w", path, err)
		}
	}
	doc.Records = append(doc.Records, recs...)

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("analytics: marshal %s: %w", day, err)
	}
	tmp, err := os.CreateTemp(s.dir, ".analytics-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Store) dayPath(day string) string {
	return filepath.Join(s.dir, fmt.Sprintf(fileNameFmt, day))
}

// ─── rollups ─────────────────────────────────────────────────────────────────

// Rollup is the daily aggregate computed from a day file.
type Rollup struct {
	Date            string           `json:"date"`
	TotalTurns      int              `json:"totalTurns"`
	PromptedTurns   int              `json:"promptedTurns"`
	UnpromptedTurns int              `json:"unpromptedTurns"`
	CancelledTurns  int              `json:"cancelledTurns"`
	FrameInjected   int              `json:"frameInjected"`
	ByBrain         map[string]int   `json:"byBrain"`
	GuardBlocks     map[string]int   `json:"guardBlocks"`
	AvgLLMLatencyMs float64          `json:"avgLlmLatencyMs"`
	TotalTTSBytes   int64            `json:"totalTtsBytes"`
	Sessions        []string         `json:"sessions"`
}

// RollupDay aggregates one day's records. A missing day file yields an empty
// rollup, not an error.
func (s *Store) RollupDay(day string) (Rollup, error) {
	r := Rollup{
		Date:        day,
		ByBrain:     make(map[string]int),
		GuardBlocks: make(map[string]int),
	}

	data, err := os.ReadFile(s.dayPath(day))
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return r, fmt.Errorf("analytics: read day %s: %w", day, err)
	}
	var doc dayFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return r, fmt.Errorf("analytics: parse day %s: %w", day, err)
	}

	sessions := make(map[string]struct{})
	var latencySum int64
	var latencyCount int
	for _, rec := range doc.Records {
		r.TotalTurns++
		if rec.Prompted {
			r.PromptedTurns++
		} else {
			r.UnpromptedTurns++
		}
		if rec.Cancelled {
			r.CancelledTurns++
		}
		if rec.FrameInjected {
			r.FrameInjected++
		}
		if rec.Brain != "" {
			r.ByBrain[string(rec.Brain)]++
		}
		if rec.GuardVerdict != "" && rec.GuardVerdict != "allowed" {
			r.GuardBlocks[rec.GuardVerdict]++
		}
		if rec.LLMLatencyMs > 0 {
			latencySum += rec.LLMLatencyMs
			latencyCount++
		}
		r.TotalTTSBytes += int64(rec.TTSBytes)
		sessions[rec.SessionID] = struct{}{}
	}
	if latencyCount > 0 {
		r.AvgLLMLatencyMs = float64(latencySum) / float64(latencyCount)
	}
	for id := range sessions {
		r.Sessions = append(r.Sessions, id)
	}
	sort.Strings(r.Sessions)
	return r, nil
}
