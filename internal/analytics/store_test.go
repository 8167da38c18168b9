package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redi-labs/redi/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func record(session, turn string, ts time.Time) types.TurnRecord {
	return types.TurnRecord{
		SessionID:      session,
		TurnID:         turn,
		Timestamp:      ts,
		Mode:           types.ModeCooking,
		UserTranscript: "hey redi",
		Prompted:       true,
		Brain:          types.BrainFast,
		GuardVerdict:   "allowed",
		LLMLatencyMs:   100,
		TTSBytes:       2048,
	}
}

func TestStore_FlushWritesDayFile(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}

	day := time.Date(2025, 11, 20, 10, 0, 0, 0, time.UTC)
	s.Record(record("s1", "t1", day))
	s.Record(record("s1", "t2", day.Add(time.Minute)))

	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	path := filepath.Join(dir, "santa-analytics-2025-11-20.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("day file not written: %v", err)
	}
	var doc dayFile
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("day file not valid JSON: %v", err)
	}
	if doc.Date != "2025-11-20" || len(doc.Records) != 2 {
		t.Errorf("doc = %s with %d records, want 2025-11-20 with 2", doc.Date, len(doc.Records))
	}
}

func TestStore_FlushAppendsAcrossBatches(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir, WithLogger(quietLogger()))
	day := time.Date(2025, 11, 20, 10, 0, 0, 0, time.UTC)

	s.Record(record("s1", "t1", day))
	s.Flush(context.Background())
	s.Record(record("s1", "t2", day))
	s.Flush(context.Background())

	r, err := s.RollupDay("2025-11-20")
	if err != nil {
		t.Fatal(err)
	}
	if r.TotalTurns != 2 {
		t.Errorf("total turns = %d, want 2", r.TotalTurns)
	}
}

func TestStore_SplitsRecordsByDay(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir, WithLogger(quietLogger()))

	s.Record(record("s1", "t1", time.Date(2025, 11, 20, 23, 59, 0, 0, time.UTC)))
	s.Record(record("s1", "t2", time.Date(2025, 11, 21, 0, 1, 0, 0, time.UTC)))
	if err := s.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	for _, day := range []string{"2025-11-20", "2025-11-21"} {
		r, err := s.RollupDay(day)
		if err != nil {
			t.Fatal(err)
		}
		if r.TotalTurns != 1 {
			t.Errorf("%s turns = %d, want 1", day, r.TotalTurns)
		}
	}
}

func TestStore_RollupAggregates(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir, WithLogger(quietLogger()))
	day := time.Date(2025, 11, 20, 10, 0, 0, 0, time.UTC)

	recs := []types.TurnRecord{
		record("s1", "t1", day),
		record("s2", "t2", day),
		{
			SessionID: "s1", TurnID: "t3", Timestamp: day,
			Brain: types.BrainDeep, GuardVerdict: "driving_navigation",
			LLMLatencyMs: 300,
		},
		{
			SessionID: "s1", TurnID: "t4", Timestamp: day,
			Cancelled: true, FrameInjected: true, Brain: types.BrainDeep,
			GuardVerdict: "allowed",
		},
	}
	for _, r := range recs {
		s.Record(r)
	}
	s.Flush(context.Background())

	r, err := s.RollupDay("2025-11-20")
	if err != nil {
		t.Fatal(err)
	}
	if r.TotalTurns != 4 || r.PromptedTurns != 2 || r.UnpromptedTurns != 2 {
		t.Errorf("turn counts = %d/%d/%d, want 4/2/2",
			r.TotalTurns, r.PromptedTurns, r.UnpromptedTurns)
	}
	if r.CancelledTurns != 1 || r.FrameInjected != 1 {
		t.Errorf("cancelled = %d frame = %d, want 1/1", r.CancelledTurns, r.FrameInjected)
	}
	if r.ByBrain["fast"] != 2 || r.ByBrain["deep"] != 2 {
		t.Errorf("by brain = %v", r.ByBrain)
	}
	if r.GuardBlocks["driving_navigation"] != 1 || len(r.GuardBlocks) != 1 {
		t.Errorf("guard blocks = %v", r.GuardBlocks)
	}
	// Two records at 100ms, one at 300ms.
	if r.AvgLLMLatencyMs < 166 || r.AvgLLMLatencyMs > 167 {
		t.Errorf("avg latency = %v, want ~166.7", r.AvgLLMLatencyMs)
	}
	if r.TotalTTSBytes != 4096 {
		t.Errorf("tts bytes = %d, want 4096", r.TotalTTSBytes)
	}
	if len(r.Sessions) != 2 {
		t.Errorf("sessions = %v, want 2 distinct", r.Sessions)
	}
}

func TestStore_RollupMissingDayIsEmpty(t *testing.T) {
	s, _ := NewStore(t.TempDir(), WithLogger(quietLogger()))
	r, err := s.RollupDay("2025-01-01")
	if err != nil {
		t.Fatal(err)
	}
	if r.TotalTurns != 0 {
		t.Errorf("turns = %d, want 0", r.TotalTurns)
	}
}

type fakeMirror struct {
	mu      sync.Mutex
	batches [][]types.TurnRecord
}

func (m *fakeMirror) InsertTurns(_ context.Context, recs []types.TurnRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, recs)
	return nil
}

func TestStore_MirrorReceivesBatches(t *testing.T) {
	mirror := &fakeMirror{}
	s, _ := NewStore(t.TempDir(), WithLogger(quietLogger()), WithMirror(mirror))
	day := time.Now()

	for i := 0; i < 3; i++ {
		s.Record(record("s1", fmt.Sprintf("t%d", i), day))
	}
	s.Flush(context.Background())

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	if len(mirror.batches) != 1 || len(mirror.batches[0]) != 3 {
		t.Errorf("mirror batches = %d, want one batch of 3", len(mirror.batches))
	}
}

func TestStore_FlushEmptyIsNoop(t *testing.T) {
	s, _ := NewStore(t.TempDir(), WithLogger(quietLogger()))
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("empty flush errored: %v", err)
	}
}
