package broker

import (
	"fmt"
	"testing"
	"time"

	"github.com/redi-labs/redi/pkg/types"
)

func TestDecisionContext_TranscriptWindow(t *testing.T) {
	d := NewDecisionContext()
	now := time.Now()

	for i := 0; i < transcriptWindow+5; i++ {
		d.AppendFinal(types.Transcript{Text: fmt.Sprintf("utterance %d", i)}, now)
	}

	got := d.Transcripts()
	if len(got) != transcriptWindow {
		t.Fatalf("len = %d, want %d", len(got), transcriptWindow)
	}
	if got[len(got)-1].Text != fmt.Sprintf("utterance %d", transcriptWindow+4) {
		t.Errorf("newest = %q, want the last appended", got[len(got)-1].Text)
	}

	latest, ok := d.LatestTranscript()
	if !ok || latest.Text != got[len(got)-1].Text {
		t.Errorf("LatestTranscript = %q/%v", latest.Text, ok)
	}
}

func TestDecisionContext_SpeakingLock(t *testing.T) {
	d := NewDecisionContext()
	now := time.Now()

	if !d.MarkSpeakingStart(now) {
		t.Fatal("first MarkSpeakingStart failed")
	}
	if d.MarkSpeakingStart(now) {
		t.Fatal("second MarkSpeakingStart must fail while speaking")
	}
	if !d.IsSpeaking() {
		t.Fatal("IsSpeaking = false while lock held")
	}

	d.MarkSpoke("done", now)
	if d.IsSpeaking() {
		t.Fatal("IsSpeaking = true after MarkSpoke")
	}
	if d.LastSpokeAt() != now {
		t.Errorf("LastSpokeAt = %v, want %v", d.LastSpokeAt(), now)
	}
}

func TestDecisionContext_AbortSpeakingKeepsNoMarkers(t *testing.T) {
	d := NewDecisionContext()
	d.MarkSpeakingStart(time.Now())
	d.AbortSpeaking()

	if d.IsSpeaking() {
		t.Fatal("lock still held after abort")
	}
	if !d.LastSpokeAt().IsZero() {
		t.Error("aborted turn must not record a spoken time")
	}
	if len(d.RecentResponses()) != 0 {
		t.Error("aborted turn must not enter the dedup ring")
	}
}

func TestDecisionContext_RecentResponsesRing(t *testing.T) {
	d := NewDecisionContext()
	now := time.Now()

	for i := 0; i < recentResponseWindow+2; i++ {
		d.MarkSpeakingStart(now)
		d.MarkSpoke(fmt.Sprintf("response %d", i), now)
	}

	got := d.RecentResponses()
	if len(got) != recentResponseWindow {
		t.Fatalf("ring len = %d, want %d", len(got), recentResponseWindow)
	}
	if got[0] != "response 2" || got[len(got)-1] != fmt.Sprintf("response %d", recentResponseWindow+1) {
		t.Errorf("ring = %v", got)
	}
}

func TestDecisionContext_InterruptionOrdering(t *testing.T) {
	d := NewDecisionContext()
	start := time.Now()

	// Interruption before the turn started does not invalidate it.
	d.OnUserInterruption(start.Add(-time.Second))
	d.MarkSpeakingStart(start)
	if d.ShouldIgnoreResponse() {
		t.Fatal("pre-turn interruption must not invalidate the response")
	}

	// Interruption after the turn started does.
	d.OnUserInterruption(start.Add(100 * time.Millisecond))
	if !d.ShouldIgnoreResponse() {
		t.Fatal("mid-turn interruption must invalidate the response")
	}
}

func TestDecisionContext_ContextChanged(t *testing.T) {
	d := NewDecisionContext()
	now := time.Now()

	d.AppendFinal(types.Transcript{Text: "first"}, now)
	d.MarkSpeakingStart(now)
	d.MarkSpoke("reply", now)

	if d.ContextChanged() {
		t.Fatal("nothing new since speaking, context must be unchanged")
	}

	d.AppendFinal(types.Transcript{Text: "second"}, now)
	if !d.ContextChanged() {
		t.Fatal("a new final transcript is a material change")
	}

	// Visual context change alone also counts.
	d.MarkSpeakingStart(now)
	d.MarkSpoke("reply two", now)
	d.UpdateVisualContext("a saucepan boiling over", now)
	if !d.ContextChanged() {
		t.Fatal("a new visual context is a material change")
	}
}

func TestDecisionContext_Freshness(t *testing.T) {
	d := NewDecisionContext()
	now := time.Now()

	if d.IsContextFresh(now) {
		t.Fatal("empty context must not be fresh")
	}

	d.AppendFinal(types.Transcript{Text: "hello"}, now.Add(-contextFreshness))
	if !d.IsContextFresh(now) {
		t.Fatal("transcript at the freshness boundary counts as fresh")
	}
	if d.IsContextFresh(now.Add(time.Millisecond)) {
		t.Fatal("transcript just past the boundary is stale")
	}

	d.UpdateVisualContext("a desk", now)
	if !d.IsContextFresh(now.Add(time.Second)) {
		t.Fatal("fresh visual context keeps the session fresh")
	}
}

func TestDecisionContext_PendingInsight(t *testing.T) {
	d := NewDecisionContext()

	if _, _, ok := d.PendingInsight(); ok {
		t.Fatal("new context must have no pending insight")
	}

	d.SetPendingInsight("the kettle is boiling", 0.7)
	text, conf, ok := d.PendingInsight()
	if !ok || text != "the kettle is boiling" || conf != 0.7 {
		t.Fatalf("PendingInsight = %q/%v/%v", text, conf, ok)
	}

	d.ClearPendingInsight()
	if _, _, ok := d.PendingInsight(); ok {
		t.Fatal("cleared insight still pending")
	}
}
