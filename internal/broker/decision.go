package broker

import (
	"time"

	"github.com/redi-labs/redi/pkg/types"
)

// transcriptWindow bounds the rolling final-transcript buffer.
const transcriptWindow = 20

// recentResponseWindow bounds the dedup ring of previous assistant responses.
const recentResponseWindow = 5

// contextFreshness is how recent a transcript or visual-context update must
// be for an unprompted response to be considered relevant.
const contextFreshness = 2 * time.Second

// DecisionContext is the per-session mutable state consulted by the decision
// policy. It is owned by the session task and must not be shared across
// goroutines.
type DecisionContext struct {
	// transcripts is the rolling buffer of final transcripts, newest last.
	transcripts []types.Transcript

	// transcriptCount increments monotonically for every appended final.
	transcriptCount int

	// lastTranscriptAt stamps the most recent final transcript.
	lastTranscriptAt time.Time

	// visualContext is the latest scene description with its timestamp.
	visualContext   string
	visualContextAt time.Time

	// speaking lock.
	isSpeaking    bool
	speakingStart time.Time

	// last-spoken markers, recorded atomically when the lock is released.
	lastSpokeAt              time.Time
	lastSpokeTranscriptCount int
	lastSpokeVisualContext   string

	// pendingInsight is an unprompted observation awaiting delivery.
	pendingInsight           string
	pendingInsightConfidence float64

	// recentResponses is the dedup ring, newest last.
	recentResponses []string

	// interruption marker.
	userInterrupted   bool
	userInterruptedAt time.Time
}

// NewDecisionContext returns an empty DecisionContext.
func NewDecisionContext() *DecisionContext {
	return &DecisionContext{}
}

// AppendFinal records a final transcript and bumps the monotone counter.
func (d *DecisionContext) AppendFinal(t types.Transcript, now time.Time) {
	if len(d.transcripts) == transcriptWindow {
		copy(d.transcripts, d.transcripts[1:])
		d.transcripts = d.transcripts[:transcriptWindow-1]
	}
	d.transcripts = append(d.transcripts, t)
	d.transcriptCount++
	d.lastTranscriptAt = now
}

// Transcripts returns the rolling final-transcript buffer, newest last.
func (d *DecisionContext) Transcripts() []types.Transcript {
	return d.transcripts
}

// LatestTranscript returns the newest final transcript, if any.
func (d *DecisionContext) LatestTranscript() (types.Transcript, bool) {
	if len(d.transcripts) == 0 {
		return types.Transcript{}, false
	}
	return d.transcripts[len(d.transcripts)-1], true
}

// UpdateVisualContext stamps a new scene description.
func (d *DecisionContext) UpdateVisualContext(text string, now time.Time) {
	d.visualContext = text
	d.visualContextAt = now
}

// VisualContext returns the latest scene description.
func (d *DecisionContext) VisualContext() string { return d.visualContext }

// SetPendingInsight stores an unprompted observation awaiting delivery.
func (d *DecisionContext) SetPendingInsight(text string, confidence float64) {
	d.pendingInsight = text
	d.pendingInsightConfidence = confidence
}

// PendingInsight returns the stored insight and whether one exists.
func (d *DecisionContext) PendingInsight() (string, float64, bool) {
	return d.pendingInsight, d.pendingInsightConfidence, d.pendingInsight != ""
}

// ClearPendingInsight discards the stored insight.
func (d *DecisionContext) ClearPendingInsight() {
	d.pendingInsight = ""
	d.pendingInsightConfidence = 0
}

// MarkSpeakingStart acquires the speaking lock. Returns false when a response
// is already in flight.
func (d *DecisionContext) MarkSpeakingStart(now time.Time) bool {
	if d.isSpeaking {
		return false
	}
	d.isSpeaking = true
	d.speakingStart = now
	d.userInterrupted = false
	return true
}

// IsSpeaking reports whether the speaking lock is held.
func (d *DecisionContext) IsSpeaking() bool { return d.isSpeaking }

// MarkSpoke releases the speaking lock and records the last-spoken markers:
// timestamp, transcript counter, visual-context snapshot, and the response
// text in the dedup ring.
func (d *DecisionContext) MarkSpoke(text string, now time.Time) {
	d.isSpeaking = false
	d.lastSpokeAt = now
	d.lastSpokeTranscriptCount = d.transcriptCount
	d.lastSpokeVisualContext = d.visualContext

	if len(d.recentResponses) == recentResponseWindow {
		copy(d.recentResponses, d.recentResponses[1:])
		d.recentResponses = d.recentResponses[:recentResponseWindow-1]
	}
	d.recentResponses = append(d.recentResponses, text)
}

// AbortSpeaking releases the speaking lock without recording last-spoken
// markers. Used when a turn is cancelled or blocked before delivery.
func (d *DecisionContext) AbortSpeaking() {
	d.isSpeaking = false
}

// LastSpokeAt returns when the previous response was delivered. Zero when the
// session has not spoken yet.
func (d *DecisionContext) LastSpokeAt() time.Time { return d.lastSpokeAt }

// RecentResponses returns the dedup ring, newest last.
func (d *DecisionContext) RecentResponses() []string { return d.recentResponses }

// OnUserInterruption sets the interruption marker.
func (d *DecisionContext) OnUserInterruption(now time.Time) {
	d.userInterrupted = true
	d.userInterruptedAt = now
}

// ShouldIgnoreResponse reports whether the user interrupted after the current
// response began; such a response must be discarded before TTS.
func (d *DecisionContext) ShouldIgnoreResponse() bool {
	return d.userInterrupted && !d.userInterruptedAt.Before(d.speakingStart)
}

// ContextChanged reports whether the conversation moved materially since the
// last spoken response: new final transcripts, or a different visual context.
func (d *DecisionContext) ContextChanged() bool {
	if d.transcriptCount > d.lastSpokeTranscriptCount {
		return true
	}
	return d.visualContext != d.lastSpokeVisualContext
}

// IsContextFresh reports whether the latest transcript or visual context is
// recent enough to ground an unprompted response. Prompted responses bypass
// this check.
func (d *DecisionContext) IsContextFresh(now time.Time) bool {
	if !d.lastTranscriptAt.IsZero() && now.Sub(d.lastTranscriptAt) <= contextFreshness {
		return true
	}
	if !d.visualContextAt.IsZero() && now.Sub(d.visualContextAt) <= contextFreshness {
		return true
	}
	return false
}
