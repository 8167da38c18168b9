package broker

import (
	"regexp"
	"strings"
	"time"

	"github.com/antzucaro/matchr"
)

// wakeWord is the assistant's name as spoken by users.
const wakeWord = "redi"

// wakePattern matches the canonical wake phrase.
var wakePattern = regexp.MustCompile(`(?i)\b(hey|ok|okay)?\s*redi\b`)

// wakeVariants are spellings STT providers commonly produce for the wake word.
var wakeVariants = map[string]struct{}{
	"redi": {}, "ready": {}, "reddy": {}, "redy": {}, "reddi": {}, "radi": {},
}

// phoneticWakeThreshold is the Jaro-Winkler floor for accepting a token as a
// phonetic rendering of the wake word.
const phoneticWakeThreshold = 0.8

// minGapFloor is the smallest allowed gap between unprompted responses, hit
// at sensitivity 1.
const minGapFloor = 3 * time.Second

// MinGap returns the minimum inter-response gap for unprompted speech at the
// given sensitivity: 30s at sensitivity 0, shrinking linearly to the 3s floor
// at sensitivity 1.
func MinGap(sensitivity float64) time.Duration {
	gap := time.Duration(30000-sensitivity*27000) * time.Millisecond
	if gap < minGapFloor {
		gap = minGapFloor
	}
	return gap
}

// SilenceWait returns the post-utterance wait before a response trigger
// fires: 1500ms at sensitivity 0, shrinking linearly to 600ms at sensitivity 1.
func SilenceWait(sensitivity float64) time.Duration {
	return time.Duration(1500-sensitivity*900) * time.Millisecond
}

// IsQuestion reports whether the transcript addresses the assistant directly:
// it ends in a question mark, contains the wake phrase, or contains a
// phonetic rendering of the wake word.
func IsQuestion(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if strings.HasSuffix(trimmed, "?") {
		return true
	}
	if wakePattern.MatchString(trimmed) {
		return true
	}
	return containsPhoneticWake(trimmed)
}

// containsPhoneticWake scans tokens for STT misspellings of the wake word,
// first against the known-variant list, then by Double Metaphone overlap
// ranked with Jaro-Winkler.
func containsPhoneticWake(text string) bool {
	wakePrimary, wakeSecondary := matchr.DoubleMetaphone(wakeWord)

	for _, token := range strings.Fields(strings.ToLower(text)) {
		token = strings.Trim(token, ".,!?;:'\"")
		if token == "" {
			continue
		}
		if _, ok := wakeVariants[token]; ok {
			return true
		}
		if len(token) < 4 {
			continue
		}
		p, s := matchr.DoubleMetaphone(token)
		if p != wakePrimary && p != wakeSecondary && s != wakePrimary && (s == "" || s != wakeSecondary) {
			continue
		}
		if matchr.JaroWinkler(token, wakeWord, false) >= phoneticWakeThreshold {
			return true
		}
	}
	return false
}

// visualQuestionPattern matches utterances that ask about the camera view.
var visualQuestionPattern = regexp.MustCompile(`(?i)\b(what (do|can) you see|look at|describe|what('s| is) (this|that)|can you see|do you see|what am i (looking at|holding))\b`)

// IsVisualQuestion reports whether the transcript asks about the current
// camera view, selecting the freshest-frame reasoning path.
func IsVisualQuestion(text string) bool {
	return visualQuestionPattern.MatchString(text)
}

// ShouldSpeak decides whether an unprompted response may fire now. Prompted
// (direct-question) turns do not go through this gate.
//
// It returns true only when all of the following hold: the session is not
// speaking, sensitivity is above zero, a pending insight exists, the silence
// since the last transcript exceeds the sensitivity-scaled wait, the context
// is fresh and changed materially since the assistant last spoke, and the
// minimum inter-response gap has elapsed.
func ShouldSpeak(d *DecisionContext, now time.Time, sensitivity float64) bool {
	if d.IsSpeaking() {
		return false
	}
	// Sensitivity 0 disables unprompted speech entirely.
	if sensitivity <= 0 {
		return false
	}
	if _, _, ok := d.PendingInsight(); !ok {
		return false
	}
	if !d.lastTranscriptAt.IsZero() && now.Sub(d.lastTranscriptAt) < SilenceWait(sensitivity) {
		return false
	}
	if !d.IsContextFresh(now) {
		return false
	}
	if !d.ContextChanged() {
		return false
	}
	if !d.lastSpokeAt.IsZero() && now.Sub(d.lastSpokeAt) < MinGap(sensitivity) {
		return false
	}
	return true
}

// ClampSensitivity forces s into [0,1].
func ClampSensitivity(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
