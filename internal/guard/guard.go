// Package guard enforces response quality before an assistant transcript is
// forwarded to clients or synthesised. Checks run in a fixed order; the first
// failing rule blocks the response and names itself in the verdict.
//
// All checks are pure functions of the [Input]; the chain holds no state, so
// one [Chain] may be shared by every session.
package guard

import (
	"regexp"
	"strings"
	"time"

	"github.com/redi-labs/redi/pkg/types"
)

// minResponseGap is the floor between consecutive assistant responses.
const minResponseGap = 1000 * time.Millisecond

// DedupThreshold is the word-set Jaccard similarity at or above which two
// texts are considered the same utterance. The broker reuses it for playback
// echo screening.
const DedupThreshold = 0.7

// recentWindow is how many previous responses the dedup check considers.
const recentWindow = 5

// Verdict is the outcome of running the guard chain.
type Verdict struct {
	// Allowed reports whether the response may proceed.
	Allowed bool

	// Rule names the first failing check when Allowed is false:
	// "vision_hallucination", "driving_navigation", "banned_phrase",
	// "length_cap", "rate_floor", "duplicate".
	Rule string

	// Reason is a short human-readable explanation for the turn record.
	Reason string
}

// allowed is the passing verdict.
var allowed = Verdict{Allowed: true}

func blocked(rule, reason string) Verdict {
	return Verdict{Rule: rule, Reason: reason}
}

// Input carries everything the guard chain needs to judge one response.
type Input struct {
	// Text is the candidate assistant transcript.
	Text string

	// Mode is the session's domain profile.
	Mode types.Mode

	// FrameInjected reports whether this turn carried a fresh camera frame.
	FrameInjected bool

	// Now is the evaluation time.
	Now time.Time

	// LastResponseAt is when the previous assistant response ended. Zero when
	// no response has been delivered yet.
	LastResponseAt time.Time

	// RecentResponses holds previous assistant transcripts, newest last. Only
	// the final five are considered.
	RecentResponses []string
}

// Chain is the ordered set of response guards.
type Chain struct{}

// NewChain returns the standard guard chain.
func NewChain() *Chain { return &Chain{} }

// Check runs every guard in order and returns the first failure, or an
// allowing verdict when all pass.
func (c *Chain) Check(in Input) Verdict {
	if v := checkVisionHallucination(in); !v.Allowed {
		return v
	}
	if v := checkDrivingNavigation(in); !v.Allowed {
		return v
	}
	if v := checkBannedPhrases(in); !v.Allowed {
		return v
	}
	if v := checkLengthCap(in); !v.Allowed {
		return v
	}
	if v := checkRateFloor(in); !v.Allowed {
		return v
	}
	if v := checkDuplicate(in); !v.Allowed {
		return v
	}
	return allowed
}

// ─── vision hallucination ───

// visionClaims match phrases that assert present visual perception. They are
// only hallucinations when no frame was injected on this turn.
var visionClaims = regexp.MustCompile(`(?i)\b(i (can )?see|looks like|there's a|there is a|in the (image|picture|photo|frame)|i'm looking at|i am looking at)\b`)

func checkVisionHallucination(in Input) Verdict {
	if in.FrameInjected {
		return allowed
	}
	if m := visionClaims.FindString(in.Text); m != "" {
		return blocked("vision_hallucination", "claims visual perception without a frame: "+strings.ToLower(m))
	}
	return allowed
}

// ─── driving navigation block ───

// navigationClaims match fabricated turn-by-turn guidance, distances, ETAs,
// and speed-limit claims. Only enforced in driving mode.
var navigationClaims = regexp.MustCompile(`(?i)\b(turn (left|right)|take the (next|second|third) (exit|turn)|in \d+(\.\d+)? (miles?|kilometers?|km|meters?|feet|ft)|recalculating|speed limit|exit \d+|merge onto|keep (left|right)|your (destination|eta)|arriv(e|al) (in|at) \d+)\b`)

func checkDrivingNavigation(in Input) Verdict {
	if in.Mode != types.ModeDriving {
		return allowed
	}
	if m := navigationClaims.FindString(in.Text); m != "" {
		return blocked("driving_navigation", "navigation guidance is forbidden while driving: "+strings.ToLower(m))
	}
	return allowed
}

// ─── banned filler phrases ───

var bannedPhrases = []string{
	"happy to help",
	"let me know if",
	"great question",
	"i can see that you",
	"as an ai",
	"feel free to",
	"i hope this helps",
	"is there anything else",
}

func checkBannedPhrases(in Input) Verdict {
	lower := strings.ToLower(in.Text)
	for _, p := range bannedPhrases {
		if strings.Contains(lower, p) {
			return blocked("banned_phrase", "contains filler phrase: "+p)
		}
	}
	return allowed
}

// ─── length cap ───

// WordCap returns the maximum response word count for the given mode and
// frame-injection state.
func WordCap(mode types.Mode, frameInjected bool) int {
	if mode == types.ModeDriving {
		if frameInjected {
			return 25
		}
		return 15
	}
	if frameInjected {
		return 100
	}
	return 50
}

func checkLengthCap(in Input) Verdict {
	limit := WordCap(in.Mode, in.FrameInjected)
	words := len(strings.Fields(in.Text))
	if words > limit {
		return blocked("length_cap", "response too long")
	}
	return allowed
}

// ─── rate floor ───

func checkRateFloor(in Input) Verdict {
	if in.LastResponseAt.IsZero() {
		return allowed
	}
	if in.Now.Sub(in.LastResponseAt) < minResponseGap {
		return blocked("rate_floor", "responding too fast")
	}
	return allowed
}

// ─── semantic deduplication ───

func checkDuplicate(in Input) Verdict {
	recent := in.RecentResponses
	if len(recent) > recentWindow {
		recent = recent[len(recent)-recentWindow:]
	}
	candidate := wordSet(in.Text)
	for _, prev := range recent {
		if jaccard(candidate, wordSet(prev)) >= DedupThreshold {
			return blocked("duplicate", "repeats a recent response")
		}
	}
	return allowed
}

// Similarity returns the word-set Jaccard similarity of two texts in [0,1].
func Similarity(a, b string) float64 {
	return jaccard(wordSet(a), wordSet(b))
}

// nonWord strips everything that is not a letter or digit when building word sets.
var nonWord = regexp.MustCompile(`[^a-z0-9]+`)

// wordSet lowercases, strips punctuation, and returns the set of words.
func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = nonWord.ReplaceAllString(w, "")
		if w != "" {
			set[w] = struct{}{}
		}
	}
	return set
}

// jaccard computes |a∩b| / |a∪b|. Two empty sets are identical.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
