package broker

import (
	"strings"

	"github.com/redi-labs/redi/pkg/types"
)

// Token budgets per brain. Voice-first responses stay short; deep reasoning
// gets room to explain.
const (
	FastTokenBudget = 150
	DeepTokenBudget = 300
)

// deepKeywords mark utterances that want reasoning over reflex.
var deepKeywords = []string{
	"explain",
	"why",
	"analyze",
	"compare",
	"strategy",
	"should i",
	"what do you think",
	"advice",
	"recommend",
	"confused",
}

// fastModes always route to the fast brain: latency beats depth when the
// user's hands and attention are busy.
var fastModes = map[types.Mode]struct{}{
	types.ModeDriving: {},
	types.ModeSports:  {},
	types.ModeCooking: {},
}

// deepModes prefer the deep brain by default.
var deepModes = map[types.Mode]struct{}{
	types.ModeStudying: {},
	types.ModeMeeting:  {},
}

// Route picks the brain for a response turn and reports why.
//
// Precedence: reasoning keywords go deep even in latency-critical modes; then
// driving/sports/cooking go fast; study and meeting modes go deep; a visual
// question with a fresh frame goes deep for vision reasoning; everything else
// goes fast.
func Route(text string, mode types.Mode, freshFrame bool) (types.Brain, string) {
	lower := strings.ToLower(text)
	for _, kw := range deepKeywords {
		if strings.Contains(lower, kw) {
			return types.BrainDeep, "keyword:" + kw
		}
	}

	if _, ok := fastModes[mode]; ok {
		return types.BrainFast, "mode_latency"
	}

	if _, ok := deepModes[mode]; ok {
		return types.BrainDeep, "mode_depth"
	}

	if freshFrame && IsVisualQuestion(text) {
		return types.BrainDeep, "visual_question"
	}

	return types.BrainFast, "default"
}

// TokenBudget returns the output-token cap for a brain.
func TokenBudget(b types.Brain) int {
	if b == types.BrainDeep {
		return DeepTokenBudget
	}
	return FastTokenBudget
}
