package broker

import (
	"testing"

	"github.com/redi-labs/redi/pkg/types"
)

func TestRoute(t *testing.T) {
	cases := []struct {
		name       string
		text       string
		mode       types.Mode
		freshFrame bool
		wantBrain  types.Brain
		wantReason string
	}{
		{
			name:       "driving defaults fast",
			text:       "is the engine light still on",
			mode:       types.ModeDriving,
			wantBrain:  types.BrainFast,
			wantReason: "mode_latency",
		},
		{
			name:       "sports defaults fast",
			text:       "what was the score on that play",
			mode:       types.ModeSports,
			wantBrain:  types.BrainFast,
			wantReason: "mode_latency",
		},
		{
			name:       "cooking defaults fast",
			text:       "the sauce is simmering now",
			mode:       types.ModeCooking,
			wantBrain:  types.BrainFast,
			wantReason: "mode_latency",
		},
		{
			name:       "reasoning keyword outranks driving mode",
			text:       "should i take this exit",
			mode:       types.ModeDriving,
			wantBrain:  types.BrainDeep,
			wantReason: "keyword:should i",
		},
		{
			name:       "reasoning keyword outranks cooking mode",
			text:       "explain what deglazing does",
			mode:       types.ModeCooking,
			wantBrain:  types.BrainDeep,
			wantReason: "keyword:explain",
		},
		{
			name:       "reasoning keyword goes deep",
			text:       "can you explain how this works",
			mode:       types.ModeGeneral,
			wantBrain:  types.BrainDeep,
			wantReason: "keyword:explain",
		},
		{
			name:       "advice keyword goes deep",
			text:       "I need some advice on this",
			mode:       types.ModeGeneral,
			wantBrain:  types.BrainDeep,
			wantReason: "keyword:advice",
		},
		{
			name:       "studying defaults deep",
			text:       "next flashcard please",
			mode:       types.ModeStudying,
			wantBrain:  types.BrainDeep,
			wantReason: "mode_depth",
		},
		{
			name:       "meeting defaults deep",
			text:       "take a note of that",
			mode:       types.ModeMeeting,
			wantBrain:  types.BrainDeep,
			wantReason: "mode_depth",
		},
		{
			name:       "visual question with fresh frame goes deep",
			text:       "what do you see here",
			mode:       types.ModeGeneral,
			freshFrame: true,
			wantBrain:  types.BrainDeep,
			wantReason: "visual_question",
		},
		{
			name:       "visual question without fresh frame stays fast",
			text:       "what do you see here",
			mode:       types.ModeGeneral,
			wantBrain:  types.BrainFast,
			wantReason: "default",
		},
		{
			name:       "plain chat stays fast",
			text:       "turn up the volume",
			mode:       types.ModeGeneral,
			wantBrain:  types.BrainFast,
			wantReason: "default",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			brain, reason := Route(tc.text, tc.mode, tc.freshFrame)
			if brain != tc.wantBrain || reason != tc.wantReason {
				t.Errorf("Route(%q, %s, %v) = (%s, %q), want (%s, %q)",
					tc.text, tc.mode, tc.freshFrame, brain, reason, tc.wantBrain, tc.wantReason)
			}
		})
	}
}

func TestTokenBudget(t *testing.T) {
	if got := TokenBudget(types.BrainFast); got != FastTokenBudget {
		t.Errorf("fast budget = %d, want %d", got, FastTokenBudget)
	}
	if got := TokenBudget(types.BrainVoice); got != FastTokenBudget {
		t.Errorf("voice budget = %d, want %d", got, FastTokenBudget)
	}
	if got := TokenBudget(types.BrainDeep); got != DeepTokenBudget {
		t.Errorf("deep budget = %d, want %d", got, DeepTokenBudget)
	}
}
