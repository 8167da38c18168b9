package broker

import (
	"fmt"
	"strings"

	"github.com/redi-labs/redi/internal/guard"
	"github.com/redi-labs/redi/pkg/provider/llm"
	"github.com/redi-labs/redi/pkg/types"
)

// basePersona is the shared system prompt core. Mode addenda and the word cap
// are appended per turn.
const basePersona = `You are Redi, a hands-free voice assistant that hears the user and sees through their camera. You speak out loud, so answer the way a person would: direct, specific, no lists, no markdown. Only describe what you can actually see in a provided camera frame; never invent visual detail.`

// modeAddenda tune the persona per activity.
var modeAddenda = map[types.Mode]string{
	types.ModeCooking:    "The user is cooking with their hands busy. Give one actionable step at a time.",
	types.ModeStudying:   "The user is studying. Explain clearly and check understanding.",
	types.ModeMeeting:    "The user is in a meeting. Be quiet unless addressed and keep answers brief.",
	types.ModeSports:     "The user is watching or playing sports. React fast and keep it short.",
	types.ModeMusic:      "The user is practicing music.",
	types.ModeAssembly:   "The user is assembling something. Reference parts by what they look like.",
	types.ModeMonitoring: "You are passively monitoring the scene. Only flag things that matter.",
	types.ModeDriving:    "The user is driving. Absolute brevity. Never give turn-by-turn directions, distances, or speed limits.",
}

// historyWindow is how many recent final transcripts are replayed as context.
const historyWindow = 8

func systemPrompt(mode types.Mode, frameInjected bool) string {
	var sb strings.Builder
	sb.WriteString(basePersona)
	if add, ok := modeAddenda[mode]; ok {
		sb.WriteString(" ")
		sb.WriteString(add)
	}
	fmt.Fprintf(&sb, " Keep your answer under %d words.", guard.WordCap(mode, frameInjected))
	return sb.String()
}

// buildRequest assembles the completion request for a response turn: recent
// conversation history, ambient visual context, and the fresh camera frame
// when the model can take one.
func buildRequest(in turnInput, brain types.Brain, caps llm.ModelCapabilities) llm.CompletionRequest {
	msgs := make([]llm.Message, 0, historyWindow+2)

	if in.VisualContext != "" {
		msgs = append(msgs, llm.Message{
			Role:    "user",
			Content: "Ambient scene context from on-device perception: " + in.VisualContext,
		})
	}

	history := in.Transcripts
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	// The triggering transcript is already the last history entry.
	for _, t := range history {
		msgs = append(msgs, llm.Message{Role: "user", Content: t.Text})
	}
	if len(history) == 0 {
		msgs = append(msgs, llm.Message{Role: "user", Content: in.Text})
	}

	if in.FrameOK && caps.SupportsVision {
		last := &msgs[len(msgs)-1]
		last.Content = fmt.Sprintf("Current camera frame, captured %dms ago:\n%s",
			in.Frame.Age(in.Started).Milliseconds(), last.Content)
		last.Images = append(last.Images, in.Frame.Image)
	}

	return llm.CompletionRequest{
		Messages:     msgs,
		Temperature:  0.7,
		MaxTokens:    TokenBudget(brain),
		SystemPrompt: systemPrompt(in.Mode, in.FrameOK),
	}
}

// buildInsightRequest assembles the background scene-analysis request.
func buildInsightRequest(mode types.Mode, visualContext string, images []string) llm.CompletionRequest {
	content := "Observe the scene. If there is one genuinely useful thing to tell the user right now, say it in one short sentence. If nothing is worth saying, reply with an empty message."
	if visualContext != "" {
		content += "\nAmbient perception labels: " + visualContext
	}
	return llm.CompletionRequest{
		Messages: []llm.Message{{
			Role:    "user",
			Content: content,
			Images:  images,
		}},
		Temperature:  0.4,
		MaxTokens:    FastTokenBudget,
		SystemPrompt: systemPrompt(mode, len(images) > 0),
	}
}
