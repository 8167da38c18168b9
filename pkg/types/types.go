// Package types defines the shared types used across all Redi packages.
//
// These types form the lingua franca between providers, the per-session
// broker, the guard layer, and the analytics sink. They are intentionally
// minimal — each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import "time"

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial (interim) transcript.
	IsFinal bool

	// SpeechFinal indicates the provider considers the utterance itself complete
	// (endpointing fired), not merely that this segment is finalised.
	SpeechFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the provider
	// does not report confidence.
	Confidence float64

	// Words contains per-word detail when available. May be nil.
	Words []WordDetail

	// DeviceID identifies the client device whose audio produced this transcript.
	DeviceID string

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Frame is a still camera image captured on a client device.
type Frame struct {
	// DeviceID identifies the device that captured the frame.
	DeviceID string

	// Image is the base64-encoded JPEG payload, stripped of whitespace.
	Image string

	// CapturedAt is when the frame was captured (server receive time when the
	// client does not report a capture timestamp).
	CapturedAt time.Time
}

// Age returns how old the frame is relative to now.
func (f Frame) Age(now time.Time) time.Duration {
	return now.Sub(f.CapturedAt)
}

// Perception is a structured client-supplied observation packet. When present
// and fresh it enriches LLM prompts; it never constrains them.
type Perception struct {
	// Objects lists detected object labels with confidences.
	Objects []LabelScore

	// OCRText is text recognised in the camera view.
	OCRText string

	// Pose is a coarse body-pose descriptor.
	Pose string

	// AudioEvents lists non-speech audio event labels (e.g., "doorbell").
	AudioEvents []string

	// Scene lists scene-classification labels.
	Scene []string

	// LightLevel is the measured ambient light in [0,1].
	LightLevel float64

	// Frame is an optional fallback camera frame (base64 JPEG).
	Frame string

	// ReceivedAt is when the packet arrived at the broker.
	ReceivedAt time.Time
}

// LabelScore pairs a classifier label with its confidence.
type LabelScore struct {
	Label      string
	Confidence float64
}

// Mode is a coarse domain profile that tunes prompts, guards, and brain routing.
type Mode string

const (
	ModeGeneral    Mode = "general"
	ModeCooking    Mode = "cooking"
	ModeStudying   Mode = "studying"
	ModeMeeting    Mode = "meeting"
	ModeSports     Mode = "sports"
	ModeMusic      Mode = "music"
	ModeAssembly   Mode = "assembly"
	ModeMonitoring Mode = "monitoring"
	ModeDriving    Mode = "driving"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeGeneral, ModeCooking, ModeStudying, ModeMeeting, ModeSports,
		ModeMusic, ModeAssembly, ModeMonitoring, ModeDriving:
		return true
	}
	return false
}

// Brain identifies one of the LLM pipelines.
type Brain string

const (
	// BrainFast is the low-latency text model used for quick conversational turns.
	BrainFast Brain = "fast"

	// BrainDeep is the vision-capable reasoning model.
	BrainDeep Brain = "deep"

	// BrainVoice is the reserved secondary text model for voice-first replies.
	BrainVoice Brain = "voice"
)

// AudioOutputMode controls which devices receive synthesised audio.
type AudioOutputMode string

const (
	// AudioHostOnly delivers assistant audio to the host device only.
	AudioHostOnly AudioOutputMode = "host_only"

	// AudioAllDevices delivers assistant audio to every connected device.
	AudioAllDevices AudioOutputMode = "all_devices"
)

// IsValid reports whether m is a recognised audio output mode.
func (m AudioOutputMode) IsValid() bool {
	return m == AudioHostOnly || m == AudioAllDevices
}

// TurnRecord is the append-only per-turn analytics row. One record is written
// for every turn, including blocked, dropped, and cancelled turns.
type TurnRecord struct {
	SessionID      string    `json:"sessionId"`
	TurnID         string    `json:"turnId"`
	Timestamp      time.Time `json:"timestamp"`
	Mode           Mode      `json:"mode"`
	UserTranscript string    `json:"userTranscript"`
	Prompted       bool      `json:"prompted"`
	Brain          Brain     `json:"brain,omitempty"`
	RouteReason    string    `json:"routeReason,omitempty"`
	InputTokens    int       `json:"inputTokens,omitempty"`
	OutputTokens   int       `json:"outputTokens,omitempty"`
	FrameInjected  bool      `json:"frameInjected"`
	FrameAgeMs     int64     `json:"frameAgeMs,omitempty"`
	LLMLatencyMs   int64     `json:"llmLatencyMs,omitempty"`
	TTSBytes       int       `json:"ttsBytes,omitempty"`
	GuardVerdict   string    `json:"guardVerdict"`
	InputWarnings  []string  `json:"inputWarnings,omitempty"`
	Response       string    `json:"response,omitempty"`
	Cancelled      bool      `json:"cancelled"`
	WallTimeMs     int64     `json:"wallTimeMs"`
}
