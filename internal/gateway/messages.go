package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/redi-labs/redi/pkg/types"
)

// Wire protocol of /ws/redi.
//
// Binary WebSocket frames carry raw microphone audio; everything else is a
// JSON text frame with a "type" discriminator. Client messages:
//
//	audio              mic chunk for clients without binary frames: {data} base64
//	frame              camera still: {image, capturedAtMs?}
//	perception         on-device labels: {objects, ocrText, pose, audioEvents,
//	                   scene, lightLevel, frame?}
//	user_speaking      voice activity started
//	user_stopped       voice activity ended
//	barge_in           hard-interrupt the current response
//	mode               {mode}
//	sensitivity        {value}
//	audio_output_mode  {mode} (host only)
//	session_end        end the session (host only)
//	ping               keepalive, answered with pong
//
// Server messages mirror the broker and session broadcasts: session_ready,
// transcript, ai_response, mute_mic, stop_audio, request_frame,
// visual_analysis, participant_joined, participant_left, tts_fallback,
// credits_update, error, session_end, pong. Synthesised speech arrives as
// binary frames, or as voice_audio {data} base64 messages on connections
// negotiated with audioFormat=base64.

// Client message types.
const (
	msgAudio           = "audio"
	msgFrame           = "frame"
	msgPerception      = "perception"
	msgUserSpeaking    = "user_speaking"
	msgUserStopped     = "user_stopped"
	msgBargeIn         = "barge_in"
	msgMode            = "mode"
	msgSensitivity     = "sensitivity"
	msgAudioOutputMode = "audio_output_mode"
	msgSessionEnd      = "session_end"
	msgPing            = "ping"
)

// envelope carries the discriminator; the full payload is re-parsed into the
// matching struct.
type envelope struct {
	Type string `json:"type"`
}

type audioMsg struct {
	Data string `json:"data"`
}

type frameMsg struct {
	Image        string `json:"image"`
	CapturedAtMs int64  `json:"capturedAtMs"`
}

type perceptionMsg struct {
	Objects []struct {
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
	} `json:"objects"`
	OCRText     string   `json:"ocrText"`
	Pose        string   `json:"pose"`
	AudioEvents []string `json:"audioEvents"`
	Scene       []string `json:"scene"`
	LightLevel  float64  `json:"lightLevel"`
	Frame       string   `json:"frame"`
}

type modeMsg struct {
	Mode string `json:"mode"`
}

type sensitivityMsg struct {
	Value float64 `json:"value"`
}

type audioOutputModeMsg struct {
	Mode string `json:"mode"`
}

// perception converts the wire form into the broker's type.
func (m perceptionMsg) perception() types.Perception {
	p := types.Perception{
		OCRText:     m.OCRText,
		Pose:        m.Pose,
		AudioEvents: m.AudioEvents,
		Scene:       m.Scene,
		LightLevel:  m.LightLevel,
		Frame:       m.Frame,
	}
	for _, o := range m.Objects {
		p.Objects = append(p.Objects, types.LabelScore{
			Label:      o.Label,
			Confidence: o.Confidence,
		})
	}
	return p
}

// parseMessage decodes the envelope and returns the type plus the raw bytes
// for a second, message-specific pass.
func parseMessage(data []byte) (string, []byte, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("gateway: malformed message: %w", err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("gateway: message without type")
	}
	return env.Type, data, nil
}
