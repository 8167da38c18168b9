package deepgram

import (
	"net/url"
	"testing"
	"time"

	"github.com/redi-labs/redi/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cfg := stt.StreamConfig{
		SampleRate: 16000,
		Channels:   1,
		Language:   "en",
	}

	rawURL, err := p.buildURL(cfg)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "utterance_end_ms", "1000", q.Get("utterance_end_ms"))
	assertEqual(t, "vad_events", "true", q.Get("vad_events"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_CustomModel(t *testing.T) {
	p, err := New("key", WithModel("base"), WithLanguage("de-DE"), WithSampleRate(48000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
}

func TestBuildURL_EncodingAndUtteranceEnd(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{Encoding: "opus", UtteranceEndMs: 1500})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "encoding", "opus", q.Get("encoding"))
	assertEqual(t, "utterance_end_ms", "1500", q.Get("utterance_end_ms"))
}

func TestNew_EmptyKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("New(\"\") should return an error")
	}
}

// ---- response parsing tests ----

func TestParseDeepgramResponse_Final(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"speech_final": true,
		"channel": {
			"alternatives": [{
				"transcript": "hello world",
				"confidence": 0.98,
				"words": [
					{"word": "hello", "start": 0.1, "end": 0.4, "confidence": 0.99},
					{"word": "world", "start": 0.5, "end": 0.9, "confidence": 0.97}
				]
			}]
		}
	}`)

	tr, kind := parseDeepgramResponse(raw)
	if kind != eventFinal {
		t.Fatalf("kind = %v, want eventFinal", kind)
	}
	assertEqual(t, "text", "hello world", tr.Text)
	if !tr.IsFinal || !tr.SpeechFinal {
		t.Errorf("IsFinal=%v SpeechFinal=%v, want both true", tr.IsFinal, tr.SpeechFinal)
	}
	if tr.Confidence != 0.98 {
		t.Errorf("Confidence = %v, want 0.98", tr.Confidence)
	}
	if len(tr.Words) != 2 {
		t.Fatalf("len(Words) = %d, want 2", len(tr.Words))
	}
	if tr.Words[0].Start != 100*time.Millisecond {
		t.Errorf("Words[0].Start = %v, want 100ms", tr.Words[0].Start)
	}
}

func TestParseDeepgramResponse_Partial(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": false,
		"channel": {"alternatives": [{"transcript": "hel", "confidence": 0.5}]}
	}`)

	tr, kind := parseDeepgramResponse(raw)
	if kind != eventPartial {
		t.Fatalf("kind = %v, want eventPartial", kind)
	}
	assertEqual(t, "text", "hel", tr.Text)
}

func TestParseDeepgramResponse_UtteranceEnd(t *testing.T) {
	raw := []byte(`{"type": "UtteranceEnd", "last_word_end": 3.1}`)

	_, kind := parseDeepgramResponse(raw)
	if kind != eventUtteranceEnd {
		t.Fatalf("kind = %v, want eventUtteranceEnd", kind)
	}
}

func TestParseDeepgramResponse_Ignored(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"metadata", `{"type": "Metadata", "request_id": "abc"}`},
		{"empty transcript", `{"type": "Results", "is_final": true, "channel": {"alternatives": [{"transcript": ""}]}}`},
		{"no alternatives", `{"type": "Results", "channel": {"alternatives": []}}`},
		{"invalid json", `{not json`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, kind := parseDeepgramResponse([]byte(tc.raw)); kind != eventIgnore {
				t.Errorf("kind = %v, want eventIgnore", kind)
			}
		})
	}
}

func assertEqual(t *testing.T, what, want, got string) {
	t.Helper()
	if got != want {
		t.Errorf("%s = %q, want %q", what, got, want)
	}
}
