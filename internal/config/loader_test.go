package config

import (
	"strings"
	"testing"
)

const validYAML = `
server:
  listen_addr: ":9090"
  log_level: "debug"
providers:
  stt:
    name: deepgram
    model: nova-3
    language: en
  brains:
    fast:
      provider: groq
      model: llama-3.3-70b-versatile
    deep:
      provider: openai
      model: gpt-4o
    voice:
      provider: cerebras
      model: llama-3.3-70b
  tts:
    name: elevenlabs
    model: eleven_flash_v2_5
    output_format: mp3_44100_128
policy:
  default_sensitivity: 0.7
  default_mode: cooking
spend:
  file: /var/lib/redi/spend.json
  monthly_cap_usd: 100
analytics:
  dir: /var/lib/redi/analytics
redemption:
  file: /var/lib/redi/redemption.json
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("LogLevel = %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Providers.Brains.Deep.Model != "gpt-4o" {
		t.Errorf("deep model = %q, want gpt-4o", cfg.Providers.Brains.Deep.Model)
	}
	if cfg.Policy.DefaultSensitivity != 0.7 {
		t.Errorf("DefaultSensitivity = %v, want 0.7", cfg.Policy.DefaultSensitivity)
	}
	if cfg.Spend.MonthlyCapUSD != 100 {
		t.Errorf("MonthlyCapUSD = %v, want 100", cfg.Spend.MonthlyCapUSD)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader("server:\n  listen_addr: \":8080\"\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Policy.DefaultSensitivity != 0.5 {
		t.Errorf("DefaultSensitivity = %v, want 0.5", cfg.Policy.DefaultSensitivity)
	}
	if cfg.Policy.InsightIntervalSeconds != 45 {
		t.Errorf("InsightIntervalSeconds = %d, want 45", cfg.Policy.InsightIntervalSeconds)
	}
	if cfg.Spend.MonthlyCapUSD != 250 {
		t.Errorf("MonthlyCapUSD = %v, want 250", cfg.Spend.MonthlyCapUSD)
	}
	if cfg.Spend.CreditTickSeconds != 60 {
		t.Errorf("CreditTickSeconds = %d, want 60", cfg.Spend.CreditTickSeconds)
	}
	if cfg.Redemption.TTLHours != 72 {
		t.Errorf("TTLHours = %d, want 72", cfg.Redemption.TTLHours)
	}
	if !cfg.ScreenShare.ScreenShareEnabled() {
		t.Error("screen share should default to enabled")
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("server:\n  bogus_field: true\n"))
	if err == nil {
		t.Fatal("unknown fields should be rejected")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := &Config{}
	cfg.Server.LogLevel = "loud"
	cfg.Policy.DefaultSensitivity = 1.5
	cfg.Policy.DefaultMode = "skydiving"
	cfg.Spend.MonthlyCapUSD = -1
	cfg.Providers.Brains.Fast.Provider = "groq" // model missing

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	msg := err.Error()
	for _, want := range []string{
		"server.log_level",
		"default_sensitivity",
		"default_mode",
		"monthly_cap_usd",
		"brains.fast.model",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error should mention %q; got: %s", want, msg)
		}
	}
}

func TestValidate_TLSRequiresBothFiles(t *testing.T) {
	cfg := &Config{}
	cfg.Server.TLS = &TLSConfig{CertFile: "cert.pem"}
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "cert_file and key_file") {
		t.Fatalf("err = %v, want TLS validation failure", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/redi.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
