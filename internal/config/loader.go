package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/redi-labs/redi/pkg/types"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per pipeline stage.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":   {"deepgram"},
	"brain": {"openai", "groq", "cerebras", "together", "anthropic"},
	"tts":   {"elevenlabs"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults fills zero-valued tunables with their documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Policy.DefaultSensitivity == 0 {
		cfg.Policy.DefaultSensitivity = 0.5
	}
	if cfg.Policy.InsightIntervalSeconds == 0 {
		cfg.Policy.InsightIntervalSeconds = 45
	}
	if cfg.Spend.MonthlyCapUSD == 0 {
		cfg.Spend.MonthlyCapUSD = 250
	}
	if cfg.Spend.CostPer1KCharsUSD == 0 {
		cfg.Spend.CostPer1KCharsUSD = 0.11
	}
	if cfg.Spend.CreditTickSeconds == 0 {
		cfg.Spend.CreditTickSeconds = 60
	}
	if cfg.Analytics.FlushIntervalSeconds == 0 {
		cfg.Analytics.FlushIntervalSeconds = 5
	}
	if cfg.Redemption.TTLHours == 0 {
		cfg.Redemption.TTLHours = 72
	}
	if cfg.ScreenShare.CodeExpiryMinutes == 0 {
		cfg.ScreenShare.CodeExpiryMinutes = 5
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("brain", cfg.Providers.Brains.Fast.Provider)
	validateProviderName("brain", cfg.Providers.Brains.Deep.Provider)
	validateProviderName("brain", cfg.Providers.Brains.Voice.Provider)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	// Brain model requirements.
	if cfg.Providers.Brains.Fast.Provider != "" && cfg.Providers.Brains.Fast.Model == "" {
		errs = append(errs, errors.New("providers.brains.fast.model is required when a provider is set"))
	}
	if cfg.Providers.Brains.Deep.Provider != "" && cfg.Providers.Brains.Deep.Model == "" {
		errs = append(errs, errors.New("providers.brains.deep.model is required when a provider is set"))
	}
	if cfg.Providers.Brains.Voice.Provider != "" && cfg.Providers.Brains.Voice.Model == "" {
		errs = append(errs, errors.New("providers.brains.voice.model is required when a provider is set"))
	}

	// Policy
	if cfg.Policy.DefaultSensitivity < 0 || cfg.Policy.DefaultSensitivity > 1 {
		errs = append(errs, fmt.Errorf("policy.default_sensitivity %.2f is out of range [0, 1]", cfg.Policy.DefaultSensitivity))
	}
	if cfg.Policy.DefaultMode != "" && !types.Mode(cfg.Policy.DefaultMode).IsValid() {
		errs = append(errs, fmt.Errorf("policy.default_mode %q is not a recognised mode", cfg.Policy.DefaultMode))
	}

	// Spend
	if cfg.Spend.MonthlyCapUSD < 0 {
		errs = append(errs, fmt.Errorf("spend.monthly_cap_usd %.2f must not be negative", cfg.Spend.MonthlyCapUSD))
	}
	if cfg.Spend.CostPer1KCharsUSD < 0 {
		errs = append(errs, fmt.Errorf("spend.cost_per_1k_chars_usd %.4f must not be negative", cfg.Spend.CostPer1KCharsUSD))
	}
	if cfg.Spend.CostPerMinuteUSD < 0 {
		errs = append(errs, fmt.Errorf("spend.cost_per_minute_usd %.4f must not be negative", cfg.Spend.CostPerMinuteUSD))
	}
	if cfg.Policy.SessionBudgetSeconds < 0 {
		errs = append(errs, fmt.Errorf("policy.session_budget_seconds %d must not be negative", cfg.Policy.SessionBudgetSeconds))
	}

	// Redemption
	if cfg.Redemption.TTLHours < 0 {
		errs = append(errs, fmt.Errorf("redemption.ttl_hours %d must not be negative", cfg.Redemption.TTLHours))
	}

	if cfg.Analytics.Dir == "" {
		slog.Warn("analytics.dir is empty; turn records will not be persisted")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
