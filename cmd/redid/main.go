// Command redid is the Redi real-time assistant server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/redi-labs/redi/internal/analytics"
	"github.com/redi-labs/redi/internal/broker"
	"github.com/redi-labs/redi/internal/config"
	"github.com/redi-labs/redi/internal/gateway"
	"github.com/redi-labs/redi/internal/health"
	"github.com/redi-labs/redi/internal/observe"
	"github.com/redi-labs/redi/internal/redemption"
	"github.com/redi-labs/redi/internal/resilience"
	"github.com/redi-labs/redi/internal/screenshare"
	"github.com/redi-labs/redi/internal/session"
	"github.com/redi-labs/redi/internal/spend"
	"github.com/redi-labs/redi/pkg/provider/llm"
	"github.com/redi-labs/redi/pkg/provider/llm/anyllm"
	openaillm "github.com/redi-labs/redi/pkg/provider/llm/openai"
	"github.com/redi-labs/redi/pkg/provider/stt"
	"github.com/redi-labs/redi/pkg/provider/stt/deepgram"
	"github.com/redi-labs/redi/pkg/provider/tts"
	"github.com/redi-labs/redi/pkg/provider/tts/elevenlabs"
	"github.com/redi-labs/redi/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// .env is a development convenience; missing is fine.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "redid: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "redid: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)
	slog.Info("redid starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "redid"})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("metrics init failed", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	// Missing credentials leave the pipeline nil: the server still starts so
	// health and metrics stay reachable, but new sessions are refused.
	pipeline, voice, err := buildPipeline(cfg)
	if err != nil {
		slog.Warn("providers unavailable, new sessions will be refused", "err", err)
	}

	// ── Stores ────────────────────────────────────────────────────────────────
	spendFile := cfg.Spend.File
	if spendFile == "" {
		spendFile = "data/spend.json"
	}
	tracker, err := spend.NewTracker(spendFile, cfg.Spend.MonthlyCapUSD, cfg.Spend.CostPer1KCharsUSD,
		spend.WithLogger(logger),
		spend.WithMinuteCost(cfg.Spend.CostPerMinuteUSD))
	if err != nil {
		slog.Error("spend tracker init failed", "err", err)
		return 1
	}

	var store *analytics.Store
	var mirror *analytics.PostgresMirror
	if cfg.Analytics.Dir != "" {
		storeOpts := []analytics.Option{analytics.WithLogger(logger)}
		if dsn := cfg.Analytics.PostgresDSN; dsn != "" {
			mirror, err = analytics.NewPostgresMirror(ctx, dsn)
			if err != nil {
				slog.Error("analytics mirror init failed", "err", err)
				return 1
			}
			defer mirror.Close()
			storeOpts = append(storeOpts, analytics.WithMirror(mirror))
		}
		store, err = analytics.NewStore(cfg.Analytics.Dir, storeOpts...)
		if err != nil {
			slog.Error("analytics store init failed", "err", err)
			return 1
		}
	}

	var tokens *redemption.Store
	if cfg.Redemption.File != "" {
		ttl := time.Duration(cfg.Redemption.TTLHours) * time.Hour
		tokens, err = redemption.NewStore(cfg.Redemption.File, ttl, redemption.WithLogger(logger))
		if err != nil {
			slog.Error("redemption store init failed", "err", err)
			return 1
		}
	}

	var shares *screenshare.Manager
	if cfg.ScreenShare.ScreenShareEnabled() {
		shares = screenshare.NewManager(
			screenshare.WithLogger(logger),
			screenshare.WithCodeExpiry(time.Duration(cfg.ScreenShare.CodeExpiryMinutes)*time.Minute),
		)
	}

	// ── Gateway ───────────────────────────────────────────────────────────────
	registry := session.NewRegistry(logger)
	gwOpts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
		gateway.WithCredits(tracker),
		gateway.WithCreditTick(time.Duration(cfg.Spend.CreditTickSeconds) * time.Second),
	}
	if store != nil {
		gwOpts = append(gwOpts, gateway.WithTurnSink(store))
	}
	if tokens != nil {
		gwOpts = append(gwOpts, gateway.WithRedemption(tokens))
	}
	if shares != nil {
		gwOpts = append(gwOpts, gateway.WithScreenShare(shares))
	}
	handler := gateway.NewHandler(
		gateway.Config{
			DefaultMode:        cfg.Policy.Mode(),
			DefaultSensitivity: cfg.Policy.DefaultSensitivity,
			InsightInterval:    time.Duration(cfg.Policy.InsightIntervalSeconds) * time.Second,
			STTConfig: stt.StreamConfig{
				SampleRate:     16000,
				Channels:       1,
				Encoding:       "linear16",
				Language:       cfg.Providers.STT.Language,
				UtteranceEndMs: cfg.Providers.STT.UtteranceEndMs,
			},
			Voice:         voice,
			SessionBudget: time.Duration(cfg.Policy.SessionBudgetSeconds) * time.Second,
		},
		registry, pipeline, newBreakers(), gwOpts...,
	)

	// ── HTTP server ───────────────────────────────────────────────────────────
	probes := []health.Probe{
		{Name: "providers", Run: func(context.Context) error {
			if pipeline == nil {
				return errors.New("provider credentials missing")
			}
			return nil
		}},
	}
	if cfg.Analytics.Dir != "" {
		probes = append(probes, health.Probe{Name: "analytics", Run: func(context.Context) error {
			_, err := os.Stat(cfg.Analytics.Dir)
			return err
		}})
	}
	if mirror != nil {
		probes = append(probes, health.Probe{Name: "postgres", Run: mirror.Ping})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/redi", handler.ServeRedi)
	mux.HandleFunc("/ws/screen", handler.ServeScreen)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(probes...).WithStats(func() map[string]any {
		s := tracker.Snapshot()
		return map[string]any{
			"sessions":       registry.Len(),
			"spendMonth":     s.Month,
			"spendRemaining": s.RemainingUSD,
		}
	}).Register(mux)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, ctx := errgroup.WithContext(ctx)
	if store != nil {
		flush := time.Duration(cfg.Analytics.FlushIntervalSeconds) * time.Second
		g.Go(func() error {
			store.Run(ctx, flush)
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shCtx)
	})
	g.Go(func() error {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)
		var err error
		if tlsCfg := cfg.Server.TLS; tlsCfg != nil {
			err = srv.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ─── provider wiring ─────────────────────────────────────────────────────────

// brainKeyEnv maps a brain provider name to its API key variable.
var brainKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"groq":      "GROQ_API_KEY",
	"cerebras":  "CEREBRAS_API_KEY",
	"together":  "TOGETHER_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

// buildPipeline constructs the STT, brain, and TTS providers from config and
// environment credentials. Any missing credential fails the whole pipeline;
// the caller degrades to a sessionless server.
func buildPipeline(cfg *config.Config) (*broker.Pipeline, tts.VoiceProfile, error) {
	var voice tts.VoiceProfile

	dgKey := os.Getenv("DEEPGRAM_API_KEY")
	if dgKey == "" {
		return nil, voice, errors.New("DEEPGRAM_API_KEY is not set")
	}
	var sttOpts []deepgram.Option
	if m := cfg.Providers.STT.Model; m != "" {
		sttOpts = append(sttOpts, deepgram.WithModel(m))
	}
	if l := cfg.Providers.STT.Language; l != "" {
		sttOpts = append(sttOpts, deepgram.WithLanguage(l))
	}
	sttProvider, err := deepgram.New(dgKey, sttOpts...)
	if err != nil {
		return nil, voice, fmt.Errorf("create stt provider: %w", err)
	}

	brains := make(map[types.Brain]llm.Provider)
	for brain, bc := range map[types.Brain]config.BrainConfig{
		types.BrainFast:  cfg.Providers.Brains.Fast,
		types.BrainDeep:  cfg.Providers.Brains.Deep,
		types.BrainVoice: cfg.Providers.Brains.Voice,
	} {
		p, err := buildBrain(bc)
		if err != nil {
			return nil, voice, fmt.Errorf("create %s brain: %w", brain, err)
		}
		if p != nil {
			brains[brain] = p
			slog.Info("brain provider created",
				"brain", brain, "provider", bc.Provider, "model", bc.Model)
		}
	}
	if brains[types.BrainFast] == nil {
		return nil, voice, errors.New("providers.brains.fast is not configured")
	}

	elKey := os.Getenv("ELEVENLABS_API_KEY")
	if elKey == "" {
		return nil, voice, errors.New("ELEVENLABS_API_KEY is not set")
	}
	var ttsOpts []elevenlabs.Option
	if m := cfg.Providers.TTS.Model; m != "" {
		ttsOpts = append(ttsOpts, elevenlabs.WithModel(m))
	}
	if f := cfg.Providers.TTS.OutputFormat; f != "" {
		ttsOpts = append(ttsOpts, elevenlabs.WithOutputFormat(f))
	}
	ttsProvider, err := elevenlabs.New(elKey, ttsOpts...)
	if err != nil {
		return nil, voice, fmt.Errorf("create tts provider: %w", err)
	}

	voiceID := cfg.Providers.TTS.VoiceID
	if voiceID == "" {
		voiceID = os.Getenv("ELEVENLABS_SANTA_VOICE_ID")
	}
	if voiceID == "" {
		return nil, voice, errors.New("no TTS voice configured (providers.tts.voice_id or ELEVENLABS_SANTA_VOICE_ID)")
	}
	voice = tts.VoiceProfile{ID: voiceID, Provider: "elevenlabs"}

	return &broker.Pipeline{STT: sttProvider, Brains: brains, TTS: ttsProvider}, voice, nil
}

// buildBrain constructs one LLM provider, or nil when the slot is not
// configured.
func buildBrain(bc config.BrainConfig) (llm.Provider, error) {
	if bc.Provider == "" {
		return nil, nil
	}
	envKey, ok := brainKeyEnv[bc.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown brain provider %q", bc.Provider)
	}
	key := os.Getenv(envKey)
	if key == "" {
		return nil, fmt.Errorf("%s is not set", envKey)
	}

	if bc.Provider == "openai" {
		var opts []openaillm.Option
		if bc.TimeoutSeconds > 0 {
			opts = append(opts, openaillm.WithTimeout(time.Duration(bc.TimeoutSeconds)*time.Second))
		}
		return openaillm.New(key, bc.Model, opts...)
	}
	return anyllm.New(bc.Provider, bc.Model, anyllmlib.WithAPIKey(key))
}

// newBreakers builds the process-global circuit breakers: one per brain so a
// failing deep model degrades to fast, plus one for TTS.
func newBreakers() broker.Breakers {
	mk := func(name string) *resilience.CircuitBreaker {
		return resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         name,
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
		})
	}
	llms := make(map[types.Brain]*resilience.CircuitBreaker)
	for _, b := range []types.Brain{types.BrainFast, types.BrainDeep, types.BrainVoice} {
		llms[b] = mk("llm." + string(b))
	}
	return broker.Breakers{LLM: llms, TTS: mk("tts")}
}

// ─── logger ──────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
