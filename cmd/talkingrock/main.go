// Command talkingrock is the portfolio inference gateway: one HTTP server
// that answers visitor questions about Kellogg through a local model
// pipeline and files contact messages into the owner's inbox.
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
	"go.opentelemetry.io/otel"

	"github.com/kbrengel/talkingrock/internal/admin"
	"github.com/kbrengel/talkingrock/internal/app"
	"github.com/kbrengel/talkingrock/internal/config"
	"github.com/kbrengel/talkingrock/internal/convo"
	"github.com/kbrengel/talkingrock/internal/health"
	"github.com/kbrengel/talkingrock/internal/inbox"
	"github.com/kbrengel/talkingrock/internal/knowledge"
	"github.com/kbrengel/talkingrock/internal/notify"
	"github.com/kbrengel/talkingrock/internal/observe"
	"github.com/kbrengel/talkingrock/internal/pipeline"
	"github.com/kbrengel/talkingrock/internal/ratelimit"
	"github.com/kbrengel/talkingrock/internal/reqlog"
	"github.com/kbrengel/talkingrock/internal/tools"
	"github.com/kbrengel/talkingrock/pkg/provider/embeddings"
	ollamaembed "github.com/kbrengel/talkingrock/pkg/provider/embeddings/ollama"
	oaembed "github.com/kbrengel/talkingrock/pkg/provider/embeddings/openai"
	"github.com/kbrengel/talkingrock/pkg/provider/llm"
	"github.com/kbrengel/talkingrock/pkg/provider/llm/anyllm"
	ollamallm "github.com/kbrengel/talkingrock/pkg/provider/llm/ollama"
	oallm "github.com/kbrengel/talkingrock/pkg/provider/llm/openai"
)

// sweepInterval is how often expired conversations are evicted.
const sweepInterval = time.Minute

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "path to an optional .env file holding secrets")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	// Secrets (ip salt, webhook url, analytics DSN) are environment-only so
	// they never live in the config file; a local .env is a development
	// convenience, not a requirement.
	envLoaded := godotenv.Load(*envPath) == nil

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "talkingrock: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "talkingrock: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	if envLoaded {
		slog.Info("environment file loaded", "path", *envPath)
	}
	slog.Info("talkingrock starting",
		"version", app.Version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "talkingrock",
		ServiceVersion: app.Version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metric instruments", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Model backends ────────────────────────────────────────────────────────
	backends, err := buildBackends(cfg, reg)
	if err != nil {
		slog.Error("failed to build model backends", "err", err)
		return 1
	}

	// ── Knowledge registry ────────────────────────────────────────────────────
	kb := knowledge.New(knowledge.Config{
		Dir:             cfg.Knowledge.ContextDir,
		MaxContextChars: cfg.Knowledge.MaxContextChars,
	})
	if err := kb.Load(ctx); err != nil {
		slog.Error("failed to load context documents", "dir", cfg.Knowledge.ContextDir, "err", err)
		return 1
	}
	if cfg.Knowledge.Watch {
		watcher := knowledge.NewWatcher(kb, nil,
			knowledge.WithInterval(time.Duration(cfg.Knowledge.PollSeconds)*time.Second))
		defer watcher.Stop()
	}

	// ── Stores ────────────────────────────────────────────────────────────────
	convos := convo.New(convo.Config{
		MaxTurns:         cfg.Conversation.MaxTurns,
		TTL:              time.Duration(cfg.Conversation.TTLSeconds) * time.Second,
		MaxConversations: cfg.Conversation.MaxConversations,
	})
	stopSweeper := convos.StartSweeper(ctx, sweepInterval)
	defer stopSweeper()
	if err := metrics.RegisterActiveConversations(func() int64 { return int64(convos.Len()) }); err != nil {
		slog.Warn("conversation gauge registration failed", "err", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		PerIPMinute:  cfg.Limits.RatePerIPMinute,
		PerIPHour:    cfg.Limits.RatePerIPHour,
		GlobalMinute: cfg.Limits.RateGlobalMinute,
	})

	store, err := inbox.New(cfg.Inbox.Dir)
	if err != nil {
		slog.Error("failed to open inbox store", "dir", cfg.Inbox.Dir, "err", err)
		return 1
	}

	// ── Notifications and tools ───────────────────────────────────────────────
	var notifier app.Notifier
	var toolOpts []tools.Option
	if cfg.Notify.WebhookURL != "" {
		d, err := notify.NewDiscord(cfg.Notify.WebhookURL, notify.WithUsername(cfg.Notify.Username))
		if err != nil {
			slog.Error("invalid notify webhook", "err", err)
			return 1
		}
		notifier = d
		toolOpts = append(toolOpts, tools.WithSavedHook(d.MessageSaved))
		slog.Info("contact notifications enabled")
	}
	executor := tools.NewExecutor(store, toolOpts...)

	// ── Request log ───────────────────────────────────────────────────────────
	fileSink, err := reqlog.NewFileSink(cfg.RequestLog.Path)
	if err != nil {
		slog.Error("failed to open request log", "path", cfg.RequestLog.Path, "err", err)
		return 1
	}
	sinks := []reqlog.Sink{fileSink}
	if cfg.RequestLog.AnalyticsDSN != "" {
		pgSink, err := reqlog.NewPGSink(ctx, cfg.RequestLog.AnalyticsDSN)
		if err != nil {
			// The file sink stays authoritative; analytics can catch up later.
			slog.Warn("analytics sink unavailable, logging to file only", "err", err)
		} else {
			sinks = append(sinks, pgSink)
			slog.Info("analytics sink connected")
		}
	}
	reqLog := reqlog.New(sinks...)
	defer func() {
		if err := reqLog.Close(); err != nil {
			slog.Warn("request log close error", "err", err)
		}
	}()

	// ── Pipeline ──────────────────────────────────────────────────────────────
	orch, err := pipeline.New(pipeline.Config{
		MaxInputLength:        cfg.Limits.MaxInputLength,
		RequestTimeout:        time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
		MaxHistoryTokens:      cfg.Conversation.MaxHistoryTokens,
		MaxModelConcurrency:   cfg.Limits.MaxModelConcurrency,
		UseCombinedClassifier: cfg.Pipeline.UseCombinedClassifier,
		SkipRevision:          cfg.Pipeline.SkipRevision,
		FastSafetyCheck:       cfg.Pipeline.FastSafetyCheck,
		GroundingCheck:        cfg.Pipeline.GroundingCheck,
		GroundingThreshold:    cfg.Pipeline.GroundingThreshold,
	}, pipeline.Deps{
		Limiter:    limiter,
		Convos:     convos,
		Knowledge:  kb,
		Tools:      executor,
		Classifier: backends.classifier,
		Router:     backends.router,
		Generator:  backends.generator,
		Verifier:   backends.verifier,
		Embedder:   backends.embedder,
		RequestLog: reqLog,
		Metrics:    metrics,
	})
	if err != nil {
		slog.Error("failed to build pipeline", "err", err)
		return 1
	}

	// ── Health and admin ──────────────────────────────────────────────────────
	healthHandler := health.New(
		health.Checker{Name: health.CheckModels, Check: func(context.Context) error {
			if !orch.Healthy() {
				return errors.New("a model tier's circuit breaker is open")
			}
			return nil
		}},
		health.Checker{Name: "knowledge", Check: func(context.Context) error {
			if !kb.Ready() {
				return errors.New("context documents not loaded")
			}
			return nil
		}},
	)

	var adminHandler http.Handler
	if cfg.Admin.Enabled {
		adminHandler = admin.New(store, reqLog, cfg.RequestLog.Path)
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg, app.Deps{
		Chat:     orch,
		Limiter:  limiter,
		Inbox:    store,
		Notifier: notifier,
		Health:   healthHandler,
		Admin:    adminHandler,
		Metrics:  metrics,
	})
	if err != nil {
		slog.Error("failed to initialise http server", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider kinds to the names that ship with the
// gateway. Used for startup logging.
var builtinProviders = map[string][]string{
	"llm":        {"ollama", "openai", "anyllm"},
	"embeddings": {"ollama", "openai"},
}

// registerBuiltinProviders wires the built-in provider factories into reg.
// Every pipeline tier shares these factories; the tier's [config.ModelEntry]
// carries the model name and endpoint.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	// ollama is the default local backend. BaseURL is the server address;
	// no API key involved.
	reg.RegisterLLM("ollama", func(entry config.ModelEntry) (llm.Provider, error) {
		var opts []ollamallm.Option
		if entry.TimeoutSeconds > 0 {
			opts = append(opts, ollamallm.WithTimeout(time.Duration(entry.TimeoutSeconds)*time.Second))
		}
		return ollamallm.New(entry.BaseURL, entry.Model, opts...)
	})

	// openai also covers OpenAI-compatible servers (vLLM, LiteLLM, llamafile)
	// through base_url.
	reg.RegisterLLM("openai", func(entry config.ModelEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if entry.TimeoutSeconds > 0 {
			opts = append(opts, oallm.WithTimeout(time.Duration(entry.TimeoutSeconds)*time.Second))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// anyllm is the escape hatch for running a tier against any hosted
	// vendor; options.provider names the backend.
	reg.RegisterLLM("anyllm", func(entry config.ModelEntry) (llm.Provider, error) {
		backend := optString(entry.Options, "provider")
		if backend == "" {
			return nil, errors.New(`anyllm entries need options.provider (e.g. "anthropic")`)
		}
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(backend, entry.Model, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("ollama", func(entry config.ModelEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if dims := optInt(entry.Options, "dimensions"); dims > 0 {
			opts = append(opts, ollamaembed.WithDimensions(dims))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("openai", func(entry config.ModelEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// modelBackends holds the instantiated provider for every pipeline tier.
type modelBackends struct {
	classifier pipeline.Backend
	router     pipeline.Backend
	generator  pipeline.Backend
	verifier   pipeline.Backend
	embedder   embeddings.Provider
}

// buildBackends instantiates the chat tiers named in cfg and, when the
// grounding check is on, the embeddings provider. Tiers left empty by a
// pipeline shortcut flag (combined classifier, fast safety check) are
// skipped; validation has already established they may be absent.
func buildBackends(cfg *config.Config, reg *config.Registry) (*modelBackends, error) {
	bs := &modelBackends{}

	tiers := []struct {
		name  string
		entry config.ModelEntry
		dst   *pipeline.Backend
	}{
		{"classifier", cfg.Models.Classifier, &bs.classifier},
		{"router", cfg.Models.Router, &bs.router},
		{"generator", cfg.Models.Generator, &bs.generator},
		{"verifier", cfg.Models.Verifier, &bs.verifier},
	}
	for _, tier := range tiers {
		if tier.entry.Name == "" {
			slog.Debug("model tier not configured", "tier", tier.name)
			continue
		}
		p, err := reg.CreateLLM(tier.entry)
		if err != nil {
			return nil, fmt.Errorf("create %s backend: %w", tier.name, err)
		}
		*tier.dst = pipeline.Backend{
			Provider: p,
			Model:    tier.entry.Model,
			Timeout:  time.Duration(tier.entry.TimeoutSeconds) * time.Second,
		}
		slog.Info("model backend ready", "tier", tier.name, "provider", tier.entry.Name, "model", tier.entry.Model)
	}

	if cfg.Pipeline.GroundingCheck {
		entry := cfg.Models.Embeddings
		p, err := reg.CreateEmbeddings(entry)
		if err != nil {
			return nil, fmt.Errorf("create embeddings backend: %w", err)
		}
		bs.embedder = p
		slog.Info("model backend ready", "tier", "embeddings", "provider", entry.Name, "model", entry.Model)
	}

	return bs, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Println("║    talkingrock — startup summary     ║")
	fmt.Println("╠══════════════════════════════════════╣")
	printTier("Classifier", cfg.Models.Classifier)
	printTier("Router", cfg.Models.Router)
	printTier("Generator", cfg.Models.Generator)
	printTier("Verifier", cfg.Models.Verifier)
	if cfg.Pipeline.GroundingCheck {
		printTier("Embeddings", cfg.Models.Embeddings)
	} else {
		printRow("Embeddings", "(grounding off)")
	}
	printRow("Context dir", cfg.Knowledge.ContextDir)
	printFlag("Admin api", cfg.Admin.Enabled)
	printFlag("Metrics", cfg.Metrics.Enabled)
	printFlag("Notify", cfg.Notify.WebhookURL != "")
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚══════════════════════════════════════╝")
}

func printTier(tier string, entry config.ModelEntry) {
	value := entry.Name
	if value == "" {
		value = "(not configured)"
	} else if entry.Model != "" {
		value = entry.Name + " / " + entry.Model
	}
	printRow(tier, value)
}

func printFlag(name string, enabled bool) {
	if enabled {
		printRow(name, "on")
	} else {
		printRow(name, "off")
	}
}

func printRow(label, value string) {
	if len(value) > 21 {
		value = value[:20] + "…"
	}
	fmt.Printf("║  %-12s: %-21s ║\n", label, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

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

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a model entry's Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a
// string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// optInt extracts an integer value from a model entry's Options map. YAML
// decodes bare numbers as int; anything else yields zero.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	v, ok := opts[key]
	if !ok {
		return 0
	}
	n, ok := v.(int)
	if !ok {
		return 0
	}
	return n
}
