package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"ollama", "openai", "anyllm"},
	"embeddings": {"ollama", "openai"},
}

// Default returns the gateway's shipping defaults: a loopback server talking
// to a local Ollama instance with the three-tier model split.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:            "127.0.0.1:8000",
			LogLevel:              LogInfo,
			RequestTimeoutSeconds: 30,
		},
		Limits: LimitsConfig{
			MaxInputLength:      2000,
			MaxRequestSize:      8192,
			RatePerIPMinute:     10,
			RatePerIPHour:       100,
			RateGlobalMinute:    1000,
			MaxModelConcurrency: 2,
		},
		Models: ModelsConfig{
			Classifier: ModelEntry{Name: "ollama", Model: "qwen2.5:0.5b", TimeoutSeconds: 10},
			Router:     ModelEntry{Name: "ollama", Model: "llama3.2:1b", TimeoutSeconds: 10},
			Generator:  ModelEntry{Name: "ollama", Model: "mistral:7b", TimeoutSeconds: 60},
			Verifier:   ModelEntry{Name: "ollama", Model: "qwen2.5:0.5b", TimeoutSeconds: 10},
			Embeddings: ModelEntry{Name: "ollama", Model: "nomic-embed-text"},
		},
		Conversation: ConversationConfig{
			MaxTurns:         10,
			TTLSeconds:       1800,
			MaxHistoryTokens: 4000,
			MaxConversations: 10000,
		},
		Knowledge: KnowledgeConfig{
			ContextDir:      "./context",
			MaxContextChars: 32000,
			Watch:           true,
			PollSeconds:     30,
		},
		Pipeline: PipelineConfig{
			GroundingThreshold: 0.5,
		},
		Inbox: InboxConfig{
			Dir: "./data/inbox",
		},
		RequestLog: RequestLogConfig{
			Path: "./data/requests.jsonl",
		},
	}
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r over [Default], applies
// environment overrides, and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto cfg. Secrets (ip salt,
// analytics DSN, webhook URL) are environment-only so they never end up in a
// world-readable config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("TALKINGROCK_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("TALKINGROCK_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}
	if v := os.Getenv("TALKINGROCK_IP_SALT"); v != "" {
		cfg.Security.IPSalt = v
	}
	if v := os.Getenv("TALKINGROCK_ANALYTICS_DSN"); v != "" {
		cfg.RequestLog.AnalyticsDSN = v
	}
	if v := os.Getenv("TALKINGROCK_NOTIFY_WEBHOOK"); v != "" {
		cfg.Notify.WebhookURL = v
	}

	// OLLAMA_HOST is the conventional Ollama override; honour it for every
	// tier still pointing at the default endpoint.
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		for _, entry := range []*ModelEntry{
			&cfg.Models.Classifier,
			&cfg.Models.Router,
			&cfg.Models.Generator,
			&cfg.Models.Verifier,
			&cfg.Models.Embeddings,
		} {
			if entry.Name == "ollama" && entry.BaseURL == "" {
				entry.BaseURL = v
			}
		}
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
	if cfg.Server.RequestTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("server.request_timeout_seconds must be positive, got %d", cfg.Server.RequestTimeoutSeconds))
	}

	// Trusted proxies must parse as ip or CIDR — a typo here silently breaks
	// rate-limit keying, so fail loudly.
	for i, p := range cfg.Security.TrustedProxies {
		if _, err := netip.ParsePrefix(p); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(p); err == nil {
			continue
		}
		errs = append(errs, fmt.Errorf("security.trusted_proxies[%d] %q is neither an ip nor a CIDR", i, p))
	}
	if cfg.Security.IPSalt == "" {
		slog.Warn("TALKINGROCK_IP_SALT is not set; client ip hashes use an unsalted digest")
	}

	// Limits
	if cfg.Limits.MaxInputLength <= 0 {
		errs = append(errs, fmt.Errorf("limits.max_input_length must be positive, got %d", cfg.Limits.MaxInputLength))
	}
	if cfg.Limits.MaxRequestSize < cfg.Limits.MaxInputLength {
		errs = append(errs, fmt.Errorf("limits.max_request_size %d is smaller than limits.max_input_length %d", cfg.Limits.MaxRequestSize, cfg.Limits.MaxInputLength))
	}
	if cfg.Limits.RatePerIPMinute <= 0 || cfg.Limits.RatePerIPHour <= 0 || cfg.Limits.RateGlobalMinute <= 0 {
		errs = append(errs, errors.New("limits rate windows must all be positive"))
	}
	if cfg.Limits.MaxModelConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("limits.max_model_concurrency must be positive, got %d", cfg.Limits.MaxModelConcurrency))
	}

	// Model tiers. Classifier and generator are always required; router and
	// verifier only when the pipeline flag that replaces them is off, and
	// embeddings only when the grounding check needs it.
	validateModelEntry(&errs, "models.classifier", cfg.Models.Classifier, true)
	validateModelEntry(&errs, "models.router", cfg.Models.Router, !cfg.Pipeline.UseCombinedClassifier)
	validateModelEntry(&errs, "models.generator", cfg.Models.Generator, true)
	validateModelEntry(&errs, "models.verifier", cfg.Models.Verifier, !cfg.Pipeline.FastSafetyCheck)
	validateModelEntry(&errs, "models.embeddings", cfg.Models.Embeddings, cfg.Pipeline.GroundingCheck)

	validateProviderName("llm", cfg.Models.Classifier.Name)
	validateProviderName("llm", cfg.Models.Router.Name)
	validateProviderName("llm", cfg.Models.Generator.Name)
	validateProviderName("llm", cfg.Models.Verifier.Name)
	validateProviderName("embeddings", cfg.Models.Embeddings.Name)

	// Conversation
	if cfg.Conversation.MaxTurns <= 0 {
		errs = append(errs, fmt.Errorf("conversation.max_turns must be positive, got %d", cfg.Conversation.MaxTurns))
	}
	if cfg.Conversation.TTLSeconds <= 0 {
		errs = append(errs, fmt.Errorf("conversation.ttl_seconds must be positive, got %d", cfg.Conversation.TTLSeconds))
	}
	if cfg.Conversation.MaxHistoryTokens <= 0 {
		errs = append(errs, fmt.Errorf("conversation.max_history_tokens must be positive, got %d", cfg.Conversation.MaxHistoryTokens))
	}
	if cfg.Conversation.MaxConversations <= 0 {
		errs = append(errs, fmt.Errorf("conversation.max_conversations must be positive, got %d", cfg.Conversation.MaxConversations))
	}

	// Knowledge
	if cfg.Knowledge.ContextDir == "" {
		errs = append(errs, errors.New("knowledge.context_dir is required"))
	}
	if cfg.Knowledge.MaxContextChars <= 0 {
		errs = append(errs, fmt.Errorf("knowledge.max_context_chars must be positive, got %d", cfg.Knowledge.MaxContextChars))
	}
	if cfg.Knowledge.Watch && cfg.Knowledge.PollSeconds <= 0 {
		errs = append(errs, fmt.Errorf("knowledge.poll_seconds must be positive when watch is enabled, got %d", cfg.Knowledge.PollSeconds))
	}

	// Pipeline
	if cfg.Pipeline.GroundingThreshold < 0 || cfg.Pipeline.GroundingThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.grounding_threshold %.2f is out of range [0, 1]", cfg.Pipeline.GroundingThreshold))
	}

	// Stores
	if cfg.Inbox.Dir == "" {
		errs = append(errs, errors.New("inbox.dir is required"))
	}
	if cfg.RequestLog.Path == "" {
		errs = append(errs, errors.New("request_log.path is required"))
	}

	return errors.Join(errs...)
}

// validateModelEntry appends errors for an incomplete model tier. When
// required is false, an entirely empty entry is accepted.
func validateModelEntry(errs *[]error, prefix string, entry ModelEntry, required bool) {
	if !required && entry.Name == "" && entry.Model == "" {
		return
	}
	if entry.Name == "" {
		*errs = append(*errs, fmt.Errorf("%s.name is required", prefix))
	}
	if entry.Model == "" {
		*errs = append(*errs, fmt.Errorf("%s.model is required", prefix))
	}
	if entry.TimeoutSeconds < 0 {
		*errs = append(*errs, fmt.Errorf("%s.timeout_seconds must not be negative, got %d", prefix, entry.TimeoutSeconds))
	}
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
