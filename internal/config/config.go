// Package config provides the configuration schema, loader, and provider
// registry for the Talking Rock chat gateway.
package config

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for the gateway.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader];
// fields absent from the file keep the values from [Default].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Security     SecurityConfig     `yaml:"security"`
	Limits       LimitsConfig       `yaml:"limits"`
	Models       ModelsConfig       `yaml:"models"`
	Conversation ConversationConfig `yaml:"conversation"`
	Knowledge    KnowledgeConfig    `yaml:"knowledge"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Inbox        InboxConfig        `yaml:"inbox"`
	RequestLog   RequestLogConfig   `yaml:"request_log"`
	Notify       NotifyConfig       `yaml:"notify"`
	Admin        AdminConfig        `yaml:"admin"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ServerConfig holds network and logging settings for the gateway.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on. The default binds
	// loopback only; a reverse proxy is expected in front.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// RequestTimeoutSeconds bounds the total wall-clock time of one chat
	// request through all pipeline stages.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`

	// CORSOrigins lists origins allowed on the chat and contact endpoints.
	// Empty means no CORS headers are emitted.
	CORSOrigins []string `yaml:"cors_origins"`
}

// SecurityConfig holds client-ip handling settings.
type SecurityConfig struct {
	// TrustedProxies lists source addresses (ip or CIDR) whose forwarded-for
	// headers are believed. Requests from any other peer are keyed by the
	// socket address regardless of headers.
	TrustedProxies []string `yaml:"trusted_proxies"`

	// IPSalt is prepended to client ips before hashing for rate-limit keys
	// and log records. Environment-only (TALKINGROCK_IP_SALT); never read
	// from YAML.
	IPSalt string `yaml:"-"`
}

// LimitsConfig holds input-size and rate-limit settings.
type LimitsConfig struct {
	// MaxInputLength is the maximum accepted message length in characters.
	MaxInputLength int `yaml:"max_input_length"`

	// MaxRequestSize is the maximum accepted request body size in bytes.
	MaxRequestSize int `yaml:"max_request_size"`

	// RatePerIPMinute caps chat requests per client ip per minute.
	RatePerIPMinute int `yaml:"rate_per_ip_minute"`

	// RatePerIPHour caps chat requests per client ip per hour.
	RatePerIPHour int `yaml:"rate_per_ip_hour"`

	// RateGlobalMinute caps chat requests across all clients per minute.
	RateGlobalMinute int `yaml:"rate_global_minute"`

	// MaxModelConcurrency bounds in-flight model backend calls across all
	// requests. Requests waiting on the gate share the request deadline.
	MaxModelConcurrency int `yaml:"max_model_concurrency"`
}

// ModelsConfig declares the model backend for each pipeline tier. Each entry
// selects a named provider registered in the [Registry].
type ModelsConfig struct {
	// Classifier is the small model behind the jailbreak screen (and the
	// combined classifier mode).
	Classifier ModelEntry `yaml:"classifier"`

	// Router is the mid-size model behind intent parsing and domain routing.
	Router ModelEntry `yaml:"router"`

	// Generator is the large model behind response generation and revision.
	Generator ModelEntry `yaml:"generator"`

	// Verifier is the small model behind the output safety check.
	Verifier ModelEntry `yaml:"verifier"`

	// Embeddings is the embedding model behind the grounding check.
	Embeddings ModelEntry `yaml:"embeddings"`
}

// ModelEntry is the common configuration block shared by all model tiers.
// The Name field is used to look up the constructor in the [Registry].
type ModelEntry struct {
	// Name selects the registered provider implementation
	// (e.g., "ollama", "openai", "anyllm").
	Name string `yaml:"name"`

	// Model selects a specific model within the provider
	// (e.g., "qwen2.5:0.5b", "mistral:7b").
	Model string `yaml:"model"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// TimeoutSeconds is the per-call deadline for this tier. Zero uses the
	// tier default applied by [Default].
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`
}

// ConversationConfig holds the in-memory conversation store bounds.
type ConversationConfig struct {
	// MaxTurns is the maximum number of user turns retained per conversation.
	MaxTurns int `yaml:"max_turns"`

	// TTLSeconds is the idle lifetime of a conversation.
	TTLSeconds int `yaml:"ttl_seconds"`

	// MaxHistoryTokens bounds the history handed to the generator.
	MaxHistoryTokens int `yaml:"max_history_tokens"`

	// MaxConversations caps the number of live conversations; the least
	// recently active is evicted beyond this.
	MaxConversations int `yaml:"max_conversations"`
}

// KnowledgeConfig holds the static context registry settings.
type KnowledgeConfig struct {
	// ContextDir is the directory holding the knowledge source files.
	ContextDir string `yaml:"context_dir"`

	// MaxContextChars bounds the assembled per-domain context.
	MaxContextChars int `yaml:"max_context_chars"`

	// Watch enables hot-reloading of the context directory.
	Watch bool `yaml:"watch"`

	// PollSeconds is the watch polling interval.
	PollSeconds int `yaml:"poll_seconds"`
}

// PipelineConfig holds pipeline behaviour toggles.
type PipelineConfig struct {
	// UseCombinedClassifier folds the jailbreak screen and intent parse into
	// one classifier call, trading a little accuracy for latency.
	UseCombinedClassifier bool `yaml:"use_combined_classifier"`

	// SkipRevision disables the advisory revision pass.
	SkipRevision bool `yaml:"skip_revision"`

	// FastSafetyCheck runs only the deterministic phase of the output check,
	// skipping the verifier model call.
	FastSafetyCheck bool `yaml:"fast_safety_check"`

	// GroundingCheck enables the embedding-based grounding comparison of the
	// response against the retrieved context.
	GroundingCheck bool `yaml:"grounding_check"`

	// GroundingThreshold is the cosine similarity below which a response
	// sentence counts as ungrounded.
	GroundingThreshold float64 `yaml:"grounding_threshold"`
}

// InboxConfig holds the contact message store settings.
type InboxConfig struct {
	// Dir is the directory where contact messages are written, one JSON file
	// per message, owner-only permissions.
	Dir string `yaml:"dir"`
}

// RequestLogConfig holds the request log sink settings.
type RequestLogConfig struct {
	// Path is the JSONL file request-log records are appended to.
	Path string `yaml:"path"`

	// AnalyticsDSN, when set, additionally inserts records into PostgreSQL.
	// Environment-only (TALKINGROCK_ANALYTICS_DSN); never read from YAML.
	AnalyticsDSN string `yaml:"-"`
}

// NotifyConfig holds the contact-message notification settings.
type NotifyConfig struct {
	// Username overrides the webhook's display name on delivered
	// notifications.
	Username string `yaml:"username"`

	// WebhookURL is the Discord webhook endpoint. Environment-only
	// (TALKINGROCK_NOTIFY_WEBHOOK); never read from YAML. Empty disables
	// notifications.
	WebhookURL string `yaml:"-"`
}

// AdminConfig holds the owner-only endpoint settings.
type AdminConfig struct {
	// Enabled exposes the /admin routes. They additionally require a
	// loopback or trusted-proxy source.
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	// Enabled exposes GET /metrics to loopback and trusted-proxy sources.
	Enabled bool `yaml:"enabled"`
}
