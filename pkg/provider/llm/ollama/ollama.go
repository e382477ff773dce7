// Package ollama provides an LLM provider backed by a local Ollama server.
//
// Ollama (https://ollama.com) hosts local language models. This package uses
// Ollama's native /api/chat endpoint so that the format field is available for
// strict JSON output — the classifier and safety stages of the pipeline depend
// on it. Models such as qwen2.5:0.5b, llama3.2:1b, and mistral:7b are all
// served through the same endpoint.
//
// Example usage:
//
//	p, err := ollama.New("", "mistral:7b") // connects to http://localhost:11434
//	if err != nil {
//	    log.Fatal(err)
//	}
//	resp, err := p.Complete(ctx, llm.CompletionRequest{Messages: msgs})
//
// Only standard library packages are used — no additional dependencies are
// required beyond Go's net/http and encoding/json.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kbrengel/talkingrock/pkg/provider/llm"
	"github.com/kbrengel/talkingrock/pkg/types"
)

// DefaultBaseURL is the default base URL for a locally running Ollama instance.
const DefaultBaseURL = "http://localhost:11434"

// maxErrorBody caps how much of an error response body is included in error
// messages, to keep logs readable when the server returns an HTML error page.
const maxErrorBody = 500

// ErrModelNotFound is returned when the Ollama server does not have the
// requested model pulled. Not recoverable — retrying will not help until an
// operator runs `ollama pull`.
var ErrModelNotFound = errors.New("ollama: model not found")

// Ensure Provider implements the llm.Provider interface at compile time.
var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider using a local Ollama server.
//
// Provider is safe for concurrent use.
type Provider struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// config holds optional configuration collected from functional options.
type config struct {
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout on the underlying HTTP client.
// A zero or negative value means no timeout (the default); callers usually
// control deadlines through ctx instead.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new Ollama Provider.
//
// baseURL is the base URL of the Ollama server (e.g., "http://localhost:11434").
// If empty, DefaultBaseURL is used. A trailing slash is stripped automatically.
//
// model is the Ollama model name (e.g., "mistral:7b"). It must not be empty.
func New(baseURL string, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	httpClient := &http.Client{}
	if cfg.timeout > 0 {
		httpClient.Timeout = cfg.timeout
	}

	return &Provider{
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
	}, nil
}

// chatMessage is a single message in Ollama's /api/chat wire format.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatOptions carries model sampling parameters.
type chatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// chatRequest is the JSON request body sent to Ollama's /api/chat endpoint.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Format   string        `json:"format,omitempty"`
	Options  chatOptions   `json:"options"`
}

// chatResponse is the JSON response body returned by Ollama's /api/chat endpoint.
type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

// Complete implements llm.Provider by sending a non-streaming chat request.
//
// When req.ForceJSON is set, Ollama's format field is used so the model is
// constrained to emit a single JSON object. Transport failures are wrapped in
// [llm.RecoverableError]; a missing model surfaces as [ErrModelNotFound].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if len(req.Messages) == 0 && req.SystemPrompt == "" {
		return nil, fmt.Errorf("ollama: completion: no messages")
	}

	cr := chatRequest{
		Model:  p.model,
		Stream: false,
		Options: chatOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}
	if req.ForceJSON {
		cr.Format = "json"
	}
	if req.SystemPrompt != "" {
		cr.Messages = append(cr.Messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		cr.Messages = append(cr.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(cr)
	if err != nil {
		return nil, fmt.Errorf("ollama: completion: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: completion: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: completion: %w", classifyTransportErr(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %q — run `ollama pull %s`", ErrModelNotFound, p.model, p.model)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("ollama: completion: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ollama: completion: decode response: %w", err)
	}

	return &llm.CompletionResponse{
		Content: result.Message.Content,
		Usage: llm.Usage{
			PromptTokens:     result.PromptEvalCount,
			CompletionTokens: result.EvalCount,
			TotalTokens:      result.PromptEvalCount + result.EvalCount,
		},
	}, nil
}

// CountTokens implements llm.Provider using the ~4 chars-per-token heuristic
// common to LLM tokenizers, plus a small per-message overhead.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return modelCapabilities(p.model)
}

// tagsResponse is the JSON response body returned by Ollama's /api/tags endpoint.
type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels returns the names of all models currently pulled on the Ollama
// server. Health checks use this to verify the configured models are present
// without issuing a full completion.
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("ollama: list models: build request: %w", err)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: list models: %w", classifyTransportErr(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama: list models: unexpected status %d", resp.StatusCode)
	}

	var result tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ollama: list models: decode response: %w", err)
	}

	names := make([]string, 0, len(result.Models))
	for _, m := range result.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// ModelID returns the Ollama model name supplied at construction time.
func (p *Provider) ModelID() string {
	return p.model
}

// classifyTransportErr wraps connection and timeout failures in
// llm.RecoverableError so callers can retry them. Other errors pass through.
func classifyTransportErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &llm.RecoverableError{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &llm.RecoverableError{Err: err}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, context.DeadlineExceeded) {
		return &llm.RecoverableError{Err: err}
	}
	return err
}

// modelCapabilities returns ModelCapabilities for known Ollama model names.
// The pipeline calls tools through fenced text blocks rather than native tool
// calling, so SupportsToolCalling is false for all local models.
func modelCapabilities(model string) types.ModelCapabilities {
	caps := types.ModelCapabilities{
		ContextWindow:   8_192,
		MaxOutputTokens: 2_048,
	}

	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "qwen2.5"):
		caps.ContextWindow = 32_768
		caps.MaxOutputTokens = 8_192
	case strings.HasPrefix(lower, "llama3.2"):
		caps.ContextWindow = 131_072
		caps.MaxOutputTokens = 8_192
	case strings.HasPrefix(lower, "mistral"):
		caps.ContextWindow = 32_768
		caps.MaxOutputTokens = 8_192
	}
	return caps
}
