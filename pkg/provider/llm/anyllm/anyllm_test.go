package anyllm

import (
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/kbrengel/talkingrock/pkg/provider/llm"
	"github.com/kbrengel/talkingrock/pkg/types"
)

// ── convertMessage ────────────────────────────────────────────────────────────

// TestConvertMessage_System checks that system-role messages are converted correctly.
func TestConvertMessage_System(t *testing.T) {
	m := types.Message{Role: "system", Content: "You are helpful."}
	got := convertMessage(m)
	if got.Role != "system" {
		t.Errorf("expected role system, got %q", got.Role)
	}
	if got.ContentString() != "You are helpful." {
		t.Errorf("expected content %q, got %q", "You are helpful.", got.ContentString())
	}
}

// TestConvertMessage_User checks that user-role messages are converted correctly.
func TestConvertMessage_User(t *testing.T) {
	m := types.Message{Role: "user", Content: "What does Kellogg do for work?"}
	got := convertMessage(m)
	if got.Role != "user" {
		t.Errorf("expected role user, got %q", got.Role)
	}
	if got.ContentString() != "What does Kellogg do for work?" {
		t.Errorf("unexpected content: %q", got.ContentString())
	}
}

// TestConvertMessage_AssistantWithToolCalls checks tool call conversion.
func TestConvertMessage_AssistantWithToolCalls(t *testing.T) {
	m := types.Message{
		Role: "assistant",
		ToolCalls: []types.ToolCall{
			{ID: "call_1", Name: "send_contact_message", Arguments: `{"message":"hi"}`},
		},
	}
	got := convertMessage(m)
	if got.Role != "assistant" {
		t.Errorf("expected role assistant, got %q", got.Role)
	}
	if len(got.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(got.ToolCalls))
	}
	tc := got.ToolCalls[0]
	if tc.ID != "call_1" {
		t.Errorf("expected ID call_1, got %q", tc.ID)
	}
	if tc.Function.Name != "send_contact_message" {
		t.Errorf("expected function name send_contact_message, got %q", tc.Function.Name)
	}
	if tc.Function.Arguments != `{"message":"hi"}` {
		t.Errorf("unexpected arguments: %q", tc.Function.Arguments)
	}
	if tc.Type != "function" {
		t.Errorf("expected type function, got %q", tc.Type)
	}
}

// TestConvertMessage_Tool checks tool-result message conversion.
func TestConvertMessage_Tool(t *testing.T) {
	m := types.Message{Role: "tool", Content: "delivered", ToolCallID: "call_1"}
	got := convertMessage(m)
	if got.Role != "tool" {
		t.Errorf("expected role tool, got %q", got.Role)
	}
	if got.ToolCallID != "call_1" {
		t.Errorf("expected ToolCallID call_1, got %q", got.ToolCallID)
	}
	if got.ContentString() != "delivered" {
		t.Errorf("expected content delivered, got %q", got.ContentString())
	}
}

// TestConvertMessage_WithName checks that the Name field is preserved.
func TestConvertMessage_WithName(t *testing.T) {
	m := types.Message{Role: "user", Content: "Hi", Name: "alice"}
	got := convertMessage(m)
	if got.Name != "alice" {
		t.Errorf("expected name alice, got %q", got.Name)
	}
}

// TestConvertMessage_EmptyToolCalls checks that zero tool calls yield no ToolCalls slice.
func TestConvertMessage_EmptyToolCalls(t *testing.T) {
	m := types.Message{Role: "assistant", Content: "No tools here."}
	got := convertMessage(m)
	if len(got.ToolCalls) != 0 {
		t.Errorf("expected no tool calls, got %d", len(got.ToolCalls))
	}
}

// ── buildParams ───────────────────────────────────────────────────────────────

// TestBuildParams_SystemPromptFirst checks that the system prompt becomes the
// first message in the converted parameter list.
func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p := &Provider{model: "mistral:7b"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You answer questions about Kellogg.",
		Messages:     []types.Message{{Role: "user", Content: "Hello"}},
	})
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("expected first message role system, got %q", params.Messages[0].Role)
	}
	if params.Messages[1].Role != "user" {
		t.Errorf("expected second message role user, got %q", params.Messages[1].Role)
	}
}

// TestBuildParams_ForceJSON checks that ForceJSON injects the JSON-only
// instruction as the system prompt when none was provided.
func TestBuildParams_ForceJSON(t *testing.T) {
	p := &Provider{model: "mistral:7b"}
	params := p.buildParams(llm.CompletionRequest{
		ForceJSON: true,
		Messages:  []types.Message{{Role: "user", Content: "classify this"}},
	})
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Fatalf("expected leading system message, got role %q", params.Messages[0].Role)
	}
	if got := params.Messages[0].ContentString(); got != jsonOnlyInstruction {
		t.Errorf("unexpected system content: %q", got)
	}
}

// TestBuildParams_ForceJSON_AppendsToSystemPrompt checks that ForceJSON
// extends an existing system prompt instead of replacing it.
func TestBuildParams_ForceJSON_AppendsToSystemPrompt(t *testing.T) {
	p := &Provider{model: "mistral:7b"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You are an intent parser.",
		ForceJSON:    true,
		Messages:     []types.Message{{Role: "user", Content: "hi"}},
	})
	got := params.Messages[0].ContentString()
	if !strings.HasPrefix(got, "You are an intent parser.") {
		t.Errorf("original system prompt lost: %q", got)
	}
	if !strings.Contains(got, jsonOnlyInstruction) {
		t.Errorf("JSON instruction missing: %q", got)
	}
}

// TestBuildParams_Temperature checks that a non-zero temperature is forwarded
// and a zero temperature leaves the backend default in place.
func TestBuildParams_Temperature(t *testing.T) {
	p := &Provider{model: "mistral:7b"}

	params := p.buildParams(llm.CompletionRequest{Temperature: 0.7})
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("expected temperature 0.7, got %v", params.Temperature)
	}

	params = p.buildParams(llm.CompletionRequest{})
	if params.Temperature != nil {
		t.Errorf("expected nil temperature for zero value, got %v", *params.Temperature)
	}
}

// TestBuildParams_MaxTokens checks MaxTokens forwarding.
func TestBuildParams_MaxTokens(t *testing.T) {
	p := &Provider{model: "mistral:7b"}
	params := p.buildParams(llm.CompletionRequest{MaxTokens: 256})
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("expected max tokens 256, got %v", params.MaxTokens)
	}
}

// TestBuildParams_Tools checks that tool definitions are converted to function tools.
func TestBuildParams_Tools(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	params := p.buildParams(llm.CompletionRequest{
		Tools: []types.ToolDefinition{{
			Name:        "send_contact_message",
			Description: "Deliver a message to the site owner.",
			Parameters:  map[string]any{"type": "object"},
		}},
	})
	if len(params.Tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(params.Tools))
	}
	if params.Tools[0].Type != "function" {
		t.Errorf("expected tool type function, got %q", params.Tools[0].Type)
	}
	if params.Tools[0].Function.Name != "send_contact_message" {
		t.Errorf("unexpected tool name: %q", params.Tools[0].Function.Name)
	}
}

// ── modelCapabilities ─────────────────────────────────────────────────────────

// TestModelCapabilities_GPT4oMini checks gpt-4o-mini capabilities.
func TestModelCapabilities_GPT4oMini(t *testing.T) {
	caps := modelCapabilities("gpt-4o-mini")
	if caps.ContextWindow != 128_000 {
		t.Errorf("gpt-4o-mini: expected context window 128000, got %d", caps.ContextWindow)
	}
	if !caps.SupportsToolCalling {
		t.Error("gpt-4o-mini: expected SupportsToolCalling=true")
	}
	if !caps.SupportsVision {
		t.Error("gpt-4o-mini: expected SupportsVision=true")
	}
	if caps.MaxOutputTokens != 16_384 {
		t.Errorf("gpt-4o-mini: expected MaxOutputTokens 16384, got %d", caps.MaxOutputTokens)
	}
}

// TestModelCapabilities_O1 checks o1 capabilities.
func TestModelCapabilities_O1(t *testing.T) {
	caps := modelCapabilities("o1")
	if caps.ContextWindow != 200_000 {
		t.Errorf("o1: expected context window 200000, got %d", caps.ContextWindow)
	}
	if caps.MaxOutputTokens != 100_000 {
		t.Errorf("o1: expected MaxOutputTokens 100000, got %d", caps.MaxOutputTokens)
	}
}

// TestModelCapabilities_Claude checks claude family capabilities.
func TestModelCapabilities_Claude(t *testing.T) {
	caps := modelCapabilities("claude-3-5-sonnet-latest")
	if caps.ContextWindow != 200_000 {
		t.Errorf("claude: expected context window 200000, got %d", caps.ContextWindow)
	}
	if !caps.SupportsVision {
		t.Error("claude: expected SupportsVision=true")
	}
	if caps.MaxOutputTokens != 8_192 {
		t.Errorf("claude: expected MaxOutputTokens 8192, got %d", caps.MaxOutputTokens)
	}
}

// TestModelCapabilities_Gemini checks gemini family capabilities.
func TestModelCapabilities_Gemini(t *testing.T) {
	caps := modelCapabilities("gemini-2.0-flash")
	if caps.ContextWindow != 1_048_576 {
		t.Errorf("gemini: expected context window 1048576, got %d", caps.ContextWindow)
	}
	if !caps.SupportsVision {
		t.Error("gemini: expected SupportsVision=true")
	}
}

// TestModelCapabilities_LocalModels checks the models the default pipeline
// tiers run locally. None of them get native tool calling; the tool loop is
// driven through fenced text blocks instead.
func TestModelCapabilities_LocalModels(t *testing.T) {
	tests := []struct {
		model         string
		contextWindow int
	}{
		{"mistral:7b", 32_768},
		{"qwen2.5:0.5b", 32_768},
		{"llama3.2:1b", 131_072},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			caps := modelCapabilities(tt.model)
			if caps.ContextWindow != tt.contextWindow {
				t.Errorf("%s: expected context window %d, got %d", tt.model, tt.contextWindow, caps.ContextWindow)
			}
			if caps.SupportsToolCalling {
				t.Errorf("%s: expected SupportsToolCalling=false", tt.model)
			}
		})
	}
}

// TestModelCapabilities_Unknown checks that unknown models return safe defaults.
func TestModelCapabilities_Unknown(t *testing.T) {
	caps := modelCapabilities("my-custom-model")
	if caps.ContextWindow <= 0 {
		t.Error("unknown model: expected positive ContextWindow")
	}
	if caps.MaxOutputTokens <= 0 {
		t.Error("unknown model: expected positive MaxOutputTokens")
	}
}

// TestModelCapabilities_CaseInsensitive checks that model name matching is case-insensitive.
func TestModelCapabilities_CaseInsensitive(t *testing.T) {
	lower := modelCapabilities("gpt-4o")
	upper := modelCapabilities("GPT-4O")
	if lower.ContextWindow != upper.ContextWindow {
		t.Errorf("case should not matter: got %d vs %d", lower.ContextWindow, upper.ContextWindow)
	}
}

// ── Constructor ───────────────────────────────────────────────────────────────

// TestNew_EmptyProviderName checks that an empty provider name returns an error.
func TestNew_EmptyProviderName(t *testing.T) {
	_, err := New("", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for empty providerName")
	}
}

// TestNew_EmptyModel checks that an empty model name returns an error.
func TestNew_EmptyModel(t *testing.T) {
	_, err := New("openai", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

// TestNew_UnsupportedProvider checks that an unsupported provider returns an error.
func TestNew_UnsupportedProvider(t *testing.T) {
	_, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy"))
	if err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

// TestNew_OpenAI_WithAPIKey checks that the OpenAI backend constructs successfully with an API key.
func TestNew_OpenAI_WithAPIKey(t *testing.T) {
	p, err := NewOpenAI("gpt-4o-mini", anyllmlib.WithAPIKey("sk-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
	if p.model != "gpt-4o-mini" {
		t.Errorf("expected model gpt-4o-mini, got %q", p.model)
	}
}

// TestNew_OpenAI_MissingAPIKey checks that OpenAI returns an error when no API key is available.
// This relies on OPENAI_API_KEY not being set in the test environment.
func TestNew_OpenAI_MissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "") // Ensure env var is clear.
	_, err := New("openai", "gpt-4o-mini")
	if err == nil {
		t.Fatal("expected error for missing API key")
	}
}

// TestNew_Ollama_NoAPIKey checks that Ollama works without an API key.
func TestNew_Ollama_NoAPIKey(t *testing.T) {
	p, err := NewOllama("mistral:7b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
}

// TestNew_LocalBackends checks the local backends construct without credentials.
func TestNew_LocalBackends(t *testing.T) {
	for _, name := range []string{"ollama", "llamacpp", "llamafile"} {
		t.Run(name, func(t *testing.T) {
			p, err := New(name, "mistral:7b")
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", name, err)
			}
			if p == nil {
				t.Fatalf("%s: expected non-nil provider", name)
			}
		})
	}
}

// ── CountTokens ───────────────────────────────────────────────────────────────

// TestCountTokens_Estimation checks that token counting returns a reasonable value.
func TestCountTokens_Estimation(t *testing.T) {
	p := &Provider{model: "mistral:7b"}
	msgs := []types.Message{
		{Role: "user", Content: "Hello world"}, // 11 chars → ~3 tokens + 4 overhead = 7
	}
	count, err := p.CountTokens(msgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count <= 0 {
		t.Errorf("expected positive token count, got %d", count)
	}
}

// TestCountTokens_Empty checks that an empty message list returns zero tokens.
func TestCountTokens_Empty(t *testing.T) {
	p := &Provider{model: "mistral:7b"}
	count, err := p.CountTokens(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 tokens for empty messages, got %d", count)
	}
}

// TestCountTokens_MultipleMessages checks that multiple messages accumulate correctly.
func TestCountTokens_MultipleMessages(t *testing.T) {
	p := &Provider{model: "mistral:7b"}
	msgs := []types.Message{
		{Role: "user", Content: "Hello"},
		{Role: "assistant", Content: "Hi there, how can I help?"},
	}
	count, err := p.CountTokens(msgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	singleCount, _ := p.CountTokens(msgs[:1])
	if count <= singleCount {
		t.Errorf("expected more tokens for two messages than one: %d <= %d", count, singleCount)
	}
}

// ── Capabilities ──────────────────────────────────────────────────────────────

// TestCapabilities_ReturnsForModel checks that Capabilities() delegates to modelCapabilities.
func TestCapabilities_ReturnsForModel(t *testing.T) {
	p := &Provider{model: "mistral:7b"}
	caps := p.Capabilities()
	expected := modelCapabilities("mistral:7b")
	if caps.ContextWindow != expected.ContextWindow {
		t.Errorf("expected ContextWindow %d, got %d", expected.ContextWindow, caps.ContextWindow)
	}
	if caps.SupportsToolCalling != expected.SupportsToolCalling {
		t.Errorf("expected SupportsToolCalling %v, got %v", expected.SupportsToolCalling, caps.SupportsToolCalling)
	}
}
