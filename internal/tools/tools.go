// Package tools parses and executes tool calls embedded in model
// responses. The only tool is save_message_for_kellogg, which persists
// a visitor's message to the contact inbox.
//
// Tool calls arrive as fenced blocks the generator emits inside its
// reply text:
//
//	```tool_call
//	{"tool": "save_message_for_kellogg", "message": "..."}
//	```
//
// Malformed blocks and unknown tool names produce error results that
// are fed back to the model instead of being dropped, so the model can
// correct itself within the iteration budget enforced by the caller.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kbrengel/talkingrock/internal/inbox"
)

// ToolSaveMessage is the name of the contact-message tool.
const ToolSaveMessage = "save_message_for_kellogg"

const (
	maxMessageLen = 4000
	maxNameLen    = 200
)

// callPattern matches ```tool_call fenced blocks and captures the JSON
// payload. The payload may span lines but cannot contain backticks.
var callPattern = regexp.MustCompile("```tool_call\\s*\\n?\\s*(\\{[^`]+\\})\\s*\\n?```")

// emailPattern is a deliberately loose local@domain check. The address
// is never mailed automatically, only shown to the site owner.
var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Call is one tool invocation parsed from a model response. If the
// block's JSON was unusable, Err is set and the other fields besides
// Raw are zero.
type Call struct {
	Tool         string `json:"tool"`
	Message      string `json:"message"`
	VisitorName  string `json:"visitor_name"`
	VisitorEmail string `json:"visitor_email"`

	Raw string `json:"-"` // full fenced block, for stripping from the reply
	Err error  `json:"-"`
}

// Result is the outcome of executing one tool call.
type Result struct {
	Tool    string
	Success bool
	ID      string // saved message id, when Success
	Reason  string // failure reason, when !Success
}

// ModelPayload renders the result as the JSON object the model is shown.
func (r Result) ModelPayload() string {
	if r.Success {
		out, _ := json.Marshal(struct {
			Status string `json:"status"`
			ID     string `json:"id"`
		}{"ok", r.ID})
		return string(out)
	}
	out, _ := json.Marshal(struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}{"error", r.Reason})
	return string(out)
}

// Meta carries request-scoped fields attached to saved messages.
type Meta struct {
	ConversationID string
	IPHash         string
	// Context is a short transcript excerpt (at most the last two turns)
	// stored alongside the message so the owner sees what led up to it.
	Context string
}

// Saver persists contact messages. *inbox.Store satisfies it.
type Saver interface {
	Save(inbox.Input) (inbox.Message, error)
}

type handler func(ctx context.Context, call Call, meta Meta) Result

// Executor executes parsed tool calls against the contact inbox.
// All methods are safe for concurrent use.
type Executor struct {
	saver    Saver
	onSaved  func(inbox.Message)
	handlers map[string]handler
}

// Option configures an Executor.
type Option func(*Executor)

// WithSavedHook registers fn to run after each successful save. The hook
// must not block; notification fan-out belongs behind it.
func WithSavedHook(fn func(inbox.Message)) Option {
	return func(e *Executor) { e.onSaved = fn }
}

// NewExecutor creates an Executor backed by the given saver.
func NewExecutor(saver Saver, opts ...Option) *Executor {
	e := &Executor{saver: saver}
	for _, opt := range opts {
		opt(e)
	}
	e.handlers = map[string]handler{
		ToolSaveMessage: e.saveMessage,
	}
	return e
}

// ParseCalls extracts every tool_call block from a model response, in
// order of appearance. Blocks whose JSON does not decode are returned
// with Err set so the caller can feed the failure back to the model.
func ParseCalls(response string) []Call {
	matches := callPattern.FindAllStringSubmatch(response, -1)
	if matches == nil {
		return nil
	}
	calls := make([]Call, 0, len(matches))
	for _, m := range matches {
		var call Call
		if err := json.Unmarshal([]byte(m[1]), &call); err != nil {
			calls = append(calls, Call{Raw: m[0], Err: fmt.Errorf("invalid JSON: %w", err)})
			continue
		}
		if call.Tool == "" {
			calls = append(calls, Call{Raw: m[0], Err: errors.New(`missing "tool" field`)})
			continue
		}
		call.Raw = m[0]
		calls = append(calls, call)
	}
	return calls
}

// HasCalls reports whether the response contains at least one tool_call
// block.
func HasCalls(response string) bool {
	return callPattern.MatchString(response)
}

// StripCalls removes all tool_call blocks, leaving surrounding text.
func StripCalls(response string) string {
	return strings.TrimSpace(callPattern.ReplaceAllString(response, ""))
}

// Execute runs a single tool call and always returns a Result; failures
// are reported through it, never raised.
func (e *Executor) Execute(ctx context.Context, call Call, meta Meta) Result {
	name := call.Tool
	if name == "" {
		name = "tool_call"
	}
	if call.Err != nil {
		return Result{Tool: name, Reason: "malformed tool call: " + call.Err.Error()}
	}
	h, ok := e.handlers[call.Tool]
	if !ok {
		slog.Warn("unknown tool called", "tool", call.Tool)
		return Result{Tool: name, Reason: "unknown tool: " + call.Tool}
	}
	return h(ctx, call, meta)
}

// ExecuteAll runs every call in order and collects the results.
func (e *Executor) ExecuteAll(ctx context.Context, calls []Call, meta Meta) []Result {
	results := make([]Result, 0, len(calls))
	for _, call := range calls {
		results = append(results, e.Execute(ctx, call, meta))
	}
	return results
}

func (e *Executor) saveMessage(ctx context.Context, call Call, meta Meta) Result {
	body := strings.TrimSpace(call.Message)
	name := strings.TrimSpace(call.VisitorName)
	email := strings.TrimSpace(call.VisitorEmail)

	switch {
	case body == "":
		return Result{Tool: ToolSaveMessage, Reason: "message is required"}
	case len(body) > maxMessageLen:
		return Result{Tool: ToolSaveMessage, Reason: fmt.Sprintf("message exceeds %d characters", maxMessageLen)}
	case len(name) > maxNameLen:
		return Result{Tool: ToolSaveMessage, Reason: fmt.Sprintf("visitor_name exceeds %d characters", maxNameLen)}
	case email != "" && !emailPattern.MatchString(email):
		return Result{Tool: ToolSaveMessage, Reason: "visitor_email is not a valid address"}
	}

	if err := ctx.Err(); err != nil {
		return Result{Tool: ToolSaveMessage, Reason: "request canceled"}
	}

	msgContext := meta.Context
	if msgContext == "" {
		msgContext = "Message submitted via Talking Rock chat"
	}

	msg, err := e.saver.Save(inbox.Input{
		Body:           body,
		SenderName:     name,
		SenderEmail:    email,
		Context:        msgContext,
		IPHash:         meta.IPHash,
		ConversationID: meta.ConversationID,
	})
	if err != nil {
		slog.Error("failed to save contact message", "error", err)
		return Result{Tool: ToolSaveMessage, Reason: "failed to save message, please try again"}
	}

	if e.onSaved != nil {
		e.onSaved(msg)
	}
	return Result{Tool: ToolSaveMessage, Success: true, ID: msg.ID}
}

// FormatResults renders tool results as the follow-up prompt fragment
// fed back to the generator.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("TOOL RESULTS:\n")
	for _, r := range results {
		fmt.Fprintf(&b, "- %s: %s\n", r.Tool, r.ModelPayload())
	}
	b.WriteString("\nNow respond to the visitor based on these tool results. Be natural and conversational.")
	return b.String()
}

// PromptSection returns the tool instructions appended to the generator
// system prompt.
func PromptSection() string {
	return "## MESSAGE TOOL\n\n" +
		"To save a message for Kellogg, output a tool_call block:\n\n" +
		"```tool_call\n" +
		`{"tool": "save_message_for_kellogg", "message": "visitor's message here"}` + "\n" +
		"```\n\n" +
		`Optional fields: "visitor_name", "visitor_email"` + "\n\n" +
		"ONLY use this tool when the visitor explicitly asks to send/leave a message for Kellogg.\n" +
		"Do NOT use for greetings or questions - just answer those normally.\n\n" +
		"When visitor wants to send a message:\n" +
		"1. If they haven't said what to send, ask what they'd like to say\n" +
		"2. When they provide content, use the tool_call block\n" +
		"3. After the tool runs, confirm the message was saved\n"
}
