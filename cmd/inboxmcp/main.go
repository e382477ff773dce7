// Command inboxmcp exposes the gateway's contact inbox to MCP clients
// over stdio. The gateway stores one JSON file per visitor message; this
// binary lets the owner browse them from any MCP-capable client without
// shelling into the server:
//
//	{"mcpServers": {"inbox": {"command": "inboxmcp", "args": ["-dir", "/var/lib/talkingrock/inbox"]}}}
//
// Two tools are exported: "list_messages" (recent messages with a body
// excerpt) and "read_message" (one full message by id). The transport owns
// stdout, so all logging goes to stderr.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kbrengel/talkingrock/internal/inbox"
)

const version = "0.1.0"

const (
	// defaultListLimit is how many messages list_messages returns when the
	// caller does not ask for a specific count.
	defaultListLimit = 20

	// maxListLimit caps a single listing.
	maxListLimit = 200

	// excerptLen bounds the body excerpt in listings.
	excerptLen = 120
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	dir := flag.String("dir", "./data/inbox", "inbox directory holding one JSON file per message")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	// ── Inbox store ───────────────────────────────────────────────────────────
	store, err := inbox.New(*dir)
	if err != nil {
		slog.Error("failed to open inbox store", "dir", *dir, "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── MCP server over stdio ─────────────────────────────────────────────────
	server := newServer(store)
	slog.Info("inbox mcp server ready", "dir", store.Dir())

	if err := server.Run(ctx, &mcpsdk.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── MCP server ────────────────────────────────────────────────────────────────

var listSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"limit": {
			"type": "integer",
			"description": "Maximum number of messages to return, most recent first. Default 20, cap 200."
		}
	}
}`)

var readSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"id": {
			"type": "string",
			"description": "Message id as reported by list_messages."
		}
	},
	"required": ["id"]
}`)

// inboxServer carries the store behind the tool handlers.
type inboxServer struct {
	store *inbox.Store
}

// newServer builds the MCP server with both inbox tools registered.
func newServer(store *inbox.Store) *mcpsdk.Server {
	s := &inboxServer{store: store}

	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "talkingrock-inbox",
		Version: version,
	}, nil)

	server.AddTool(&mcpsdk.Tool{
		Name:        "list_messages",
		Description: "List recent contact messages from the portfolio site, most recent first. Returns id, timestamp, sender and a body excerpt per message plus the inbox total.",
		InputSchema: listSchema,
	}, s.handleList)

	server.AddTool(&mcpsdk.Tool{
		Name:        "read_message",
		Description: "Read one contact message in full by its id.",
		InputSchema: readSchema,
	}, s.handleRead)

	return server
}

type listArgs struct {
	Limit int `json:"limit"`
}

type readArgs struct {
	ID string `json:"id"`
}

// messageSummary is one listing row. The full body stays behind
// read_message so a large inbox doesn't flood the client's context.
type messageSummary struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	SenderName  string    `json:"sender_name,omitempty"`
	SenderEmail string    `json:"sender_email,omitempty"`
	Excerpt     string    `json:"excerpt"`
}

type listPayload struct {
	Messages []messageSummary `json:"messages"`
	Total    int              `json:"total"`
}

func (s *inboxServer) handleList(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args listArgs
	if err := decodeArgs(req.Params.Arguments, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	limit := args.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	msgs, err := s.store.ListRecent(limit)
	if err != nil {
		return errorResult(fmt.Sprintf("list messages: %v", err)), nil
	}
	total, err := s.store.Count()
	if err != nil {
		return errorResult(fmt.Sprintf("count messages: %v", err)), nil
	}

	payload := listPayload{Messages: make([]messageSummary, len(msgs)), Total: total}
	for i, m := range msgs {
		payload.Messages[i] = messageSummary{
			ID:          m.ID,
			Timestamp:   m.Timestamp,
			SenderName:  m.SenderName,
			SenderEmail: m.SenderEmail,
			Excerpt:     excerpt(m.Body, excerptLen),
		}
	}
	return jsonResult(payload)
}

func (s *inboxServer) handleRead(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args readArgs
	if err := decodeArgs(req.Params.Arguments, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.ID == "" {
		return errorResult("id is required"), nil
	}

	msg, err := s.store.Get(args.ID)
	if errors.Is(err, inbox.ErrNotFound) {
		return errorResult(fmt.Sprintf("no message with id %q", args.ID)), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("read message: %v", err)), nil
	}
	return jsonResult(msg)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// decodeArgs unmarshals a tool call's arguments into v via a marshal
// round-trip, which handles both raw-JSON and decoded-map argument forms.
func decodeArgs(args any, v any) error {
	if args == nil {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

// jsonResult marshals payload and wraps it in a text content block.
func jsonResult(payload any) (*mcpsdk.CallToolResult, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}, nil
}

// errorResult reports a domain failure in-band so the client model can
// react; protocol errors stay with the error return.
func errorResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
	}
}

func excerpt(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
