// Package app assembles the HTTP surface of the chat service.
//
// The Server owns the listener lifecycle: New wires routes and
// middleware from already-constructed collaborators, Run serves until
// the context is cancelled, and Shutdown drains in-flight requests.
// main builds the collaborators (pipeline, stores, limiter, notifier)
// and injects them; nothing in this package talks to a model.
//
// Transport policy: POST /chat answers 200 for successful replies and
// pipeline refusals alike — the envelope carries the verdict. 4xx is
// reserved for malformed transport (bad content type, oversize body,
// invalid JSON) and 5xx for true internal failure. Owner surfaces
// (/metrics, /admin/) answer 404 unless the peer is loopback or a
// trusted proxy.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kbrengel/talkingrock/internal/config"
	"github.com/kbrengel/talkingrock/internal/health"
	"github.com/kbrengel/talkingrock/internal/inbox"
	"github.com/kbrengel/talkingrock/internal/observe"
	"github.com/kbrengel/talkingrock/internal/pipeline"
	"github.com/kbrengel/talkingrock/internal/ratelimit"
)

// Version is the gateway release, reported in the root banner and in
// telemetry resource attributes.
const Version = "0.1.0"

const (
	// shutdownGrace bounds how long Shutdown waits for in-flight requests.
	shutdownGrace = 10 * time.Second

	// Fallbacks when the config carries zero values (tests mostly).
	fallbackMaxRequestSize = 8192
	fallbackMaxInputLength = 2000

	maxSenderNameLength     = 100
	maxSenderEmailLength    = 254
	maxConversationIDLength = 100
)

// contactEmailPattern is deliberately loose: one @, a dot in the domain,
// no whitespace. Anything fancier belongs to the mail server.
var contactEmailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ChatService is the slice of the pipeline the transport needs.
type ChatService interface {
	Process(ctx context.Context, req pipeline.Request) *pipeline.Response
}

// Notifier is told about newly stored inbox messages. Implementations
// must return promptly; delivery is best-effort.
type Notifier interface {
	MessageSaved(msg inbox.Message)
}

// Deps are the collaborators the server routes requests to. Chat,
// Limiter and Inbox are required. Health, Admin, Notifier and Metrics
// may be nil; the matching feature is then disabled.
type Deps struct {
	Chat     ChatService
	Limiter  *ratelimit.Limiter
	Inbox    *inbox.Store
	Notifier Notifier
	Health   *health.Handler
	Admin    http.Handler
	Metrics  *observe.Metrics
}

// Server is the HTTP front of the service.
type Server struct {
	cfg  *config.Config
	deps Deps
	ips  *ipPolicy

	httpSrv *http.Server

	stopOnce sync.Once
}

// New wires the route tree. Admin routes and /metrics are registered
// only when enabled in config, so disabled surfaces 404 exactly like
// paths that never existed.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	switch {
	case cfg == nil:
		return nil, errors.New("app: nil config")
	case deps.Chat == nil:
		return nil, errors.New("app: nil chat service")
	case deps.Limiter == nil:
		return nil, errors.New("app: nil rate limiter")
	case deps.Inbox == nil:
		return nil, errors.New("app: nil inbox store")
	}

	ips, err := newIPPolicy(cfg.Security.TrustedProxies)
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, deps: deps, ips: ips}

	metrics := deps.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.Handle("POST /chat", s.cors(http.HandlerFunc(s.handleChat)))
	mux.Handle("OPTIONS /chat", s.cors(nil))
	mux.Handle("POST /contact", s.cors(http.HandlerFunc(s.handleContact)))
	mux.Handle("OPTIONS /contact", s.cors(nil))
	if deps.Health != nil {
		deps.Health.Register(mux)
	}
	if cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", s.ownerOnly(promhttp.Handler()))
	}
	if cfg.Admin.Enabled && deps.Admin != nil {
		mux.Handle("/admin/", s.ownerOnly(deps.Admin))
	}

	timeout := time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second
	s.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       timeout,
		// Writes start only after the pipeline finishes, so the write
		// window gets the full request budget on top.
		WriteTimeout: 2 * timeout,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler exposes the composed route tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Run serves until ctx is cancelled or the listener fails. On
// cancellation it drains in-flight requests for up to shutdownGrace
// and reports the drain outcome.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", s.httpSrv.Addr)
		err := s.httpSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown drains the server once; repeat calls are no-ops.
func (s *Server) Shutdown() error {
	var err error
	s.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		slog.Info("http server draining")
		err = s.httpSrv.Shutdown(ctx)
	})
	return err
}

// ─── Handlers ────────────────────────────────────────────────────────────────

// chatRequest is the POST /chat body.
type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if status, err := s.decodeBody(w, r, &req); err != nil {
		writeError(w, status, err.Error())
		return
	}
	if utf8.RuneCountInString(req.ConversationID) > maxConversationIDLength {
		writeError(w, http.StatusBadRequest, "conversation_id too long")
		return
	}

	resp := s.deps.Chat.Process(r.Context(), pipeline.Request{
		Message:        req.Message,
		ConversationID: req.ConversationID,
		IPHash:         hashIP(s.cfg.Security.IPSalt, s.ips.clientIP(r)),
	})
	writeJSON(w, http.StatusOK, resp)
}

// contactRequest is the POST /contact body. Bounds follow the public
// form; the chat-side tool runs its own validator.
type contactRequest struct {
	Message        string `json:"message"`
	SenderName     string `json:"sender_name"`
	SenderEmail    string `json:"sender_email"`
	Context        string `json:"context"`
	ConversationID string `json:"conversation_id"`
}

// contactResponse acknowledges a stored message.
type contactResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
}

func (s *Server) handleContact(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if status, err := s.decodeBody(w, r, &req); err != nil {
		writeError(w, status, err.Error())
		return
	}

	ipHash := hashIP(s.cfg.Security.IPSalt, s.ips.clientIP(r))

	// The form shares the chat windows, so spamming one surface starves
	// the other instead of doubling the budget.
	if res := s.deps.Limiter.Allow(ipHash); !res.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(res.RetryAfter)))
		writeError(w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
		return
	}

	if err := s.validateContact(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := s.deps.Inbox.Save(inbox.Input{
		Body:           req.Message,
		SenderName:     req.SenderName,
		SenderEmail:    req.SenderEmail,
		Context:        req.Context,
		IPHash:         ipHash,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		observe.Logger(r.Context()).Error("contact message store failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to store message. Please try again.")
		return
	}

	observe.Logger(r.Context()).Info("contact message stored", "message_id", msg.ID)
	if s.deps.Notifier != nil {
		s.deps.Notifier.MessageSaved(msg)
	}
	writeJSON(w, http.StatusOK, contactResponse{Success: true, MessageID: msg.ID})
}

// validateContact trims and bounds the form fields in place.
func (s *Server) validateContact(req *contactRequest) error {
	maxLen := s.cfg.Limits.MaxInputLength
	if maxLen <= 0 {
		maxLen = fallbackMaxInputLength
	}

	req.Message = strings.TrimSpace(req.Message)
	req.SenderName = strings.TrimSpace(req.SenderName)
	req.SenderEmail = strings.TrimSpace(req.SenderEmail)

	switch {
	case req.Message == "":
		return errors.New("message is required")
	case utf8.RuneCountInString(req.Message) > maxLen:
		return fmt.Errorf("message exceeds %d characters", maxLen)
	case utf8.RuneCountInString(req.SenderName) > maxSenderNameLength:
		return fmt.Errorf("sender_name exceeds %d characters", maxSenderNameLength)
	case utf8.RuneCountInString(req.SenderEmail) > maxSenderEmailLength:
		return fmt.Errorf("sender_email exceeds %d characters", maxSenderEmailLength)
	case req.SenderEmail != "" && !contactEmailPattern.MatchString(req.SenderEmail):
		return errors.New("invalid email format")
	case utf8.RuneCountInString(req.Context) > maxLen:
		return fmt.Errorf("context exceeds %d characters", maxLen)
	case utf8.RuneCountInString(req.ConversationID) > maxConversationIDLength:
		return errors.New("conversation_id too long")
	}
	return nil
}

// handleRoot serves a minimal service banner.
func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "talkingrock",
		"version": Version,
		"chat":    "/chat",
		"contact": "/contact",
		"health":  "/health",
	})
}

// ─── Transport plumbing ──────────────────────────────────────────────────────

// decodeBody enforces the contract shared by the JSON POST endpoints:
// an application/json content type, a body within the configured size
// cap, and a payload that decodes into dst. On failure it returns the
// HTTP status to answer with.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) (int, error) {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != "application/json" {
		return http.StatusUnsupportedMediaType, errors.New("content type must be application/json")
	}

	maxBytes := int64(s.cfg.Limits.MaxRequestSize)
	if maxBytes <= 0 {
		maxBytes = fallbackMaxRequestSize
	}
	body := http.MaxBytesReader(w, r.Body, maxBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return http.StatusRequestEntityTooLarge, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return http.StatusBadRequest, errors.New("invalid JSON body")
	}
	return http.StatusOK, nil
}

// cors applies the configured origin policy. With a nil next the
// handler serves preflight only, which is how the OPTIONS routes are
// registered.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.allowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if next != nil {
			next.ServeHTTP(w, r)
		}
	})
}

func (s *Server) allowedOrigin(origin string) bool {
	for _, o := range s.cfg.Server.CORSOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// ownerOnly hides a handler from the public internet: requests not
// arriving from loopback or a trusted proxy get the same 404 an
// unregistered route would.
func (s *Server) ownerOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ips.ownerSource(r) {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

// writeJSON encodes v with the given status. Encoding failures are
// logged; the status line is already sent by then.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

// writeError ships the transport-failure envelope. Pipeline verdicts
// never pass through here; those ride the 200 envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error": map[string]string{
			"code":    errorCode(status),
			"message": msg,
		},
	})
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_REQUEST"
	case http.StatusUnsupportedMediaType:
		return "UNSUPPORTED_MEDIA_TYPE"
	case http.StatusRequestEntityTooLarge:
		return "REQUEST_TOO_LARGE"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	default:
		return "INTERNAL_ERROR"
	}
}
