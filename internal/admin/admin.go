// Package admin serves the owner-only read surface: inbox browsing,
// request-log analytics, and a live log tail over websocket. Routing is
// a plain ServeMux; reachability gating (loopback / trusted proxy)
// happens in the app layer before requests get here.
package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/kbrengel/talkingrock/internal/inbox"
	"github.com/kbrengel/talkingrock/internal/reqlog"
)

const (
	defaultInboxLimit = 50
	maxInboxLimit     = 200

	// tailBuffer is the per-subscriber record buffer; a stalled client
	// loses records instead of stalling the pipeline.
	tailBuffer       = 64
	tailWriteTimeout = 5 * time.Second

	// summaryMaxLine bounds one request-log line during the scan.
	summaryMaxLine = 1 << 20
)

// Handler answers the /admin/ routes.
type Handler struct {
	inbox   *inbox.Store
	log     *reqlog.Log
	logPath string
	mux     *http.ServeMux
}

// New builds the admin route tree. store is required; log enables the
// live tail and logPath the analytics summary (empty disables either
// with a 503 on the matching route).
func New(store *inbox.Store, log *reqlog.Log, logPath string) *Handler {
	h := &Handler{inbox: store, log: log, logPath: logPath, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /admin/inbox", h.handleInboxList)
	h.mux.HandleFunc("GET /admin/inbox/{id}", h.handleInboxMessage)
	h.mux.HandleFunc("GET /admin/analytics/summary", h.handleSummary)
	h.mux.HandleFunc("GET /admin/logs/tail", h.handleTail)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// ─── Inbox ───────────────────────────────────────────────────────────────────

func (h *Handler) handleInboxList(w http.ResponseWriter, r *http.Request) {
	limit := defaultInboxLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxInboxLimit)
	}

	msgs, err := h.inbox.ListRecent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	total, err := h.inbox.Count()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count messages")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"total":    total,
	})
}

func (h *Handler) handleInboxMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.inbox.Get(r.PathValue("id"))
	switch {
	case errors.Is(err, inbox.ErrNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to read message")
	default:
		writeJSON(w, http.StatusOK, msg)
	}
}

// ─── Analytics summary ───────────────────────────────────────────────────────

// Summary aggregates the request log. Content never appears here
// because the underlying records never carried any.
type Summary struct {
	TotalRequests     int            `json:"total_requests"`
	TotalBlocked      int            `json:"total_blocked"`
	BlocksByLayer     map[string]int `json:"blocks_by_layer"`
	BlocksByReason    map[string]int `json:"blocks_by_reason"`
	DomainsBreakdown  map[string]int `json:"domains_breakdown"`
	UniqueClients     int            `json:"unique_clients"`
	AvgResponseTimeMS float64        `json:"avg_response_time_ms"`
	AvgInputLength    float64        `json:"avg_input_length"`
	TotalModelCalls   int            `json:"total_model_calls"`
	WindowDays        int            `json:"window_days,omitempty"`
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	if h.logPath == "" {
		writeError(w, http.StatusServiceUnavailable, "request log not configured")
		return
	}

	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "days must be a non-negative integer")
			return
		}
		days = n
	}

	sum, err := summarize(h.logPath, days, time.Now())
	if err != nil {
		slog.Error("request log summary failed", "path", h.logPath, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read request log")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// summarize scans the JSONL request log and aggregates records newer
// than now − days (days == 0 keeps everything). A missing file yields
// an empty summary; corrupt lines are skipped.
func summarize(path string, days int, now time.Time) (*Summary, error) {
	sum := &Summary{
		BlocksByLayer:    map[string]int{},
		BlocksByReason:   map[string]int{},
		DomainsBreakdown: map[string]int{},
		WindowDays:       days,
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return sum, nil
	}
	if err != nil {
		return nil, fmt.Errorf("admin: open request log: %w", err)
	}
	defer f.Close()

	var cutoff time.Time
	if days > 0 {
		cutoff = now.AddDate(0, 0, -days)
	}

	var (
		clients       = map[string]struct{}{}
		totalResponse int64
		totalInput    int
		skipped       int
	)

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), summaryMaxLine)
	for sc.Scan() {
		var rec reqlog.Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			skipped++
			continue
		}
		if !cutoff.IsZero() && rec.Timestamp.Before(cutoff) {
			continue
		}

		sum.TotalRequests++
		totalResponse += rec.ResponseTimeMS
		totalInput += rec.InputLength
		sum.TotalModelCalls += len(rec.ModelCalls)
		if rec.ClientIPHash != "" {
			clients[rec.ClientIPHash] = struct{}{}
		}
		if rec.BlockedAtLayer != "" {
			sum.TotalBlocked++
			sum.BlocksByLayer[rec.BlockedAtLayer]++
			if rec.BlockReason != "" {
				sum.BlocksByReason[rec.BlockReason]++
			}
		}
		if rec.DomainMatched != "" {
			sum.DomainsBreakdown[rec.DomainMatched]++
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("admin: scan request log: %w", err)
	}
	if skipped > 0 {
		slog.Warn("skipped corrupt request log lines", "count", skipped)
	}

	sum.UniqueClients = len(clients)
	if sum.TotalRequests > 0 {
		sum.AvgResponseTimeMS = round2(float64(totalResponse) / float64(sum.TotalRequests))
		sum.AvgInputLength = round2(float64(totalInput) / float64(sum.TotalRequests))
	}
	return sum, nil
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// ─── Live log tail ───────────────────────────────────────────────────────────

// handleTail upgrades to websocket and streams request-log records as
// JSON text messages until the client disconnects.
func (h *Handler) handleTail(w http.ResponseWriter, r *http.Request) {
	if h.log == nil {
		writeError(w, http.StatusServiceUnavailable, "request log not configured")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin checks add nothing here: the route is loopback or
		// trusted-proxy gated upstream.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("log tail upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "tail aborted")

	records, cancel := h.log.Subscribe(tailBuffer)
	defer cancel()

	// No client messages are expected; CloseRead pumps control frames
	// and cancels the context when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case rec, ok := <-records:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "log closed")
				return
			}
			data, err := json.Marshal(rec)
			if err != nil {
				slog.Warn("log tail marshal failed", "error", err)
				continue
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, tailWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}

// ─── Plumbing ────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("admin response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
