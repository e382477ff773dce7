// Package reqlog persists one anonymized record per chat request. A
// record carries timing, the layers passed, block outcome and model-call
// accounting — never the message text, the response text, or the raw
// client ip. Records fan out to one or more sinks (JSONL file, optional
// Postgres) and to live subscribers such as the admin log tail.
package reqlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ModelCall accounts for a single backend model invocation.
type ModelCall struct {
	Model      string `json:"model"`
	DurationMS int64  `json:"duration_ms"`
	TokensIn   int    `json:"tokens_in"`
	TokensOut  int    `json:"tokens_out"`
}

// Record is the per-request log entry. Content fields are deliberately
// absent: only lengths, codes and timings are stored.
type Record struct {
	Timestamp      time.Time   `json:"timestamp"`
	RequestID      string      `json:"request_id"`
	ClientIPHash   string      `json:"client_ip_hash"`
	InputLength    int         `json:"input_length"`
	LayersPassed   []string    `json:"layers_passed"`
	BlockedAtLayer string      `json:"blocked_at_layer,omitempty"`
	BlockReason    string      `json:"block_reason,omitempty"`
	DomainMatched  string      `json:"domain_matched,omitempty"`
	ResponseTimeMS int64       `json:"response_time_ms"`
	ModelCalls     []ModelCall `json:"model_calls"`
}

// Sink receives finished records. Implementations must be safe for
// concurrent use.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	Close() error
}

// Log fans records out to sinks and live subscribers. Sink errors are
// logged and swallowed: a failing log store must never fail a request.
// All methods are safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	sinks   []Sink
	subs    map[int]chan Record
	nextSub int
	closed  bool

	now func() time.Time // test hook
}

// New creates a Log writing to the given sinks.
func New(sinks ...Sink) *Log {
	return &Log{
		sinks: sinks,
		subs:  make(map[int]chan Record),
		now:   time.Now,
	}
}

// Write records one request. A zero timestamp is filled in and nil
// slices are normalized so every emitted record has the full field set.
// Subscribers that cannot keep up lose records rather than block.
func (l *Log) Write(ctx context.Context, rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now().UTC()
	}
	if rec.LayersPassed == nil {
		rec.LayersPassed = []string{}
	}
	if rec.ModelCalls == nil {
		rec.ModelCalls = []ModelCall{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	for _, sink := range l.sinks {
		if err := sink.Write(ctx, rec); err != nil {
			slog.Error("request log sink write failed", "error", err)
		}
	}
	for _, ch := range l.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

// Subscribe registers a live tap on the record stream. The returned
// cancel function must be called when the subscriber goes away; it
// closes the channel.
func (l *Log) Subscribe(buffer int) (<-chan Record, func()) {
	if buffer < 1 {
		buffer = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextSub
	l.nextSub++
	ch := make(chan Record, buffer)
	if l.closed {
		close(ch)
		return ch, func() {}
	}
	l.subs[id] = ch

	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if sub, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close shuts down all sinks and closes subscriber channels. Write
// becomes a no-op afterwards.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var firstErr error
	for _, sink := range l.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
	return firstErr
}

// FileSink appends records as JSON lines to a local file.
type FileSink struct {
	mu   sync.Mutex
	path string
}

// NewFileSink creates a FileSink writing to path, creating parent
// directories as needed. The file itself is created on first write.
func NewFileSink(path string) (*FileSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("reqlog: create directory: %w", err)
		}
	}
	return &FileSink{path: path}, nil
}

// Write appends one record as a JSON line.
func (s *FileSink) Write(_ context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("reqlog: marshal: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("reqlog: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("reqlog: write: %w", err)
	}
	return nil
}

// Close implements [Sink]. The file handle is not held open.
func (s *FileSink) Close() error { return nil }
