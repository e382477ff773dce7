// Package inbox stores contact messages left by site visitors. Each
// message lives in its own JSON file so the inbox can be browsed with
// nothing more than a file manager, and a single corrupt file never
// hides the rest.
//
// Messages may carry visitor email addresses, so files are created with
// owner-only permissions regardless of the process umask.
package inbox

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by [Store.Get] when no message has the given id.
var ErrNotFound = errors.New("inbox: message not found")

// defaultListLimit bounds ListRecent when the caller passes no limit.
const defaultListLimit = 50

// Message is a stored contact message.
type Message struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Body           string    `json:"message"`
	SenderName     string    `json:"sender_name,omitempty"`
	SenderEmail    string    `json:"sender_email,omitempty"`
	Context        string    `json:"context,omitempty"`
	IPHash         string    `json:"ip_hash,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
}

// Input carries the fields of an incoming contact message. Only Body is
// required; everything else is optional metadata.
type Input struct {
	Body           string
	SenderName     string
	SenderEmail    string
	Context        string
	IPHash         string
	ConversationID string
}

// Store persists contact messages as one JSON file per message, named
// YYYY-MM-DD_<id>.json inside a single directory.
// All methods are safe for concurrent use.
type Store struct {
	dir string

	mu  sync.Mutex
	now func() time.Time // test hook
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("inbox: create directory: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Dir returns the directory messages are stored in.
func (s *Store) Dir() string { return s.dir }

// Save writes a new message to disk and returns it with its generated
// id and timestamp filled in.
func (s *Store) Save(in Input) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	u := uuid.New()
	msg := Message{
		ID:             hex.EncodeToString(u[:])[:12],
		Timestamp:      now,
		Body:           in.Body,
		SenderName:     in.SenderName,
		SenderEmail:    in.SenderEmail,
		Context:        in.Context,
		IPHash:         in.IPHash,
		ConversationID: in.ConversationID,
	}

	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return Message{}, fmt.Errorf("inbox: marshal: %w", err)
	}

	name := fmt.Sprintf("%s_%s.json", now.Format("2006-01-02"), msg.ID)
	path := filepath.Join(s.dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return Message{}, fmt.Errorf("inbox: open file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return Message{}, fmt.Errorf("inbox: write: %w", err)
	}
	if err := f.Close(); err != nil {
		return Message{}, fmt.Errorf("inbox: close: %w", err)
	}

	slog.Info("stored contact message", "id", msg.ID, "ip_hash", in.IPHash)
	return msg, nil
}

// ListRecent returns up to limit messages, newest first. Files that fail
// to parse are skipped with a warning.
func (s *Store) ListRecent(limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.messageFiles()
	if err != nil {
		return nil, err
	}

	// Filenames start with the date, so name order is chronological.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	msgs := make([]Message, 0, min(limit, len(names)))
	for _, name := range names {
		if len(msgs) == limit {
			break
		}
		msg, err := s.readFile(name)
		if err != nil {
			slog.Warn("skipping unreadable contact file", "file", name, "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Get returns the message with the given id, or [ErrNotFound].
func (s *Store) Get(id string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.messageFiles()
	if err != nil {
		return Message{}, err
	}

	suffix := "_" + id + ".json"
	for _, name := range names {
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		msg, err := s.readFile(name)
		if err != nil {
			slog.Warn("skipping unreadable contact file", "file", name, "error", err)
			continue
		}
		return msg, nil
	}
	return Message{}, ErrNotFound
}

// Count returns the number of stored messages.
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.messageFiles()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

func (s *Store) messageFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("inbox: read directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func (s *Store) readFile(name string) (Message, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}
