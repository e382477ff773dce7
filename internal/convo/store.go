// Package convo implements the in-memory conversation store behind
// multi-turn chat.
//
// Conversations are identified by opaque ids generated server side. A
// conversation expires when it sees no activity for the configured TTL;
// expired entries are swept lazily on access and by an optional background
// sweeper. The store is capacity bounded: when full, the least recently
// active conversation is evicted to make room.
//
// All methods are safe for concurrent use.
package convo

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// charsPerToken is the heuristic ratio used for token estimation.
// English text averages roughly 4 characters per token across common
// LLM tokenizers. This avoids pulling in a tokenizer dependency.
const charsPerToken = 4

// sweepInterval bounds how often expired conversations are swept inline
// on access.
const sweepInterval = time.Minute

// Roles a stored turn may carry. Tool results and system prompts never
// enter the store; they live only in per-request scratch state.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrNotFound is returned by Append when the conversation does not exist
// or expired between the snapshot read and the append.
var ErrNotFound = errors.New("convo: conversation not found")

// Turn is a single message in a conversation.
type Turn struct {
	Role      string
	Content   string
	Timestamp time.Time

	// Domain is the knowledge domain the assistant answered from.
	// Empty on user turns.
	Domain string

	// ResponseTimeMS is the total pipeline latency for producing an
	// assistant turn. Zero on user turns.
	ResponseTimeMS int64
}

// Conversation is a point-in-time snapshot handed to the pipeline. The
// turn slice is a copy; mutating it does not affect the store.
type Conversation struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time
	Turns        []Turn
}

// UserTurns counts the user messages in the snapshot.
func (c Conversation) UserTurns() int {
	return countUserTurns(c.Turns)
}

// History returns the newest suffix of the snapshot's turns whose estimated
// token count fits maxTokens. Turns are dropped oldest first and in
// user/assistant pairs, so the result always starts on a user turn and
// alternation stays valid.
func (c Conversation) History(maxTokens int) []Turn {
	if maxTokens <= 0 {
		return nil
	}
	turns := c.Turns
	total := 0
	for _, t := range turns {
		total += estimateTurnTokens(t)
	}
	for len(turns) > 0 && total > maxTokens {
		drop := 1
		if len(turns) > 1 && turns[0].Role == RoleUser && turns[1].Role == RoleAssistant {
			drop = 2
		}
		for i := 0; i < drop; i++ {
			total -= estimateTurnTokens(turns[i])
		}
		turns = turns[drop:]
	}
	return turns
}

// Config bounds the store. Zero values fall back to the package defaults.
type Config struct {
	// MaxTurns is the maximum number of user turns kept per conversation.
	// Appending beyond it evicts the oldest turn pair.
	MaxTurns int

	// TTL is the idle time after which a conversation expires.
	TTL time.Duration

	// MaxConversations bounds the store globally. When full, the least
	// recently active conversation is evicted on create.
	MaxConversations int
}

const (
	defaultMaxTurns         = 10
	defaultTTL              = 30 * time.Minute
	defaultMaxConversations = 10000
)

// Store holds all live conversations.
type Store struct {
	maxTurns         int
	ttl              time.Duration
	maxConversations int

	mu        sync.Mutex
	convos    map[string]*record
	lastSweep time.Time

	now func() time.Time // swapped in tests
}

// record is the mutable store-side state of one conversation. Only the
// store touches it, always with the lock held.
type record struct {
	id           string
	createdAt    time.Time
	lastActivity time.Time
	turns        []Turn
}

func (r *record) snapshot() Conversation {
	turns := make([]Turn, len(r.turns))
	copy(turns, r.turns)
	return Conversation{
		ID:           r.id,
		CreatedAt:    r.createdAt,
		LastActivity: r.lastActivity,
		Turns:        turns,
	}
}

// New creates a store with the given bounds.
func New(cfg Config) *Store {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.MaxConversations <= 0 {
		cfg.MaxConversations = defaultMaxConversations
	}
	return &Store{
		maxTurns:         cfg.MaxTurns,
		ttl:              cfg.TTL,
		maxConversations: cfg.MaxConversations,
		convos:           make(map[string]*record),
		lastSweep:        time.Now(),
		now:              time.Now,
	}
}

// GetOrCreate returns a snapshot of the conversation with the given id, or
// a fresh conversation when the id is empty, unknown, or expired. Unknown
// and expired ids always yield a newly generated id, so stale client ids
// can neither resurrect nor squat an entry. The second return value reports
// whether the conversation was created by this call.
func (s *Store) GetOrCreate(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) > sweepInterval {
		s.sweepLocked(now)
		s.lastSweep = now
	}

	if id != "" {
		if rec, ok := s.convos[id]; ok {
			if !s.expired(rec, now) {
				return rec.snapshot(), false
			}
			delete(s.convos, id)
		}
	}

	if len(s.convos) >= s.maxConversations {
		s.evictOldest()
	}
	rec := &record{
		id:           uuid.NewString(),
		createdAt:    now,
		lastActivity: now,
	}
	s.convos[rec.id] = rec
	return rec.snapshot(), true
}

// Get returns a snapshot of an existing, unexpired conversation.
func (s *Store) Get(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.convos[id]
	if !ok {
		return Conversation{}, false
	}
	if s.expired(rec, s.now()) {
		delete(s.convos, id)
		return Conversation{}, false
	}
	return rec.snapshot(), true
}

// Append records one completed exchange: the user turn and the assistant
// turn land together or not at all. Roles are set by the store; zero
// timestamps are filled with the current time. When the conversation is
// over its user-turn bound afterwards, the oldest turn pair is evicted.
func (s *Store) Append(id string, user, assistant Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.convos[id]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	if s.expired(rec, now) {
		delete(s.convos, id)
		return ErrNotFound
	}

	user.Role = RoleUser
	assistant.Role = RoleAssistant
	if user.Timestamp.IsZero() {
		user.Timestamp = now
	}
	if assistant.Timestamp.IsZero() {
		assistant.Timestamp = now
	}

	rec.turns = append(rec.turns, user, assistant)
	rec.lastActivity = now

	for countUserTurns(rec.turns) > s.maxTurns {
		drop := 1
		if len(rec.turns) > 1 && rec.turns[0].Role == RoleUser && rec.turns[1].Role == RoleAssistant {
			drop = 2
		}
		rec.turns = rec.turns[drop:]
	}
	return nil
}

// Delete removes a conversation. It reports whether one was removed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convos[id]; !ok {
		return false
	}
	delete(s.convos, id)
	return true
}

// Sweep evicts every expired conversation and returns how many were
// removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.now())
}

// Len returns the number of live conversations, including any that expired
// since the last sweep.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convos)
}

// Stats reports store occupancy for health and admin views.
type Stats struct {
	ActiveConversations int `json:"active_conversations"`
	MaxTurns            int `json:"max_turns"`
	TTLSeconds          int `json:"ttl_seconds"`
}

// GetStats returns current store occupancy.
func (s *Store) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		ActiveConversations: len(s.convos),
		MaxTurns:            s.maxTurns,
		TTLSeconds:          int(s.ttl / time.Second),
	}
}

// StartSweeper launches a goroutine that sweeps expired conversations every
// interval until ctx is cancelled or the returned stop function is called.
// The stop function is idempotent and waits for the goroutine to exit.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) func() {
	if interval <= 0 {
		interval = time.Minute
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					slog.Debug("swept expired conversations", "count", n)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (s *Store) expired(rec *record, now time.Time) bool {
	return now.Sub(rec.lastActivity) > s.ttl
}

// sweepLocked removes expired conversations. Must be called with the lock
// held.
func (s *Store) sweepLocked(now time.Time) int {
	removed := 0
	for id, rec := range s.convos {
		if s.expired(rec, now) {
			delete(s.convos, id)
			removed++
		}
	}
	return removed
}

// evictOldest drops the least recently active conversation. Must be called
// with the lock held.
func (s *Store) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, rec := range s.convos {
		if oldestID == "" || rec.lastActivity.Before(oldest) {
			oldestID = id
			oldest = rec.lastActivity
		}
	}
	if oldestID != "" {
		delete(s.convos, oldestID)
	}
}

func countUserTurns(turns []Turn) int {
	n := 0
	for _, t := range turns {
		if t.Role == RoleUser {
			n++
		}
	}
	return n
}

// estimateTurnTokens returns a rough token count for a single turn using
// the 1-token-per-4-characters heuristic.
func estimateTurnTokens(t Turn) int {
	chars := len(t.Content) + len(t.Role)
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}
