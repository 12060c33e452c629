// Package deadletter archives notifications whose retry budget ran out.
// Letters are kept for operator review and are never re-queued
// automatically; resolving one only records who looked at it.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcdev12/orderwire/go/internal/event"
)

var (
	// ErrNotFound is returned when no letter exists for the ID.
	ErrNotFound = errors.New("dead letter not found")

	// ErrAlreadyResolved is returned when resolving a letter twice.
	ErrAlreadyResolved = errors.New("dead letter already resolved")
)

// DeadLetter is one exhausted notification. RecipientID and Channel are
// empty when the archived attempt was a whole-envelope redispatch. The
// event payload is mirrored out of the envelope so operators can query it
// without unpacking the envelope JSON.
type DeadLetter struct {
	ID            uuid.UUID       `json:"id"`
	Envelope      event.Envelope  `json:"envelope"`
	RecipientID   string          `json:"recipient_id,omitempty"`
	RecipientRole event.Role      `json:"recipient_role,omitempty"`
	Channel       string          `json:"channel,omitempty"`
	Reason        string          `json:"reason"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy    *string         `json:"resolved_by,omitempty"`
}

// Resolved reports whether an operator has signed the letter off.
func (d DeadLetter) Resolved() bool {
	return d.ResolvedAt != nil
}

// ListFilter narrows List results.
type ListFilter struct {
	UnresolvedOnly bool
	Limit          int
}

// Stats summarizes the archive for dashboards.
type Stats struct {
	Total            int64      `json:"total"`
	Unresolved       int64      `json:"unresolved"`
	OldestUnresolved *time.Time `json:"oldest_unresolved,omitempty"`
}

// Store persists dead letters.
type Store interface {
	// Insert archives a letter. Re-inserting an existing ID is a no-op,
	// so archiving stays safe under at-least-once delivery.
	Insert(ctx context.Context, letter DeadLetter) error

	// List returns letters newest first.
	List(ctx context.Context, filter ListFilter) ([]DeadLetter, error)

	// Get returns one letter or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (DeadLetter, error)

	// Resolve stamps the letter with the resolver and time. Resolving a
	// resolved letter returns ErrAlreadyResolved.
	Resolve(ctx context.Context, id uuid.UUID, by string) (DeadLetter, error)

	// Stats counts the archive.
	Stats(ctx context.Context) (Stats, error)
}

// MemoryStore is the in-process Store used by tests and single-node
// development pipelines.
type MemoryStore struct {
	mu      sync.Mutex
	letters map[uuid.UUID]DeadLetter
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{letters: make(map[uuid.UUID]DeadLetter)}
}

func (s *MemoryStore) Insert(ctx context.Context, letter DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.letters[letter.ID]; exists {
		return nil
	}
	s.letters[letter.ID] = letter
	return nil
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]DeadLetter, 0, len(s.letters))
	for _, letter := range s.letters {
		if filter.UnresolvedOnly && letter.Resolved() {
			continue
		}
		out = append(out, letter)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	letter, exists := s.letters[id]
	if !exists {
		return DeadLetter{}, ErrNotFound
	}
	return letter, nil
}

func (s *MemoryStore) Resolve(ctx context.Context, id uuid.UUID, by string) (DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	letter, exists := s.letters[id]
	if !exists {
		return DeadLetter{}, ErrNotFound
	}
	if letter.Resolved() {
		return DeadLetter{}, ErrAlreadyResolved
	}
	now := time.Now().UTC()
	letter.ResolvedAt = &now
	letter.ResolvedBy = &by
	s.letters[id] = letter
	return letter, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{Total: int64(len(s.letters))}
	for _, letter := range s.letters {
		if letter.Resolved() {
			continue
		}
		stats.Unresolved++
		if stats.OldestUnresolved == nil || letter.CreatedAt.Before(*stats.OldestUnresolved) {
			created := letter.CreatedAt
			stats.OldestUnresolved = &created
		}
	}
	return stats, nil
}
