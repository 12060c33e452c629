package retry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an attempt ID has no row.
var ErrNotFound = errors.New("retry attempt not found")

// Store persists delivery attempts. Implementations must make ClaimDue
// atomic so concurrent scheduler instances never execute the same attempt
// twice.
type Store interface {
	// Create inserts a new attempt.
	Create(ctx context.Context, a *Attempt) error

	// Update rewrites an existing attempt. ErrNotFound if missing.
	Update(ctx context.Context, a *Attempt) error

	// Get returns one attempt by ID. ErrNotFound if missing.
	Get(ctx context.Context, id uuid.UUID) (Attempt, error)

	// ClaimDue atomically flips PENDING attempts due at now to IN_FLIGHT
	// and returns them, oldest deadline first.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Attempt, error)

	// NextDue returns the earliest NextRetryAt among PENDING attempts.
	// ok is false when nothing is pending.
	NextDue(ctx context.Context) (next time.Time, ok bool, err error)

	// RecoverInFlight returns IN_FLIGHT attempts to PENDING. Called on
	// scheduler startup so attempts claimed by a crashed instance run again.
	RecoverInFlight(ctx context.Context) (int, error)

	// MarkDeadLettered forces an attempt into the terminal dead letter
	// state, recording the final error.
	MarkDeadLettered(ctx context.Context, id uuid.UUID, lastError string) error

	// ListDeadLettered returns dead lettered attempts, newest first.
	ListDeadLettered(ctx context.Context, limit int) ([]Attempt, error)
}

// MemoryStore is the in-process Store used in tests and single-node
// development runs.
type MemoryStore struct {
	mu       sync.Mutex
	attempts map[uuid.UUID]Attempt
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{attempts: make(map[uuid.UUID]Attempt)}
}

func (s *MemoryStore) Create(ctx context.Context, a *Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[a.ID] = *a
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, a *Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.attempts[a.ID]; !exists {
		return ErrNotFound
	}
	s.attempts[a.ID] = *a
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, exists := s.attempts[id]
	if !exists {
		return Attempt{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Attempt
	for _, a := range s.attempts {
		if a.Status == StatusPending && !a.NextRetryAt.After(now) {
			due = append(due, a)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Status = StatusInFlight
		due[i].UpdatedAt = now
		s.attempts[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *MemoryStore) NextDue(ctx context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next time.Time
	found := false
	for _, a := range s.attempts {
		if a.Status != StatusPending {
			continue
		}
		if !found || a.NextRetryAt.Before(next) {
			next = a.NextRetryAt
			found = true
		}
	}
	return next, found, nil
}

func (s *MemoryStore) RecoverInFlight(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recovered := 0
	for id, a := range s.attempts {
		if a.Status == StatusInFlight {
			a.Status = StatusPending
			s.attempts[id] = a
			recovered++
		}
	}
	return recovered, nil
}

func (s *MemoryStore) MarkDeadLettered(ctx context.Context, id uuid.UUID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.attempts[id]
	if !exists {
		return ErrNotFound
	}
	a.Status = StatusDeadLettered
	a.LastError = lastError
	a.UpdatedAt = time.Now().UTC()
	s.attempts[id] = a
	return nil
}

func (s *MemoryStore) ListDeadLettered(ctx context.Context, limit int) ([]Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Attempt
	for _, a := range s.attempts {
		if a.Status == StatusDeadLettered {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
