package consumer

import (
	"context"
	"errors"
	"sync"
)

// ErrStaleEpoch rejects a commit from a member whose assignment epoch is
// older than one already recorded for the partition. The fenced member
// must abandon the partition.
var ErrStaleEpoch = errors.New("commit fenced by newer epoch")

// OffsetStore persists the committed read position per group and
// partition. Positions are "next sequence to read": committing N means
// everything below N has been fully handled.
type OffsetStore interface {
	// Committed returns the committed next-read sequence, or zero when the
	// partition has never been committed.
	Committed(ctx context.Context, group string, partition int) (uint64, error)

	// Commit records the next-read sequence together with the committer's
	// epoch. Commits carrying an epoch older than the newest one seen for
	// the (group, partition) pair fail with ErrStaleEpoch.
	Commit(ctx context.Context, group string, partition int, next uint64, epoch int64) error
}

type offsetKey struct {
	group     string
	partition int
}

type offsetEntry struct {
	next  uint64
	epoch int64
}

// MemoryOffsetStore is an in-process OffsetStore for tests and ephemeral
// consumers.
type MemoryOffsetStore struct {
	mu      sync.RWMutex
	offsets map[offsetKey]offsetEntry
}

var _ OffsetStore = (*MemoryOffsetStore)(nil)

// NewMemoryOffsetStore creates an empty in-memory offset store.
func NewMemoryOffsetStore() *MemoryOffsetStore {
	return &MemoryOffsetStore{offsets: make(map[offsetKey]offsetEntry)}
}

func (s *MemoryOffsetStore) Committed(ctx context.Context, group string, partition int) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offsets[offsetKey{group, partition}].next, nil
}

func (s *MemoryOffsetStore) Commit(ctx context.Context, group string, partition int, next uint64, epoch int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := offsetKey{group, partition}
	if existing, ok := s.offsets[key]; ok && existing.epoch > epoch {
		return ErrStaleEpoch
	}
	s.offsets[key] = offsetEntry{next: next, epoch: epoch}
	return nil
}
