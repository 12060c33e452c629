package consumer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	owerrors "github.com/mcdev12/orderwire/go/internal/errors"
)

// Assignment is a snapshot of the partitions a member owns. The epoch
// increments on every membership change; a member holding an older epoch
// is stale and must not commit.
type Assignment struct {
	Epoch      int64
	Partitions []int
}

// Coordinator hands out disjoint partition sets to group members and
// notifies them when ownership changes. Implementations must guarantee
// that at any epoch every partition belongs to exactly one member.
type Coordinator interface {
	// Join registers the member and returns its assignment feed. The feed
	// always carries the latest assignment; stale intermediate snapshots
	// may be dropped. The channel closes when the member leaves.
	Join(ctx context.Context, member string) (<-chan Assignment, error)

	// Leave deregisters the member and triggers a rebalance of its
	// partitions. Leaving twice is harmless.
	Leave(ctx context.Context, member string) error
}

// LocalCoordinator is the in-process Coordinator. It splits partitions
// round-robin over members in name order, bumping the epoch on every
// membership change. An external coordination service can replace it by
// implementing the same interface.
type LocalCoordinator struct {
	partitions int

	mu      sync.Mutex
	epoch   int64
	members map[string]chan Assignment
}

var _ Coordinator = (*LocalCoordinator)(nil)

// NewLocalCoordinator creates a coordinator over a fixed partition count.
func NewLocalCoordinator(partitions int) (*LocalCoordinator, error) {
	if partitions < 1 {
		return nil, &owerrors.ConfigurationError{
			Component: "coordinator",
			Reason:    fmt.Sprintf("partition count must be at least 1, got %d", partitions),
		}
	}
	return &LocalCoordinator{
		partitions: partitions,
		members:    make(map[string]chan Assignment),
	}, nil
}

func (c *LocalCoordinator) Join(ctx context.Context, member string) (<-chan Assignment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.members[member]; exists {
		return nil, fmt.Errorf("member %s already joined", member)
	}

	ch := make(chan Assignment, 1)
	c.members[member] = ch
	c.rebalanceLocked()

	log.Info().
		Str("member", member).
		Int64("epoch", c.epoch).
		Int("members", len(c.members)).
		Msg("member joined consumer group")

	return ch, nil
}

func (c *LocalCoordinator) Leave(ctx context.Context, member string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, exists := c.members[member]
	if !exists {
		return nil
	}
	delete(c.members, member)
	close(ch)
	c.rebalanceLocked()

	log.Info().
		Str("member", member).
		Int64("epoch", c.epoch).
		Int("members", len(c.members)).
		Msg("member left consumer group")

	return nil
}

// Epoch returns the current assignment epoch.
func (c *LocalCoordinator) Epoch() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// rebalanceLocked recomputes all assignments and pushes them to members.
// Must be called with the mutex held.
func (c *LocalCoordinator) rebalanceLocked() {
	c.epoch++
	if len(c.members) == 0 {
		return
	}

	names := make([]string, 0, len(c.members))
	for name := range c.members {
		names = append(names, name)
	}
	sort.Strings(names)

	assigned := make(map[string][]int, len(names))
	for p := 0; p < c.partitions; p++ {
		owner := names[p%len(names)]
		assigned[owner] = append(assigned[owner], p)
	}

	for name, ch := range c.members {
		a := Assignment{Epoch: c.epoch, Partitions: assigned[name]}
		// Replace any undelivered snapshot so members only see the latest.
		select {
		case <-ch:
		default:
		}
		ch <- a
	}
}
