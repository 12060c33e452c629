// Package eventlog defines the partitioned append-only log the pipeline
// publishes to and consumes from. Each partition is an independent ordered
// sequence; ordering is only guaranteed within a partition.
package eventlog

import (
	"context"
	"errors"

	"github.com/mcdev12/orderwire/go/internal/event"
)

var (
	// ErrPartitionOutOfRange is returned for partition indexes outside
	// [0, Partitions).
	ErrPartitionOutOfRange = errors.New("partition out of range")
)

// Record is one committed envelope with its position in the log.
// Sequences are strictly increasing per partition but not necessarily
// dense, so consumers must track positions, not count records.
type Record struct {
	Partition int
	Sequence  uint64
	Envelope  event.Envelope
}

// Log is the append-only partitioned log contract. Implementations must
// assign strictly increasing sequences per partition and make appended
// records visible to readers in sequence order.
type Log interface {
	// Append stores the envelope on the partition and returns its sequence.
	Append(ctx context.Context, partition int, env event.Envelope) (uint64, error)

	// Read returns up to max records with sequence >= fromSeq, in order.
	// An empty result means nothing at or past fromSeq yet.
	Read(ctx context.Context, partition int, fromSeq uint64, max int) ([]Record, error)

	// Partitions returns the fixed partition count of the log.
	Partitions() int
}

// AppendWaiter is implemented by logs that can signal appends, letting
// consumers block instead of polling. The channel is closed when the
// partition has new data past whatever the caller last saw; callers then
// re-arm by calling WaitForAppend again.
type AppendWaiter interface {
	WaitForAppend(partition int) <-chan struct{}
}

// HeadReporter is implemented by logs that can report the highest assigned
// sequence on a partition, used for lag accounting. Zero means empty.
type HeadReporter interface {
	Head(ctx context.Context, partition int) (uint64, error)
}
