package eventlog

import (
	"context"
	"sort"
	"sync"

	"github.com/mcdev12/orderwire/go/internal/event"
)

// MemoryLog is an in-process Log for tests and single-node deployments.
// Appends wake blocked readers through per-partition broadcast channels.
type MemoryLog struct {
	mu         sync.RWMutex
	partitions [][]Record
	nextSeq    []uint64
	waiters    []chan struct{}
}

var _ Log = (*MemoryLog)(nil)
var _ AppendWaiter = (*MemoryLog)(nil)
var _ HeadReporter = (*MemoryLog)(nil)

// NewMemoryLog creates a log with the given partition count.
func NewMemoryLog(partitionCount int) *MemoryLog {
	if partitionCount < 1 {
		partitionCount = 1
	}
	l := &MemoryLog{
		partitions: make([][]Record, partitionCount),
		nextSeq:    make([]uint64, partitionCount),
		waiters:    make([]chan struct{}, partitionCount),
	}
	for i := range l.nextSeq {
		l.nextSeq[i] = 1
		l.waiters[i] = make(chan struct{})
	}
	return l
}

func (l *MemoryLog) Append(ctx context.Context, partition int, env event.Envelope) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if partition < 0 || partition >= len(l.partitions) {
		return 0, ErrPartitionOutOfRange
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.nextSeq[partition]
	l.nextSeq[partition]++
	l.partitions[partition] = append(l.partitions[partition], Record{
		Partition: partition,
		Sequence:  seq,
		Envelope:  env,
	})

	// Broadcast to blocked readers by closing the current waiter channel.
	close(l.waiters[partition])
	l.waiters[partition] = make(chan struct{})

	return seq, nil
}

func (l *MemoryLog) Read(ctx context.Context, partition int, fromSeq uint64, max int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if partition < 0 || partition >= len(l.partitions) {
		return nil, ErrPartitionOutOfRange
	}
	if max <= 0 {
		return nil, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	records := l.partitions[partition]
	start := sort.Search(len(records), func(i int) bool {
		return records[i].Sequence >= fromSeq
	})
	if start >= len(records) {
		return nil, nil
	}

	end := start + max
	if end > len(records) {
		end = len(records)
	}
	out := make([]Record, end-start)
	copy(out, records[start:end])
	return out, nil
}

func (l *MemoryLog) Partitions() int {
	return len(l.partitions)
}

// WaitForAppend returns a channel that closes on the next append to the
// partition. Out-of-range partitions get a never-closing channel.
func (l *MemoryLog) WaitForAppend(partition int) <-chan struct{} {
	if partition < 0 || partition >= len(l.partitions) {
		return make(chan struct{})
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.waiters[partition]
}

// Head returns the highest assigned sequence on the partition, zero when
// nothing has been appended yet.
func (l *MemoryLog) Head(ctx context.Context, partition int) (uint64, error) {
	if partition < 0 || partition >= len(l.partitions) {
		return 0, ErrPartitionOutOfRange
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextSeq[partition] - 1, nil
}
