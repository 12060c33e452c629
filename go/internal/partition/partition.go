// Package partition maps order IDs onto log partitions. The mapping is a
// pure function of the order ID and the partition count, so every event
// for one order lands on the same partition and keeps its relative order.
//
// Changing the partition count remaps orders and breaks ordering across
// the boundary. Treat it as a topology change, not a tuning knob.
package partition

import (
	"hash/fnv"
	"strconv"

	owerrors "github.com/mcdev12/orderwire/go/internal/errors"
)

// Assign returns the partition index for an order ID. The result is
// deterministic for a fixed (orderID, partitionCount) pair.
func Assign(orderID string, partitionCount int) (int, error) {
	if partitionCount < 1 {
		return 0, &owerrors.ConfigurationError{
			Component: "partitioner",
			Reason:    "partition count must be at least 1, got " + strconv.Itoa(partitionCount),
		}
	}
	h := fnv.New64a()
	h.Write([]byte(orderID))
	return int(h.Sum64() % uint64(partitionCount)), nil
}
