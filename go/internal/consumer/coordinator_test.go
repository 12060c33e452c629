package consumer_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/orderwire/go/internal/consumer"
	owerrors "github.com/mcdev12/orderwire/go/internal/errors"
)

func TestLocalCoordinator(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects partition count below one", func(t *testing.T) {
		_, err := consumer.NewLocalCoordinator(0)
		var cerr *owerrors.ConfigurationError
		require.ErrorAs(t, err, &cerr)
	})

	t.Run("single member owns everything", func(t *testing.T) {
		c, err := consumer.NewLocalCoordinator(4)
		require.NoError(t, err)

		ch, err := c.Join(ctx, "m1")
		require.NoError(t, err)

		a := <-ch
		assert.Equal(t, int64(1), a.Epoch)
		assert.ElementsMatch(t, []int{0, 1, 2, 3}, a.Partitions)
	})

	t.Run("two members split disjointly", func(t *testing.T) {
		c, err := consumer.NewLocalCoordinator(4)
		require.NoError(t, err)

		ch1, err := c.Join(ctx, "m1")
		require.NoError(t, err)
		ch2, err := c.Join(ctx, "m2")
		require.NoError(t, err)

		a1 := <-ch1
		a2 := <-ch2
		assert.Equal(t, a1.Epoch, a2.Epoch)

		seen := make(map[int]int)
		for _, p := range a1.Partitions {
			seen[p]++
		}
		for _, p := range a2.Partitions {
			seen[p]++
		}
		require.Len(t, seen, 4, "all partitions assigned")
		for p, count := range seen {
			assert.Equal(t, 1, count, "partition %d owned once", p)
		}
	})

	t.Run("leave reassigns to the survivor", func(t *testing.T) {
		c, err := consumer.NewLocalCoordinator(3)
		require.NoError(t, err)

		ch1, err := c.Join(ctx, "m1")
		require.NoError(t, err)
		ch2, err := c.Join(ctx, "m2")
		require.NoError(t, err)
		<-ch1
		<-ch2

		epochBefore := c.Epoch()
		require.NoError(t, c.Leave(ctx, "m2"))

		a := <-ch1
		assert.Greater(t, a.Epoch, epochBefore)
		assert.ElementsMatch(t, []int{0, 1, 2}, a.Partitions)

		_, open := <-ch2
		assert.False(t, open, "departed member's channel closes")
	})

	t.Run("duplicate join rejected", func(t *testing.T) {
		c, err := consumer.NewLocalCoordinator(2)
		require.NoError(t, err)

		_, err = c.Join(ctx, "m1")
		require.NoError(t, err)
		_, err = c.Join(ctx, "m1")
		assert.Error(t, err)
	})

	t.Run("leave of unknown member is harmless", func(t *testing.T) {
		c, err := consumer.NewLocalCoordinator(2)
		require.NoError(t, err)
		assert.NoError(t, c.Leave(ctx, "ghost"))
	})
}
