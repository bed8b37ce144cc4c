package allocator

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/minhvu-dev/account-provisioner/internal/provision"
)

func makeItems(n int) []provision.Item {
	items := make([]provision.Item, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, provision.Item{
			ProfileID: fmt.Sprintf("profile-%03d", i),
			Row:       i + 2,
		})
	}
	return items
}

func TestNextHandsOutEveryItemExactlyOnce(t *testing.T) {
	t.Parallel()

	const itemCount = 200
	const workers = 8

	alloc := New(makeItems(itemCount))

	var mu sync.Mutex
	seen := make(map[string]int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, ok := alloc.Next()
				if !ok {
					return
				}
				mu.Lock()
				seen[item.ProfileID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, itemCount, "every item must be handed out")
	for id, count := range seen {
		require.Equal(t, 1, count, "item %s handed out more than once", id)
	}
}

func TestNextExhaustionIsTerminal(t *testing.T) {
	t.Parallel()

	alloc := New(makeItems(1))

	_, ok := alloc.Next()
	require.True(t, ok)

	for i := 0; i < 3; i++ {
		_, ok := alloc.Next()
		require.False(t, ok, "allocator must stay exhausted")
	}
}

func TestRemainingAndTotal(t *testing.T) {
	t.Parallel()

	alloc := New(makeItems(3))
	require.Equal(t, 3, alloc.Total())
	require.Equal(t, 3, alloc.Remaining())

	alloc.Next()
	require.Equal(t, 2, alloc.Remaining())
	require.Equal(t, 3, alloc.Total())
}

func TestNextOnEmptySet(t *testing.T) {
	t.Parallel()

	alloc := New(nil)
	_, ok := alloc.Next()
	require.False(t, ok)
}
