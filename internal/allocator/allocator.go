// Package allocator hands out work items to workers exactly once.
package allocator

import (
	"sync"

	"github.com/minhvu-dev/account-provisioner/internal/provision"
)

// Allocator is a shared cursor over the fixed, ordered work set computed at
// startup. Concurrent callers never receive the same item and every item is
// handed out exactly once per run.
type Allocator struct {
	mu    sync.Mutex
	items []provision.Item
	next  int
}

// New creates an Allocator over the given items. The slice is not copied;
// callers must not mutate it afterwards.
func New(items []provision.Item) *Allocator {
	return &Allocator{items: items}
}

// Next returns the next unclaimed item, or false once the set is exhausted.
// The allocator never re-hands an item; failed items stay in the ledger for
// a future run to pick up.
func (a *Allocator) Next() (provision.Item, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next >= len(a.items) {
		return provision.Item{}, false
	}
	item := a.items[a.next]
	a.next++
	return item, true
}

// Remaining reports how many items have not been handed out yet.
func (a *Allocator) Remaining() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items) - a.next
}

// Total reports the size of the work set for this run.
func (a *Allocator) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items)
}
