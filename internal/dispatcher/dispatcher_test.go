// Package dispatcher contains tests for worker fan-out.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/minhvu-dev/account-provisioner/internal/allocator"
	"github.com/minhvu-dev/account-provisioner/internal/driver/noop"
	"github.com/minhvu-dev/account-provisioner/internal/metrics"
	"github.com/minhvu-dev/account-provisioner/internal/provision"
	"github.com/minhvu-dev/account-provisioner/internal/worker"
)

type stubQuota struct{}

func (stubQuota) Acquire(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "10.0.0.1:8080", nil
}

type stubPool struct{}

func (stubPool) Lease(int) (provision.Mailbox, bool) {
	return provision.Mailbox{Address: "box@example.com"}, true
}
func (stubPool) Release(int) {}

type stubRegistry struct{}

func (stubRegistry) MarkActive(int, provision.Item) {}
func (stubRegistry) MarkDone(provision.Item)        {}

type countingLedger struct {
	mu       sync.Mutex
	statuses map[int]provision.Status
}

func (l *countingLedger) SetStatus(row int, status provision.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses[row] = status
}
func (l *countingLedger) SetResult(int, provision.Account) {}
func (l *countingLedger) SetMailbox(int, string)           {}
func (l *countingLedger) Save(bool) error                  { return nil }

func (l *countingLedger) StatusAt(row int) provision.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statuses[row]
}

type noSleep struct{}

func (noSleep) Sleep(context.Context, time.Duration) {}

func TestRunDrainsWorkSetAcrossWorkers(t *testing.T) {
	t.Parallel()
	metrics.Init()

	const itemCount = 20
	items := make([]provision.Item, 0, itemCount)
	for i := 0; i < itemCount; i++ {
		items = append(items, provision.Item{ProfileID: fmt.Sprintf("p%02d", i), Row: i + 2})
	}

	alloc := allocator.New(items)
	ldg := &countingLedger{statuses: make(map[int]provision.Status)}

	workers := make([]*worker.Worker, 0, 3)
	for id := 1; id <= 3; id++ {
		workers = append(workers, worker.New(
			id, alloc, stubRegistry{}, stubQuota{}, stubPool{}, ldg, noop.New(), noSleep{},
			worker.Config{LeaseBackoff: time.Millisecond, LeaseRetries: 1, DriverRetries: 1},
			zap.NewNop(),
		))
	}

	done := make(chan struct{})
	go func() {
		New(workers).Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("dispatcher did not return after the work set drained")
	}

	require.Equal(t, 0, alloc.Remaining())
	require.Len(t, ldg.statuses, itemCount, "every item must get a verdict")
	for row, status := range ldg.statuses {
		require.Equal(t, provision.StatusSuccess, status, "row %d", row)
	}
}

func TestRunReturnsOnCancellation(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	alloc := allocator.New([]provision.Item{{ProfileID: "p1", Row: 2}})
	ldg := &countingLedger{statuses: make(map[int]provision.Status)}
	w := worker.New(1, alloc, stubRegistry{}, stubQuota{}, stubPool{}, ldg, noop.New(), noSleep{},
		worker.Config{LeaseBackoff: time.Millisecond, LeaseRetries: 1, DriverRetries: 1}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		New([]*worker.Worker{w}).Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not return after cancellation")
	}
	require.Equal(t, 1, alloc.Remaining(), "canceled run must not pull new items")
}

func TestRunWithNoWorkersReturnsImmediately(t *testing.T) {
	t.Parallel()

	New(nil).Run(context.Background())
}
