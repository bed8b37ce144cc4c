// Package dispatcher manages worker fan-out over the work set.
package dispatcher

import (
	"context"
	"sync"

	"github.com/minhvu-dev/account-provisioner/internal/worker"
)

// Dispatcher fans the allocator's work out to a pool of workers.
type Dispatcher struct {
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{workers: workers}
}

// Run starts all workers and blocks until every worker has returned, either
// because the work set is exhausted or the context was canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}
