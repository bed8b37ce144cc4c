// Package worker implements the per-worker provisioning loop.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"

	"github.com/minhvu-dev/account-provisioner/internal/metrics"
	"github.com/minhvu-dev/account-provisioner/internal/provision"
)

// Config controls Worker behavior.
type Config struct {
	LeaseBackoff  time.Duration
	LeaseRetries  int
	DriverRetries uint
}

// Worker pulls items from the allocator and runs each through quota
// acquisition, mailbox leasing, the driver, and the ledger. One Worker owns
// one quota source; it never shares it.
type Worker struct {
	id        int
	allocator provision.Allocator
	registry  provision.Registry
	quota     provision.QuotaSource
	pool      provision.MailboxPool
	ledger    provision.Ledger
	driver    provision.Driver
	sleeper   provision.Sleeper
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	id int,
	allocator provision.Allocator,
	registry provision.Registry,
	quota provision.QuotaSource,
	pool provision.MailboxPool,
	ledger provision.Ledger,
	driver provision.Driver,
	sleeper provision.Sleeper,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.LeaseBackoff <= 0 {
		cfg.LeaseBackoff = 5 * time.Second
	}
	if cfg.LeaseRetries <= 0 {
		cfg.LeaseRetries = 3
	}
	if cfg.DriverRetries == 0 {
		cfg.DriverRetries = 2
	}
	return &Worker{
		id:        id,
		allocator: allocator,
		registry:  registry,
		quota:     quota,
		pool:      pool,
		ledger:    ledger,
		driver:    driver,
		sleeper:   sleeper,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run pulls items until the allocator is exhausted or the run context is
// canceled. Cancellation is cooperative: an item already being processed is
// finished, not aborted.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopping on shutdown", zap.Int("worker", w.id))
			return
		}
		item, ok := w.allocator.Next()
		if !ok {
			w.logger.Info("no more items to process", zap.Int("worker", w.id))
			return
		}
		w.processItem(ctx, item)
	}
}

func (w *Worker) processItem(ctx context.Context, item provision.Item) {
	w.logger.Info("processing item",
		zap.Int("worker", w.id),
		zap.String("profile", item.ProfileID),
		zap.Int("row", item.Row),
	)

	w.registry.MarkActive(w.id, item)
	defer w.registry.MarkDone(item)
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	proxy, err := w.quota.Acquire(ctx)
	if err != nil {
		// Only cancellation gets here; the item stays Pending for a future run.
		w.logger.Info("quota acquisition canceled", zap.Int("worker", w.id), zap.Error(err))
		return
	}

	mailbox, leased := w.leaseMailbox(ctx)
	if !leased {
		w.logger.Warn("no mailbox available, abandoning item for this run",
			zap.Int("worker", w.id),
			zap.String("profile", item.ProfileID),
		)
		return
	}
	defer w.pool.Release(w.id)

	outcome, err := w.invokeDriver(ctx, item, proxy, mailbox)
	if err != nil {
		w.logger.Error("driver failed after retries",
			zap.Int("worker", w.id),
			zap.String("profile", item.ProfileID),
			zap.Error(err),
		)
		w.record(item, provision.StatusFailed, nil, "")
		return
	}

	switch outcome.Kind {
	case provision.OutcomeSuccess:
		w.record(item, provision.StatusSuccess, &outcome.Account, mailbox.Address)
	case provision.OutcomeAccountLocked:
		w.record(item, provision.StatusAccountLocked, nil, "")
	case provision.OutcomeQuotaStall:
		w.record(item, provision.StatusCaptchaTimeout, nil, "")
	default:
		status := outcome.Status
		if status == provision.StatusPending {
			status = provision.StatusFailed
		}
		w.record(item, status, nil, "")
	}
	if outcome.Reason != "" {
		w.logger.Info("driver verdict",
			zap.Int("worker", w.id),
			zap.String("profile", item.ProfileID),
			zap.String("reason", outcome.Reason),
		)
	}
}

// leaseMailbox retries a bounded number of times with a fixed backoff when
// the pool is momentarily exhausted.
func (w *Worker) leaseMailbox(ctx context.Context) (provision.Mailbox, bool) {
	for attempt := 0; attempt < w.cfg.LeaseRetries; attempt++ {
		if mailbox, ok := w.pool.Lease(w.id); ok {
			return mailbox, true
		}
		if ctx.Err() != nil {
			return provision.Mailbox{}, false
		}
		w.sleeper.Sleep(ctx, w.cfg.LeaseBackoff)
	}
	return provision.Mailbox{}, false
}

// invokeDriver runs the driver, retrying transient errors a small fixed
// number of times. Terminal verdicts come back inside the Outcome and are
// never retried here.
func (w *Worker) invokeDriver(ctx context.Context, item provision.Item, proxy string, mailbox provision.Mailbox) (provision.Outcome, error) {
	var outcome provision.Outcome
	err := retry.Do(
		func() error {
			var attemptErr error
			outcome, attemptErr = w.driver.Provision(ctx, item, proxy, mailbox)
			return attemptErr
		},
		retry.Attempts(w.cfg.DriverRetries+1),
		retry.Delay(2*time.Second),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, context.Canceled) && ctx.Err() == nil
		}),
		retry.OnRetry(func(n uint, err error) {
			metrics.ObserveDriverRetry()
			w.logger.Warn("transient driver error, retrying",
				zap.Int("worker", w.id),
				zap.String("profile", item.ProfileID),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	)
	return outcome, err
}

// record writes the outcome to the ledger and saves it. A failed save is
// reported but never fatal; in-memory state is preserved for the next save.
func (w *Worker) record(item provision.Item, status provision.Status, account *provision.Account, mailbox string) {
	if account != nil {
		w.ledger.SetResult(item.Row, *account)
	}
	if mailbox != "" {
		w.ledger.SetMailbox(item.Row, mailbox)
	}
	w.ledger.SetStatus(item.Row, status)
	metrics.ObserveItem(string(status))

	if err := w.ledger.Save(false); err != nil {
		w.logger.Error("ledger save failed, keeping state in memory",
			zap.Int("worker", w.id),
			zap.String("profile", item.ProfileID),
			zap.Error(err),
		)
	}
}
