// Package shutdown flushes state before the process ends, on signals and on
// normal exit.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/minhvu-dev/account-provisioner/internal/ledger"
	"github.com/minhvu-dev/account-provisioner/internal/registry"
)

// Coordinator performs the final flush: one ledger save with backup, the
// crash-registry snapshot if anything is still in flight, and removal of the
// save protocol's temporary artifacts. A signal only cancels the run context;
// the flush itself runs after the workers drain, so the snapshot never lists
// an item a worker went on to finish. Trigger is idempotent because multiple
// exit paths may reach it.
type Coordinator struct {
	cancel       context.CancelFunc
	ledger       *ledger.Ledger
	registry     *registry.Registry
	snapshotPath string
	logger       *zap.Logger
	once         sync.Once
}

// New creates a Coordinator. cancel is the run context's cancel function;
// invoking it is how workers learn to stop pulling new work.
func New(
	cancel context.CancelFunc,
	ldg *ledger.Ledger,
	reg *registry.Registry,
	snapshotPath string,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		cancel:       cancel,
		ledger:       ldg,
		registry:     reg,
		snapshotPath: snapshotPath,
		logger:       logger,
	}
}

// Watch installs the signal handler. Signal delivery only flips the run
// context; workers finish their current item, and the caller flushes via
// Trigger once the fleet has drained. Flushing here would freeze an
// in-flight set that cancellation is about to shrink.
func (c *Coordinator) Watch(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			c.logger.Info("received signal, stopping workers", zap.String("signal", sig.String()))
			c.cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
}

// Trigger runs the flush exactly once, no matter how many paths call it.
func (c *Coordinator) Trigger() {
	c.once.Do(c.flush)
}

func (c *Coordinator) flush() {
	c.cancel()
	c.logger.Info("saving state before exit")

	if err := c.ledger.Save(true); err != nil {
		c.logger.Error("final ledger save failed", zap.Error(err))
	}

	if n := c.registry.Len(); n > 0 {
		c.logger.Info("persisting in-flight snapshot", zap.Int("items", n))
		if err := c.registry.WriteSnapshot(c.snapshotPath); err != nil {
			c.logger.Error("write crash-registry snapshot failed", zap.Error(err))
		}
	}

	c.ledger.RemoveArtifacts()
}
