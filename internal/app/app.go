// Package app assembles and runs a provisioning fleet from configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/minhvu-dev/account-provisioner/internal/allocator"
	"github.com/minhvu-dev/account-provisioner/internal/api"
	"github.com/minhvu-dev/account-provisioner/internal/clock/system"
	"github.com/minhvu-dev/account-provisioner/internal/config"
	"github.com/minhvu-dev/account-provisioner/internal/dispatcher"
	"github.com/minhvu-dev/account-provisioner/internal/driver/headless"
	"github.com/minhvu-dev/account-provisioner/internal/driver/noop"
	"github.com/minhvu-dev/account-provisioner/internal/id/uuid"
	"github.com/minhvu-dev/account-provisioner/internal/ledger"
	"github.com/minhvu-dev/account-provisioner/internal/lease"
	"github.com/minhvu-dev/account-provisioner/internal/metrics"
	"github.com/minhvu-dev/account-provisioner/internal/profile"
	"github.com/minhvu-dev/account-provisioner/internal/provision"
	"github.com/minhvu-dev/account-provisioner/internal/quota"
	"github.com/minhvu-dev/account-provisioner/internal/registry"
	"github.com/minhvu-dev/account-provisioner/internal/shutdown"
	"github.com/minhvu-dev/account-provisioner/internal/worker"
)

// Run executes one full provisioning run: crash recovery, work-set load,
// worker fan-out, and the final state flush. It blocks until the work set is
// exhausted or a termination signal arrives. With dryRun set the external
// driver is replaced by a no-op that succeeds immediately.
func Run(parent context.Context, cfg config.Config, logger *zap.Logger, dryRun bool) error {
	metrics.Init()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	clk := system.New()
	sleeper := system.NewSleeper()

	ldg, err := ledger.Open(ledger.Config{
		Path:          cfg.Ledger.Path,
		BackupPath:    cfg.Ledger.BackupPath,
		EmergencyPath: cfg.Ledger.EmergencyPath,
		StaleAfter:    cfg.Ledger.LockStaleAfter(),
		SaveRetries:   cfg.Ledger.SaveRetries,
		RetryDelay:    cfg.Ledger.RetryDelay(),
	}, clk, sleeper, logger)
	if err != nil {
		return err
	}

	// Flag anything a previous run died holding before new work begins.
	if err := registry.Recover(cfg.Registry.SnapshotPath, ldg, logger); err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}

	items, err := ldg.PendingItems()
	if err != nil {
		return err
	}
	if len(items) == 0 {
		logger.Info("nothing to do, every row is already successful")
		return nil
	}

	keys, err := quota.LoadKeys(cfg.Resources.QuotaKeysPath)
	if err != nil {
		return err
	}
	mailboxes, err := lease.LoadMailboxes(cfg.Resources.MailboxesPath)
	if err != nil {
		return err
	}

	workerCount := cfg.Workers.Max
	if len(keys) < workerCount {
		workerCount = len(keys)
	}
	if len(mailboxes) < workerCount {
		logger.Warn("fewer mailboxes than workers, expect lease contention",
			zap.Int("mailboxes", len(mailboxes)),
			zap.Int("workers", workerCount),
		)
	}

	runID, err := uuid.New().NewID()
	if err != nil {
		return err
	}
	logger.Info("starting run",
		zap.String("run_id", runID),
		zap.Int("items", len(items)),
		zap.Int("workers", workerCount),
		zap.Int("mailboxes", len(mailboxes)),
	)

	reg := registry.New(clk)
	alloc := allocator.New(items)
	pool := lease.NewPool(mailboxes, cfg.Lease.TTL(), logger)
	defer pool.Close()

	coordinator := shutdown.New(cancel, ldg, reg, cfg.Registry.SnapshotPath, logger)
	coordinator.Watch(ctx)

	server := api.NewServer(runID, alloc, reg, pool, logger)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		if serveErr := server.ListenAndServe(addr); serveErr != nil {
			logger.Warn("status server stopped", zap.Error(serveErr))
		}
	}()

	drv := buildDriver(cfg, clk, logger, dryRun)
	provider := quota.NewHTTPProvider(cfg.Quota.ProviderURL, nil)

	workers := make([]*worker.Worker, 0, workerCount)
	for i := 0; i < workerCount; i++ {
		limiter := quota.NewLimiter(
			i+1,
			keys[i],
			provider,
			cfg.Quota.Margin(),
			cfg.Quota.TransientBackoff(),
			sleeper,
			logger,
		)
		workers = append(workers, worker.New(
			i+1,
			alloc,
			reg,
			limiter,
			pool,
			ldg,
			drv,
			sleeper,
			worker.Config{
				LeaseBackoff:  cfg.Lease.RetryBackoff(),
				LeaseRetries:  cfg.Lease.MaxRetries,
				DriverRetries: uint(cfg.Driver.TransientRetries),
			},
			logger,
		))
	}

	start := clk.Now()
	dispatcher.New(workers).Run(ctx)
	logger.Info("all workers finished", zap.Duration("elapsed", clk.Now().Sub(start).Round(time.Second)))

	coordinator.Trigger()
	return nil
}

func buildDriver(cfg config.Config, clk provision.Clock, logger *zap.Logger, dryRun bool) provision.Driver {
	if dryRun {
		return noop.New()
	}
	profiles := profile.NewClient(cfg.Driver.ProfileManagerURL, cfg.Driver.UnknownProfileLog, logger)
	return headless.New(profiles, nil, headless.Config{
		SignupURL:  cfg.Driver.SignupURL,
		TokenURL:   "https://tolive.site",
		NavTimeout: cfg.Driver.NavTimeout(),
	}, clk, logger)
}
