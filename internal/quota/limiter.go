package quota

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/minhvu-dev/account-provisioner/internal/metrics"
	"github.com/minhvu-dev/account-provisioner/internal/provision"
)

// Limiter acquires proxies for exactly one worker using that worker's quota
// key. The key is never shared, so no locking is needed beyond the worker's
// own sequential use.
type Limiter struct {
	workerID         int
	key              string
	provider         Provider
	margin           time.Duration
	transientBackoff time.Duration
	sleeper          provision.Sleeper
	logger           *zap.Logger
}

// NewLimiter creates a Limiter bound to one worker's quota key.
func NewLimiter(
	workerID int,
	key string,
	provider Provider,
	margin time.Duration,
	transientBackoff time.Duration,
	sleeper provision.Sleeper,
	logger *zap.Logger,
) *Limiter {
	if transientBackoff <= 0 {
		transientBackoff = 10 * time.Second
	}
	return &Limiter{
		workerID:         workerID,
		key:              key,
		provider:         provider,
		margin:           margin,
		transientBackoff: transientBackoff,
		sleeper:          sleeper,
		logger:           logger,
	}
}

// Acquire polls the provider until it grants a proxy. A wait directive is
// honored exactly, plus the fixed margin; transient errors back off a fixed
// interval. There is no retry bound; cancellation comes from ctx only.
func (l *Limiter) Acquire(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("quota acquire canceled: %w", err)
		}

		grant, err := l.provider.Fetch(ctx, l.key)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return "", fmt.Errorf("quota acquire canceled: %w", ctx.Err())
			}
			l.logger.Warn("proxy fetch failed, backing off",
				zap.Int("worker", l.workerID),
				zap.Duration("backoff", l.transientBackoff),
				zap.Error(err),
			)
			l.sleeper.Sleep(ctx, l.transientBackoff)

		case grant.Wait > 0:
			wait := grant.Wait + l.margin
			metrics.ObserveQuotaWait(wait)
			l.logger.Info("provider directed wait before next proxy",
				zap.Int("worker", l.workerID),
				zap.Duration("wait", wait),
			)
			l.sleeper.Sleep(ctx, wait)

		default:
			l.logger.Debug("acquired proxy",
				zap.Int("worker", l.workerID),
				zap.String("proxy", grant.Proxy),
			)
			return grant.Proxy, nil
		}
	}
}
