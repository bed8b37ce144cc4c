// Package registry tracks in-flight items so a crash can be detected and
// flagged on the next run.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/minhvu-dev/account-provisioner/internal/provision"
)

// Registry holds the set of items currently being processed. It uses its own
// lock, distinct from the ledger's, so registry churn never blocks ledger I/O.
type Registry struct {
	mu       sync.Mutex
	inFlight map[string]provision.InFlight
	clock    provision.Clock
}

// New creates an empty Registry.
func New(clock provision.Clock) *Registry {
	return &Registry{
		inFlight: make(map[string]provision.InFlight),
		clock:    clock,
	}
}

// MarkActive records that workerID has begun processing item.
func (r *Registry) MarkActive(workerID int, item provision.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight[item.ProfileID] = provision.InFlight{
		WorkerID:  workerID,
		Row:       item.Row,
		StartedAt: r.clock.Now(),
	}
}

// MarkDone removes the item's in-flight record. Safe to call for items that
// were never marked active.
func (r *Registry) MarkDone(item provision.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, item.ProfileID)
}

// Len reports how many items are currently in flight.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inFlight)
}

// Snapshot returns a copy of the in-flight set.
func (r *Registry) Snapshot() map[string]provision.InFlight {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]provision.InFlight, len(r.inFlight))
	for k, v := range r.inFlight {
		out[k] = v
	}
	return out
}

// WriteSnapshot serializes the in-flight set to path. Nothing is written when
// the set is empty.
func (r *Registry) WriteSnapshot(path string) error {
	snap := r.Snapshot()
	if len(snap) == 0 {
		return nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Recover loads a snapshot left behind by an unclean shutdown, transitions
// every referenced ledger row to Interrupted, flushes the ledger, and deletes
// the snapshot file. A missing snapshot is a no-op. Must run before any new
// work begins.
func Recover(path string, ledger provision.Ledger, logger *zap.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}

	var snap map[string]provision.InFlight
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}
	if len(snap) == 0 {
		return os.Remove(path)
	}

	logger.Info("recovering interrupted items from previous run", zap.Int("count", len(snap)))
	flagged := 0
	for profileID, rec := range snap {
		// A row the worker finished before the previous process exited must
		// never lose its terminal success.
		if ledger.StatusAt(rec.Row) == provision.StatusSuccess {
			logger.Info("row completed before shutdown, leaving it successful",
				zap.String("profile", profileID),
				zap.Int("row", rec.Row),
			)
			continue
		}
		ledger.SetStatus(rec.Row, provision.StatusInterrupted)
		flagged++
		logger.Info("marked item interrupted",
			zap.String("profile", profileID),
			zap.Int("row", rec.Row),
		)
	}
	if flagged > 0 {
		if err := ledger.Save(false); err != nil {
			return fmt.Errorf("flush ledger after recovery: %w", err)
		}
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	return nil
}
