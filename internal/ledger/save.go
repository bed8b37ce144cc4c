package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/minhvu-dev/account-provisioner/internal/metrics"
)

// ErrLockBusy means another save held the advisory lock for the entire wait
// budget. The in-memory state is untouched; a later save can still succeed.
var ErrLockBusy = errors.New("ledger: advisory lock busy")

const maxLockWaits = 60

// Save persists the full in-memory workbook. The durable file, if present at
// all, is always either the previous or the new complete, valid document.
//
// Protocol: take the advisory lock file (stale locks older than the
// threshold are treated as orphans of a crashed save and removed), optionally
// copy the durable file to the backup path, write the workbook to a temp
// path, reopen the temp file to verify it parses, then atomically rename it
// over the durable path. Failures are retried with growing delay; after the
// last attempt an emergency backup is written once and the error is returned
// to the caller, never crashing the process.
func (l *Ledger) Save(backup bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saveLocked(backup)
}

func (l *Ledger) saveLocked(backup bool) error {
	if err := l.acquireAdvisoryLock(); err != nil {
		metrics.ObserveLedgerSave("error")
		return err
	}
	defer l.releaseAdvisoryLock()

	if backup {
		if err := copyFile(l.cfg.Path, l.cfg.BackupPath); err != nil {
			// Backup is best effort; the save itself still proceeds.
			l.logger.Warn("ledger backup failed", zap.Error(err))
		}
	}

	var lastErr error
	for attempt := 1; attempt <= l.cfg.SaveRetries; attempt++ {
		if err := l.writeAndSwap(); err != nil {
			lastErr = err
			l.logger.Warn("ledger save attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("max", l.cfg.SaveRetries),
				zap.Error(err),
			)
			if attempt < l.cfg.SaveRetries {
				metrics.ObserveSaveRetry()
				l.sleeper.Sleep(context.Background(), time.Duration(attempt)*l.cfg.RetryDelay)
			}
			continue
		}
		metrics.ObserveLedgerSave("ok")
		return nil
	}

	l.writeEmergencyBackup()
	metrics.ObserveLedgerSave("error")
	return fmt.Errorf("save ledger after %d attempts: %w", l.cfg.SaveRetries, lastErr)
}

// writeAndSwap writes the workbook to the temp path, verifies the result
// parses as a valid workbook, and renames it over the durable path. A plain
// copy is never used for the final step so readers can never observe a
// half-written durable file.
func (l *Ledger) writeAndSwap() error {
	temp := l.TempPath()
	if err := l.file.SaveAs(temp); err != nil {
		return fmt.Errorf("write temp ledger: %w", err)
	}

	check, err := excelize.OpenFile(temp)
	if err != nil {
		_ = os.Remove(temp)
		return fmt.Errorf("verify temp ledger: %w", err)
	}
	if err := check.Close(); err != nil {
		l.logger.Warn("close verification workbook", zap.Error(err))
	}

	if err := os.Rename(temp, l.cfg.Path); err != nil {
		_ = os.Remove(temp)
		return fmt.Errorf("swap ledger: %w", err)
	}
	return nil
}

// acquireAdvisoryLock creates the marker file, waiting out a younger lock
// held by another save and removing one older than the staleness threshold.
// Expressed as a bounded loop rather than retry-by-reinvocation.
func (l *Ledger) acquireAdvisoryLock() error {
	lockPath := l.LockPath()
	for i := 0; i < maxLockWaits; i++ {
		info, err := os.Stat(lockPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			f, createErr := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
			if createErr != nil {
				if errors.Is(createErr, os.ErrExist) {
					continue // lost the race, re-evaluate
				}
				return fmt.Errorf("create ledger lock: %w", createErr)
			}
			fmt.Fprintf(f, "locked at %s\n", l.clock.Now().Format(time.RFC3339))
			if closeErr := f.Close(); closeErr != nil {
				l.logger.Warn("close ledger lock", zap.Error(closeErr))
			}
			return nil
		case err != nil:
			return fmt.Errorf("stat ledger lock: %w", err)
		case l.clock.Now().Sub(info.ModTime()) > l.cfg.StaleAfter:
			l.logger.Warn("removing stale ledger lock, previous save likely crashed",
				zap.Time("lock_mtime", info.ModTime()))
			if rmErr := os.Remove(lockPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				return fmt.Errorf("remove stale ledger lock: %w", rmErr)
			}
		default:
			l.sleeper.Sleep(context.Background(), time.Second)
		}
	}
	return ErrLockBusy
}

// releaseAdvisoryLock always removes the marker so a future save is never
// permanently blocked by this attempt.
func (l *Ledger) releaseAdvisoryLock() {
	if err := os.Remove(l.LockPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		l.logger.Warn("remove ledger lock", zap.Error(err))
	}
}

// writeEmergencyBackup writes a never-overwritten copy of the in-memory
// workbook after all save attempts failed, so a later successful save can
// still reconcile the durable file.
func (l *Ledger) writeEmergencyBackup() {
	path := l.cfg.EmergencyPath
	if path == "" {
		return
	}
	if _, err := os.Stat(path); err == nil {
		return
	}
	if err := l.file.SaveAs(path); err != nil {
		l.logger.Error("emergency ledger backup failed", zap.Error(err))
		return
	}
	l.logger.Warn("wrote emergency ledger backup", zap.String("path", path))
}

// TempPath is where the save protocol stages the next document version. The
// staged file keeps the workbook extension because excelize refuses to write
// any other format.
func (l *Ledger) TempPath() string {
	ext := filepath.Ext(l.cfg.Path)
	return strings.TrimSuffix(l.cfg.Path, ext) + "_temp" + ext
}

// LockPath is the advisory marker file guarding saves.
func (l *Ledger) LockPath() string {
	return l.cfg.Path + ".lock"
}

// RemoveArtifacts deletes the temp and lock files so the next run's
// staleness check starts clean.
func (l *Ledger) RemoveArtifacts() {
	for _, p := range []string{l.TempPath(), l.LockPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("remove ledger artifact", zap.String("path", p), zap.Error(err))
		}
	}
}

func copyFile(src, dst string) error {
	if dst == "" {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return nil
}
