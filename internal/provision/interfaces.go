package provision

import (
	"context"
	"time"
)

// Driver performs the external multi-step provisioning flow for one item.
// Terminal verdicts (AccountLocked, Failed) are reported via Outcome; an
// error return means the attempt itself could not run and may be retried.
type Driver interface {
	Provision(ctx context.Context, item Item, proxy string, mailbox Mailbox) (Outcome, error)
}

// Ledger is the durable, row-keyed store of work-item status and results.
type Ledger interface {
	SetStatus(row int, status Status)
	SetResult(row int, account Account)
	SetMailbox(row int, address string)
	StatusAt(row int) Status
	Save(backup bool) error
}

// Allocator hands each pending item to exactly one caller.
type Allocator interface {
	Next() (Item, bool)
}

// Registry tracks items currently being processed for crash recovery.
type Registry interface {
	MarkActive(workerID int, item Item)
	MarkDone(item Item)
}

// QuotaSource acquires a rate-limited proxy for its owning worker.
type QuotaSource interface {
	Acquire(ctx context.Context) (string, error)
}

// MailboxPool leases exclusive verification mailboxes.
type MailboxPool interface {
	Lease(workerID int) (Mailbox, bool)
	Release(workerID int)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Sleeper pauses for a duration, honoring context cancellation. Components
// that back off take a Sleeper so tests do not wait in real time.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration)
}
