package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/minhvu-dev/account-provisioner/internal/allocator"
	"github.com/minhvu-dev/account-provisioner/internal/metrics"
	"github.com/minhvu-dev/account-provisioner/internal/provision"
)

type fakeQuota struct{ proxy string }

func (q fakeQuota) Acquire(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return q.proxy, nil
}

type fakePool struct {
	mu       sync.Mutex
	free     []provision.Mailbox
	held     map[int]provision.Mailbox
	releases int
}

func newFakePool(n int) *fakePool {
	p := &fakePool{held: make(map[int]provision.Mailbox)}
	for i := 0; i < n; i++ {
		p.free = append(p.free, provision.Mailbox{Address: "box" + string(rune('a'+i)) + "@example.com"})
	}
	return p
}

func (p *fakePool) Lease(workerID int) (provision.Mailbox, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.held[workerID]; ok {
		return m, true
	}
	if len(p.free) == 0 {
		return provision.Mailbox{}, false
	}
	m := p.free[0]
	p.free = p.free[1:]
	p.held[workerID] = m
	return m, true
}

func (p *fakePool) Release(workerID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.held[workerID]; ok {
		delete(p.held, workerID)
		p.free = append(p.free, m)
		p.releases++
	}
}

type fakeRegistry struct {
	mu     sync.Mutex
	active map[string]int
	done   []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{active: make(map[string]int)}
}

func (r *fakeRegistry) MarkActive(workerID int, item provision.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[item.ProfileID] = workerID
}

func (r *fakeRegistry) MarkDone(item provision.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, item.ProfileID)
	r.done = append(r.done, item.ProfileID)
}

type fakeLedger struct {
	mu        sync.Mutex
	statuses  map[int]provision.Status
	accounts  map[int]provision.Account
	mailboxes map[int]string
	saves     int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		statuses:  make(map[int]provision.Status),
		accounts:  make(map[int]provision.Account),
		mailboxes: make(map[int]string),
	}
}

func (l *fakeLedger) SetStatus(row int, status provision.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses[row] = status
}

func (l *fakeLedger) SetResult(row int, account provision.Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[row] = account
}

func (l *fakeLedger) SetMailbox(row int, address string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mailboxes[row] = address
}

func (l *fakeLedger) StatusAt(row int) provision.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statuses[row]
}

func (l *fakeLedger) Save(bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.saves++
	return nil
}

// scriptedDriver returns one scripted verdict per profile, after replaying
// any scripted transient errors first.
type scriptedDriver struct {
	mu       sync.Mutex
	outcomes map[string]provision.Outcome
	errs     map[string][]error
	attempts map[string]int
}

func (d *scriptedDriver) Provision(_ context.Context, item provision.Item, _ string, _ provision.Mailbox) (provision.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.attempts == nil {
		d.attempts = make(map[string]int)
	}
	n := d.attempts[item.ProfileID]
	d.attempts[item.ProfileID] = n + 1
	if errs := d.errs[item.ProfileID]; n < len(errs) && errs[n] != nil {
		return provision.Outcome{}, errs[n]
	}
	out := d.outcomes[item.ProfileID]
	if out.Kind == provision.OutcomeSuccess && out.Account.Email == "" {
		out.Account = provision.Account{Email: item.ProfileID + "@outlook.com", Password: "pw"}
	}
	return out, nil
}

type noSleep struct{}

func (noSleep) Sleep(context.Context, time.Duration) {}

func newTestWorker(t *testing.T, alloc provision.Allocator, reg *fakeRegistry, pool *fakePool, ldg *fakeLedger, driver provision.Driver) *Worker {
	t.Helper()
	metrics.Init()
	return New(1, alloc, reg, fakeQuota{proxy: "10.0.0.1:8080"}, pool, ldg, driver, noSleep{},
		Config{LeaseBackoff: time.Millisecond, LeaseRetries: 3, DriverRetries: 1}, zap.NewNop())
}

func TestRunRecordsVerdictsPerItem(t *testing.T) {
	t.Parallel()

	items := []provision.Item{
		{ProfileID: "p1", Row: 2},
		{ProfileID: "p2", Row: 3},
		{ProfileID: "p3", Row: 4},
	}
	driver := &scriptedDriver{
		outcomes: map[string]provision.Outcome{
			"p1": {Kind: provision.OutcomeSuccess},
			"p2": {Kind: provision.OutcomeAccountLocked, Reason: "abuse wall"},
			"p3": {Kind: provision.OutcomeFailed, Status: provision.StatusVerificationFailed},
		},
	}
	reg := newFakeRegistry()
	pool := newFakePool(2)
	ldg := newFakeLedger()

	w := newTestWorker(t, allocator.New(items), reg, pool, ldg, driver)
	w.Run(context.Background())

	require.Equal(t, provision.StatusSuccess, ldg.statuses[2])
	require.Equal(t, provision.StatusAccountLocked, ldg.statuses[3])
	require.Equal(t, provision.StatusVerificationFailed, ldg.statuses[4])

	// Success fills in the derived account fields and the mailbox identity.
	require.Equal(t, "p1@outlook.com", ldg.accounts[2].Email)
	require.NotEmpty(t, ldg.mailboxes[2])
	require.NotContains(t, ldg.accounts, 3)
	require.NotContains(t, ldg.mailboxes, 3)

	require.Equal(t, 3, ldg.saves, "every verdict is flushed immediately")
	require.Empty(t, reg.active, "registry must be empty once the run completes")
	require.Len(t, reg.done, 3)
	require.Equal(t, 3, pool.releases, "every lease must be released")
}

func TestTerminalVerdictIsNotRetried(t *testing.T) {
	t.Parallel()

	driver := &scriptedDriver{
		outcomes: map[string]provision.Outcome{
			"p1": {Kind: provision.OutcomeAccountLocked},
		},
	}
	ldg := newFakeLedger()
	w := newTestWorker(t, allocator.New([]provision.Item{{ProfileID: "p1", Row: 2}}),
		newFakeRegistry(), newFakePool(1), ldg, driver)
	w.Run(context.Background())

	require.Equal(t, 1, driver.attempts["p1"], "a terminal verdict must not trigger a retry")
	require.Equal(t, provision.StatusAccountLocked, ldg.statuses[2])
}

func TestTransientDriverErrorIsRetried(t *testing.T) {
	t.Parallel()

	driver := &scriptedDriver{
		outcomes: map[string]provision.Outcome{
			"p1": {Kind: provision.OutcomeSuccess},
		},
		errs: map[string][]error{
			"p1": {errors.New("browser session lost")},
		},
	}
	ldg := newFakeLedger()
	w := newTestWorker(t, allocator.New([]provision.Item{{ProfileID: "p1", Row: 2}}),
		newFakeRegistry(), newFakePool(1), ldg, driver)
	w.Run(context.Background())

	require.Equal(t, 2, driver.attempts["p1"])
	require.Equal(t, provision.StatusSuccess, ldg.statuses[2])
}

func TestDriverFailureAfterRetriesRecordsFailed(t *testing.T) {
	t.Parallel()

	boom := errors.New("browser session lost")
	driver := &scriptedDriver{
		errs: map[string][]error{
			"p1": {boom, boom, boom, boom},
		},
	}
	ldg := newFakeLedger()
	w := newTestWorker(t, allocator.New([]provision.Item{{ProfileID: "p1", Row: 2}}),
		newFakeRegistry(), newFakePool(1), ldg, driver)
	w.Run(context.Background())

	require.Equal(t, provision.StatusFailed, ldg.statuses[2])
	require.Equal(t, 1, ldg.saves)
}

func TestExhaustedPoolAbandonsItemAsPending(t *testing.T) {
	t.Parallel()

	ldg := newFakeLedger()
	reg := newFakeRegistry()
	w := newTestWorker(t, allocator.New([]provision.Item{{ProfileID: "p1", Row: 2}}),
		reg, newFakePool(0), ldg, &scriptedDriver{})
	w.Run(context.Background())

	require.Empty(t, ldg.statuses, "an abandoned item keeps its pending status")
	require.Zero(t, ldg.saves)
	require.Empty(t, reg.active, "the item must still leave the in-flight registry")
}

func TestCanceledQuotaLeavesItemPending(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ldg := newFakeLedger()
	reg := newFakeRegistry()
	w := newTestWorker(t, allocator.New(nil), reg, newFakePool(1), ldg, &scriptedDriver{})

	// Drive one item through directly so the canceled context reaches the
	// quota acquisition rather than the run loop's early exit.
	w.processItem(ctx, provision.Item{ProfileID: "p1", Row: 2})

	require.Empty(t, ldg.statuses)
	require.Zero(t, ldg.saves)
	require.Empty(t, reg.active)
	require.Equal(t, []string{"p1"}, reg.done)
}

func TestRunStopsOnCancellationBetweenItems(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	alloc := allocator.New([]provision.Item{{ProfileID: "p1", Row: 2}})
	w := newTestWorker(t, alloc, newFakeRegistry(), newFakePool(1), newFakeLedger(), &scriptedDriver{})
	w.Run(ctx)

	require.Equal(t, 1, alloc.Remaining(), "no item may be pulled after shutdown began")
}
