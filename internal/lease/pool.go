// Package lease manages the pool of exclusively-held verification mailboxes.
package lease

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/minhvu-dev/account-provisioner/internal/metrics"
	"github.com/minhvu-dev/account-provisioner/internal/provision"
)

type entry struct {
	mailbox  provision.Mailbox
	usedEver bool
}

// Pool leases mailboxes to workers, at most one holder per mailbox at any
// instant. Selection prefers never-used entries, falls back to entries merely
// not held right now, and picks uniformly at random among candidates so a
// structurally ordered source list does not bias repeated runs.
//
// A held lease expires after the configured TTL and is reclaimed, so a worker
// that dies mid-item cannot starve the pool for the rest of the run.
type Pool struct {
	mu        sync.Mutex
	entries   []*entry
	heldBy    map[int]string    // workerID -> mailbox address
	heldAddrs map[string]int    // mailbox address -> workerID
	holders   *ttlcache.Cache[string, int]
	ttl       time.Duration
	logger    *zap.Logger
}

// NewPool creates a Pool over the given mailboxes.
func NewPool(mailboxes []provision.Mailbox, ttl time.Duration, logger *zap.Logger) *Pool {
	entries := make([]*entry, 0, len(mailboxes))
	for _, m := range mailboxes {
		entries = append(entries, &entry{mailbox: m})
	}
	p := &Pool{
		entries:   entries,
		heldBy:    make(map[int]string),
		heldAddrs: make(map[string]int),
		ttl:       ttl,
		logger:    logger,
	}
	p.holders = ttlcache.New[string, int](
		ttlcache.WithTTL[string, int](ttl),
		ttlcache.WithDisableTouchOnHit[string, int](),
	)
	p.holders.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, int]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		p.reclaim(item.Key(), item.Value())
	})
	go p.holders.Start()
	return p
}

// Lease selects a mailbox for workerID, or returns false when none is
// available; the caller should back off and retry. The full read-modify-write
// of selection plus marking happens under one lock so two workers can never
// race into the same entry.
func (p *Pool) Lease(workerID int) (provision.Mailbox, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if addr, ok := p.heldBy[workerID]; ok {
		// Worker already holds a lease; hand it back rather than double-book.
		for _, e := range p.entries {
			if e.mailbox.Address == addr {
				return e.mailbox, true
			}
		}
	}

	candidates := p.candidatesLocked(true)
	if len(candidates) == 0 {
		// Every entry has been used at least once; best-effort reuse of
		// anything not held right now.
		candidates = p.candidatesLocked(false)
	}
	if len(candidates) == 0 {
		metrics.ObserveLeaseExhausted()
		return provision.Mailbox{}, false
	}

	chosen := candidates[rand.Intn(len(candidates))]
	chosen.usedEver = true
	addr := chosen.mailbox.Address
	p.heldBy[workerID] = addr
	p.heldAddrs[addr] = workerID
	p.holders.Set(addr, workerID, p.ttl)
	metrics.SetLeasesHeld(len(p.heldAddrs))

	p.logger.Debug("leased mailbox", zap.Int("worker", workerID), zap.String("mailbox", addr))
	return chosen.mailbox, true
}

// Release frees the worker's current lease, making the mailbox immediately
// eligible for others. Safe to call when nothing is held.
func (p *Pool) Release(workerID int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	addr, ok := p.heldBy[workerID]
	if !ok {
		return
	}
	delete(p.heldBy, workerID)
	delete(p.heldAddrs, addr)
	p.holders.Delete(addr)
	metrics.SetLeasesHeld(len(p.heldAddrs))

	p.logger.Debug("released mailbox", zap.Int("worker", workerID), zap.String("mailbox", addr))
}

// Held reports how many mailboxes are currently leased.
func (p *Pool) Held() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.heldAddrs)
}

// Close stops the lease-expiry timer.
func (p *Pool) Close() {
	p.holders.Stop()
}

func (p *Pool) candidatesLocked(pristineOnly bool) []*entry {
	var out []*entry
	for _, e := range p.entries {
		if _, held := p.heldAddrs[e.mailbox.Address]; held {
			continue
		}
		if pristineOnly && e.usedEver {
			continue
		}
		out = append(out, e)
	}
	return out
}

// reclaim force-releases a lease whose TTL expired, usually because the
// holding worker died mid-item.
func (p *Pool) reclaim(addr string, workerID int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if current, ok := p.heldAddrs[addr]; !ok || current != workerID {
		return
	}
	delete(p.heldAddrs, addr)
	delete(p.heldBy, workerID)
	metrics.SetLeasesHeld(len(p.heldAddrs))

	p.logger.Warn("reclaimed expired mailbox lease",
		zap.Int("worker", workerID),
		zap.String("mailbox", addr),
		zap.Duration("ttl", p.ttl),
	)
}
