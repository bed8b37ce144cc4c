// Package noop provides a driver that performs no external work, for dry
// runs and tests.
package noop

import (
	"context"

	"github.com/minhvu-dev/account-provisioner/internal/provision"
)

// Driver reports a fixed outcome for every item.
type Driver struct {
	Outcome provision.Outcome
}

// New creates a Driver that reports success with empty account fields.
func New() *Driver {
	return &Driver{Outcome: provision.Outcome{Kind: provision.OutcomeSuccess}}
}

// Provision returns the configured outcome without touching anything.
func (d *Driver) Provision(_ context.Context, _ provision.Item, _ string, _ provision.Mailbox) (provision.Outcome, error) {
	return d.Outcome, nil
}
