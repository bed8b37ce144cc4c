package lease

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/minhvu-dev/account-provisioner/internal/provision"
)

// LoadMailboxes reads the static mailbox list from a YAML file. Entries
// without an address are skipped.
func LoadMailboxes(path string) ([]provision.Mailbox, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mailbox list %s: %w", path, err)
	}

	var raw []provision.Mailbox
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse mailbox list %s: %w", path, err)
	}

	out := raw[:0]
	for _, m := range raw {
		if m.Address == "" {
			continue
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("mailbox list %s contains no usable entries", path)
	}
	return out, nil
}
