package dispatch

import (
	"context"
	"fmt"

	"github.com/mcdev12/orderwire/go/internal/event"
)

// Resolver turns a policy decision into concrete recipients. It is only
// consulted when the envelope does not carry recipients already.
type Resolver interface {
	// ResolveRole returns the recipients holding the role for the
	// envelope's order. An empty result is an error: a handled event with
	// nobody to notify points at a directory gap.
	ResolveRole(ctx context.Context, env event.Envelope, role event.Role) ([]event.Recipient, error)

	// ResolveApprovers returns the approvers responsible for the named
	// approval level.
	ResolveApprovers(ctx context.Context, env event.Envelope, level string) ([]event.Recipient, error)
}

// StaticResolverConfig is a config-backed recipient directory. Production
// deployments replace the StaticResolver with a directory service client;
// the static variant serves development and tests.
type StaticResolverConfig struct {
	Admins    []string            `yaml:"admins"`
	Operators []string            `yaml:"operators"`
	Approvers map[string][]string `yaml:"approvers"` // approval level -> approver IDs
	Customers map[string]string   `yaml:"customers"` // order ID -> customer ID
	Creators  map[string]string   `yaml:"creators"`  // order ID -> creator ID
}

// StaticResolver resolves recipients from a fixed directory.
type StaticResolver struct {
	cfg StaticResolverConfig
}

var _ Resolver = (*StaticResolver)(nil)

func NewStaticResolver(cfg StaticResolverConfig) *StaticResolver {
	return &StaticResolver{cfg: cfg}
}

func (r *StaticResolver) ResolveRole(ctx context.Context, env event.Envelope, role event.Role) ([]event.Recipient, error) {
	switch role {
	case event.RoleAdmin:
		return asRecipients(r.cfg.Admins, event.RoleAdmin, "no admins configured")

	case event.RoleOperator:
		return asRecipients(r.cfg.Operators, event.RoleOperator, "no operators configured")

	case event.RoleCustomer:
		id := r.cfg.Customers[env.OrderID]
		if id == "" && env.TriggeredBy.Role == event.RoleCustomer {
			id = env.TriggeredBy.ID
		}
		if id == "" {
			return nil, fmt.Errorf("no customer known for order %s", env.OrderID)
		}
		return []event.Recipient{{ID: id, Role: event.RoleCustomer}}, nil

	case event.RoleCreator:
		id := r.cfg.Creators[env.OrderID]
		if id == "" {
			// The order creator defaults to its customer.
			id = r.cfg.Customers[env.OrderID]
		}
		if id == "" && (env.TriggeredBy.Role == event.RoleCreator || env.TriggeredBy.Role == event.RoleCustomer) {
			id = env.TriggeredBy.ID
		}
		if id == "" {
			return nil, fmt.Errorf("no creator known for order %s", env.OrderID)
		}
		return []event.Recipient{{ID: id, Role: event.RoleCreator}}, nil

	default:
		return nil, fmt.Errorf("unsupported recipient role %q", role)
	}
}

func (r *StaticResolver) ResolveApprovers(ctx context.Context, env event.Envelope, level string) ([]event.Recipient, error) {
	ids, exists := r.cfg.Approvers[level]
	if !exists || len(ids) == 0 {
		return nil, fmt.Errorf("no approvers configured for level %q", level)
	}
	return asRecipients(ids, event.RoleApprover, "")
}

func asRecipients(ids []string, role event.Role, emptyMsg string) ([]event.Recipient, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%s", emptyMsg)
	}
	out := make([]event.Recipient, 0, len(ids))
	for _, id := range ids {
		out = append(out, event.Recipient{ID: id, Role: role})
	}
	return out, nil
}
