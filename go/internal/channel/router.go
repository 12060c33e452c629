package channel

import (
	"fmt"

	"github.com/mcdev12/orderwire/go/internal/event"
	owerrors "github.com/mcdev12/orderwire/go/internal/errors"
)

// RouterConfig maps recipient roles to channel names. Roles without a
// route fall back to the default channel.
type RouterConfig struct {
	Routes  map[event.Role]string `yaml:"routes"`
	Default string                `yaml:"default"`
}

// DefaultRouterConfig routes customers to push and staff roles to email,
// with SMS for operators so pager-style alerts stay off the email path.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Routes: map[event.Role]string{
			event.RoleCustomer: NamePush,
			event.RoleCreator:  NamePush,
			event.RoleApprover: NameEmail,
			event.RoleAdmin:    NameEmail,
			event.RoleOperator: NameSMS,
		},
		Default: NameEmail,
	}
}

// Router resolves the delivery channel for a recipient role. It is built
// once at startup; unknown channel names fail construction rather than
// surfacing per delivery.
type Router struct {
	byRole      map[event.Role]Channel
	defaultChan Channel
}

// NewRouter initializes every channel the config references and resolves
// the role table. A name with no registered channel is a configuration
// error.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Default == "" {
		return nil, &owerrors.ConfigurationError{
			Component: "channel router",
			Reason:    "default channel is required",
		}
	}

	names := map[string]bool{cfg.Default: true}
	for _, name := range cfg.Routes {
		names[name] = true
	}
	resolved := make(map[string]Channel, len(names))
	for name := range names {
		if err := Initialize(name); err != nil {
			return nil, &owerrors.ConfigurationError{
				Component: "channel router",
				Reason:    err.Error(),
			}
		}
		ch, err := Get(name)
		if err != nil {
			return nil, &owerrors.ConfigurationError{
				Component: "channel router",
				Reason:    err.Error(),
			}
		}
		resolved[name] = ch
	}

	byRole := make(map[event.Role]Channel, len(cfg.Routes))
	for role, name := range cfg.Routes {
		byRole[role] = resolved[name]
	}
	return &Router{
		byRole:      byRole,
		defaultChan: resolved[cfg.Default],
	}, nil
}

// ChannelFor returns the channel for the role, or the default channel
// when the role has no explicit route.
func (r *Router) ChannelFor(role event.Role) Channel {
	if ch, ok := r.byRole[role]; ok {
		return ch
	}
	return r.defaultChan
}

// ChannelByName returns a specific registered channel, used when a retry
// attempt pins the channel it originally failed on.
func (r *Router) ChannelByName(name string) (Channel, error) {
	ch, err := Get(name)
	if err != nil {
		return nil, fmt.Errorf("resolve channel %q: %w", name, err)
	}
	return ch, nil
}
