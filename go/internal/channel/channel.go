// Package channel defines the delivery channels notifications go out on
// and a registry that channel implementations add themselves to at init
// time. The dispatcher only ever talks to the Channel interface.
package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mcdev12/orderwire/go/internal/event"
)

// Well-known channel names. Router configs reference these.
const (
	NamePush  = "push"
	NameEmail = "email"
	NameSMS   = "sms"
)

// Notification is one rendered message addressed to one recipient.
type Notification struct {
	Envelope       event.Envelope
	Recipient      event.Recipient
	Subject        string
	Body           string
	IdempotencyKey uuid.UUID
}

// Channel delivers notifications over one transport.
type Channel interface {
	// Name is the registry key the channel registers itself under.
	Name() string

	// Init prepares the channel for delivery. It is called once, after
	// environment variables are loaded, for every channel the router uses.
	Init() error

	// Deliver sends the notification to its recipient. Errors are
	// retryable; the dispatcher schedules a redelivery attempt.
	Deliver(ctx context.Context, n Notification) error
}

var (
	registry   = make(map[string]Channel)
	registryMu sync.RWMutex
)

// Register adds a channel implementation under its name.
// It should be called in each channel's init() function.
// The channel will be initialized later when the router is built.
func Register(ch Channel) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if ch.Name() == "" {
		return fmt.Errorf("channel name cannot be empty")
	}
	if _, exists := registry[ch.Name()]; exists {
		return fmt.Errorf("channel already registered for key %q", ch.Name())
	}
	registry[ch.Name()] = ch
	return nil
}

// Get retrieves a channel by name or returns an error if not found.
func Get(name string) (Channel, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ch, exists := registry[name]
	if !exists {
		return nil, fmt.Errorf("no delivery channel registered for key %q", name)
	}
	return ch, nil
}

// Initialize initializes a specific channel.
func Initialize(name string) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	ch, exists := registry[name]
	if !exists {
		return fmt.Errorf("no delivery channel registered for key %q", name)
	}
	if err := ch.Init(); err != nil {
		return fmt.Errorf("failed to init channel %q: %w", name, err)
	}
	return nil
}

// Names returns the registered channel names.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
