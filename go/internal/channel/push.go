package channel

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mcdev12/orderwire/go/clients"
)

// PushChannel delivers notifications through an HTTP push provider.
type PushChannel struct {
	client   *clients.BaseClient
	endpoint string
}

// PushConfig holds push provider configuration.
type PushConfig struct {
	BaseURL  string        `yaml:"base_url"`
	Token    string        `yaml:"token"`
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// init registers the push channel with the registry.
func init() {
	if err := Register(&PushChannel{}); err != nil {
		panic(fmt.Sprintf("Failed to register push channel: %v", err))
	}
}

// NewPushChannel creates a configured push channel, bypassing the
// environment lookup that Init performs.
func NewPushChannel(cfg PushConfig) *PushChannel {
	p := &PushChannel{}
	p.Configure(cfg)
	return p
}

// Configure applies provider settings ahead of Init. A configured
// channel skips the environment lookup, so file config can reach the
// registered instance.
func (p *PushChannel) Configure(cfg PushConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "/v1/push"
	}
	p.endpoint = cfg.Endpoint
	p.client = clients.NewBaseClient(cfg.BaseURL)
	if cfg.Token != "" {
		p.client.SetHeader("Authorization", "Bearer "+cfg.Token)
	}
	if cfg.Timeout > 0 {
		p.client.SetTimeout(cfg.Timeout)
	}
}

func (p *PushChannel) Name() string { return NamePush }

// Init loads provider settings from the environment and creates the
// HTTP client.
func (p *PushChannel) Init() error {
	if p.client != nil {
		return nil
	}
	baseURL := os.Getenv("PUSH_PROVIDER_URL")
	if baseURL == "" {
		return fmt.Errorf("PUSH_PROVIDER_URL is not set")
	}
	p.Configure(PushConfig{
		BaseURL: baseURL,
		Token:   os.Getenv("PUSH_PROVIDER_TOKEN"),
	})
	return nil
}

type pushRequest struct {
	RecipientID string `json:"recipient_id"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	OrderID     string `json:"order_id"`
	EventType   string `json:"event_type"`
	EventID     string `json:"event_id"`
}

func (p *PushChannel) Deliver(ctx context.Context, n Notification) error {
	if p.client == nil {
		return fmt.Errorf("push channel not initialized")
	}
	req := pushRequest{
		RecipientID: n.Recipient.ID,
		Subject:     n.Subject,
		Body:        n.Body,
		OrderID:     n.Envelope.OrderID,
		EventType:   string(n.Envelope.Type),
		EventID:     n.Envelope.ID.String(),
	}
	headers := map[string]string{
		"X-Idempotency-Key": n.IdempotencyKey.String(),
	}
	if _, err := p.client.PostJSON(ctx, p.endpoint, req, headers); err != nil {
		return fmt.Errorf("push delivery to %s failed: %w", n.Recipient.ID, err)
	}
	return nil
}
