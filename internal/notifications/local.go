package notifications

import (
	"context"

	"github.com/codeharbor/codeharbor/internal/events/bus"
)

// LocalProvider publishes notifications on the generic event bus so other
// in-process consumers (or a NATS topology) can observe them.
type LocalProvider struct {
	bus bus.EventBus
}

// NewLocalProvider creates the provider over the given bus.
func NewLocalProvider(b bus.EventBus) *LocalProvider {
	return &LocalProvider{bus: b}
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) Available() bool {
	return p.bus != nil && p.bus.IsConnected()
}

func (p *LocalProvider) Validate(config map[string]string) error { return nil }

func (p *LocalProvider) Send(ctx context.Context, channel *Channel, n *Notification) error {
	event := bus.NewEvent("notification", "notifications", n)
	return p.bus.Publish(ctx, "notifications."+channel.UserID, event)
}
