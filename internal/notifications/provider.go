package notifications

import "context"

// Provider delivers notifications for one transport kind.
type Provider interface {
	// Name is the provider key referenced by Channel.Provider.
	Name() string

	// Available reports whether the provider can currently deliver.
	Available() bool

	// Validate checks a channel's config at configuration time.
	Validate(config map[string]string) error

	// Send delivers one notification through the channel.
	Send(ctx context.Context, channel *Channel, n *Notification) error
}
