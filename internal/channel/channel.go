package channel

import (
	"context"
	"log/slog"

	"github.com/stellarlinkco/rovermind/internal/bus"
)

// Channel is a remote operator surface.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]bool
	logger    *slog.Logger
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	allowed := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		allowed[id] = true
	}
	return BaseChannel{
		name:      name,
		bus:       b,
		allowFrom: allowed,
		logger:    slog.Default().With("component", name),
	}
}

func (c *BaseChannel) Name() string { return c.name }

// IsAllowed reports whether senderID may issue commands. An empty allow
// list admits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	return c.allowFrom[senderID]
}
