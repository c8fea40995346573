package bus

import (
	"context"
	"log/slog"
	"sync"
)

type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string][]func(OutboundMessage)
	logger      *slog.Logger
}

func NewMessageBus(bufSize int) *MessageBus {
	return &MessageBus{
		Inbound:     make(chan InboundMessage, bufSize),
		Outbound:    make(chan OutboundMessage, bufSize),
		subscribers: make(map[string][]func(OutboundMessage)),
		logger:      slog.Default().With("component", "bus"),
	}
}

// SubscribeOutbound registers fn for replies addressed to channel.
func (b *MessageBus) SubscribeOutbound(channel string, fn func(OutboundMessage)) {
	b.mu.Lock()
	b.subscribers[channel] = append(b.subscribers[channel], fn)
	b.mu.Unlock()
}

// DispatchOutbound delivers outbound messages until ctx is done.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.mu.RLock()
			subs := b.subscribers[msg.Channel]
			b.mu.RUnlock()
			if len(subs) == 0 {
				b.logger.Warn("no subscriber for outbound message", "channel", msg.Channel)
				continue
			}
			for _, fn := range subs {
				fn(msg)
			}
		case <-ctx.Done():
			return
		}
	}
}
