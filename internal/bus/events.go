package bus

import (
	"time"
)

// InboundMessage is an operator command received on a remote channel.
type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Content   string
	Timestamp time.Time
	Metadata  map[string]any
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage is a reply to an operator. Photo, when set, is sent as an
// image with Content as its caption.
type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	ReplyTo string
	Photo   []byte
}
