// Package notify delivers reminder messages to users.
package notify

import (
	"context"
	"errors"

	"github.com/hray3182/duesync/internal/log"
)

var (
	// ErrTemplateRejected means the channel refused the formatted message.
	// Sending the plain variant may still succeed.
	ErrTemplateRejected = errors.New("notify: template rejected")
	// ErrTransport is a delivery failure worth retrying on a later tick.
	ErrTransport = errors.New("notify: transport failure")
)

// Message is a rendered notification. Text carries Markdown markers; Plain
// is the same content without any formatting.
type Message struct {
	Text  string
	Plain string
}

// Dispatcher sends a message to a user.
type Dispatcher interface {
	Send(ctx context.Context, userID int64, msg Message) error
}

// PlainOnly returns a copy of msg that carries no formatting.
func (m Message) PlainOnly() Message {
	return Message{Text: m.Plain, Plain: m.Plain}
}

// LogDispatcher writes messages to the log. It is used when no messaging
// channel is configured.
type LogDispatcher struct{}

func (LogDispatcher) Send(ctx context.Context, userID int64, msg Message) error {
	log.Info("notification", "user_id", userID, "text", msg.Plain)
	return nil
}
