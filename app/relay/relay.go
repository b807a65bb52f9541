// Package relay implements the message routing engine: the sharded
// dispatcher, the per-message processing pipeline with captcha and spam
// gating, thread resolution, auto-replies and the broadcast service.
// The chat platform is abstracted behind the Transport capability interface,
// implemented by the events package.
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/umputun/tg-relay/lib/filter"
)

// ErrTransient marks a transport failure worth retrying, like a network
// timeout. Transport implementations wrap retryable errors with it; anything
// else is treated as permanent.
var ErrTransient = errors.New("transient transport error")

// Message is an inbound user message as seen by the engine
type Message struct {
	ID          int64 // platform message id in the user's chat
	UserID      int64
	UserName    string
	DisplayName string
	Lang        string
	Text        string
	Images      []filter.Image
	Sent        time.Time
}

// Destination addresses an outbound send. ThreadID zero means the chat root,
// used for direct user chats where ChatID is the user id.
type Destination struct {
	ChatID   int64
	ThreadID int64
}

// Transport is the capability surface the engine consumes from the chat
// platform adapter. Implementations wrap retryable failures with ErrTransient.
type Transport interface {
	Send(ctx context.Context, dest Destination, text string, silent bool) (msgID int64, err error)
	Forward(ctx context.Context, dest Destination, fromChatID, msgID int64, silent bool) error
	CreateThread(ctx context.Context, title string) (threadID int64, err error)
	CloseThread(ctx context.Context, threadID int64) error
	EditMessage(ctx context.Context, dest Destination, msgID int64, text string) error
	DeleteMessage(ctx context.Context, dest Destination, msgID int64) error
}

// SpamLogger records spam verdicts for the audit trail
type SpamLogger interface {
	Save(msg Message, responses []filter.Response)
}

// SpamLoggerFunc adapts a function to SpamLogger
type SpamLoggerFunc func(msg Message, responses []filter.Response)

// Save implements SpamLogger
func (f SpamLoggerFunc) Save(msg Message, responses []filter.Response) { f(msg, responses) }
