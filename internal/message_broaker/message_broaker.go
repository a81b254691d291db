package message_broaker

import (
	"context"
	"time"
)

// Message is one broker submission. ID is used as the AMQP message id and
// for publish-side de-duplication.
type Message struct {
	ID      string
	Body    []byte
	Attempt int
	Delay   time.Duration
}

// Delivery is a consumed message plus its settlement callbacks. Exactly one
// of them must be called.
type Delivery struct {
	Message
	Ack func() error
	// Retry republishes the message after delay, bumping its attempt
	// counter when countAttempt is set.
	Retry      func(delay time.Duration, countAttempt bool) error
	Requeue    func() error
	DeadLetter func() error
}

type MessageBroker interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Delivery, error)
	Close() error
}
