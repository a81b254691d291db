package mocks

import (
	"context"
	"github.com/benjhiman/remember-me-sub000/internal/message_broaker"
	"sync"
	"time"
)

// MockMessageBroker is a mock implementation of message_broaker.MessageBroker for testing.
type MockMessageBroker struct {
	PublishFunc func(ctx context.Context, msg message_broaker.Message) error
	ConsumeFunc func(ctx context.Context) (<-chan message_broaker.Delivery, error)
	CloseFunc   func() error

	mu        sync.Mutex
	published []message_broaker.Message
}

func (m *MockMessageBroker) Publish(ctx context.Context, msg message_broaker.Message) error {
	m.mu.Lock()
	m.published = append(m.published, msg)
	m.mu.Unlock()
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, msg)
	}
	return nil
}

func (m *MockMessageBroker) Consume(ctx context.Context) (<-chan message_broaker.Delivery, error) {
	if m.ConsumeFunc != nil {
		return m.ConsumeFunc(ctx)
	}
	ch := make(chan message_broaker.Delivery)
	close(ch)
	return ch, nil
}

func (m *MockMessageBroker) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *MockMessageBroker) Published() []message_broaker.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]message_broaker.Message(nil), m.published...)
}

// MockDeduper is an in-memory message_broaker.Deduper.
type MockDeduper struct {
	ClaimErr error

	mu     sync.Mutex
	claims map[string]bool
}

func (m *MockDeduper) Claim(_ context.Context, messageID string, _ time.Duration) (bool, error) {
	if m.ClaimErr != nil {
		return false, m.ClaimErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claims == nil {
		m.claims = make(map[string]bool)
	}
	if m.claims[messageID] {
		return false, nil
	}
	m.claims[messageID] = true
	return true, nil
}

func (m *MockDeduper) Forget(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, messageID)
	return nil
}

func (m *MockDeduper) Claimed(messageID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claims[messageID]
}

// Settlement records how a test delivery was settled.
type Settlement struct {
	Kind         string
	Delay        time.Duration
	CountAttempt bool
}

// NewDelivery builds a delivery whose settlement is written to the returned channel.
func NewDelivery(id string, body []byte, attempt int) (message_broaker.Delivery, <-chan Settlement) {
	settled := make(chan Settlement, 1)
	return message_broaker.Delivery{
		Message: message_broaker.Message{ID: id, Body: body, Attempt: attempt},
		Ack: func() error {
			settled <- Settlement{Kind: "ack"}
			return nil
		},
		Retry: func(delay time.Duration, countAttempt bool) error {
			settled <- Settlement{Kind: "retry", Delay: delay, CountAttempt: countAttempt}
			return nil
		},
		Requeue: func() error {
			settled <- Settlement{Kind: "requeue"}
			return nil
		},
		DeadLetter: func() error {
			settled <- Settlement{Kind: "dead_letter"}
			return nil
		},
	}, settled
}
