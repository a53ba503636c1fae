package notify

import (
	"context"
	"sync"
)

// Transport delivers one notification to one recipient. Implementations
// must be safe for concurrent use. A returned error means the delivery
// did not happen and may be retried.
type Transport interface {
	Deliver(ctx context.Context, recipient, subject, body string) error
}

// Noop discards notifications. Used when no transport is configured.
type Noop struct{}

func (Noop) Deliver(context.Context, string, string, string) error { return nil }

// Multi fans a delivery out to several transports, returning the first
// error.
type Multi []Transport

func (m Multi) Deliver(ctx context.Context, recipient, subject, body string) error {
	for _, t := range m {
		if err := t.Deliver(ctx, recipient, subject, body); err != nil {
			return err
		}
	}
	return nil
}

// Delivery is one recorded notification.
type Delivery struct {
	Recipient string
	Subject   string
	Body      string
}

// Memory records deliveries in process memory. Useful in tests and
// local runs without an outbound channel.
type Memory struct {
	mu         sync.Mutex
	deliveries []Delivery
	// Fail makes every delivery return this error when set.
	Fail error
}

func (m *Memory) Deliver(_ context.Context, recipient, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.deliveries = append(m.deliveries, Delivery{Recipient: recipient, Subject: subject, Body: body})
	return nil
}

// Deliveries returns a copy of everything delivered so far.
func (m *Memory) Deliveries() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Delivery, len(m.deliveries))
	copy(out, m.deliveries)
	return out
}
