// Package notify delivers workflow mail: approval requests to supervisors,
// weekly digests of pending requests, and operator alerts when background
// machinery fails.
package notify

import (
	"context"
	"sync"
)

// Message is a single outbound mail.
type Message struct {
	To      []string
	Subject string
	Body    string
}

// Notifier sends workflow mail. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
	// OperatorAlert notifies the operations address about an internal
	// failure. Delivery errors are swallowed; alerting must never take
	// the caller down with it.
	OperatorAlert(subject, body string)
}

// MemoryNotifier records messages for tests.
type MemoryNotifier struct {
	mu     sync.Mutex
	sent   []Message
	alerts []Message
	err    error
}

// NewMemoryNotifier returns an empty capture notifier.
func NewMemoryNotifier() *MemoryNotifier { return &MemoryNotifier{} }

// Fail makes every subsequent Send return err.
func (m *MemoryNotifier) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Sent returns the messages delivered via Send.
func (m *MemoryNotifier) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}

// Alerts returns the operator alerts raised so far.
func (m *MemoryNotifier) Alerts() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.alerts...)
}

func (m *MemoryNotifier) Send(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *MemoryNotifier) OperatorAlert(subject, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, Message{Subject: subject, Body: body})
}

var _ Notifier = (*MemoryNotifier)(nil)
