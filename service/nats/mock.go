package nats

import (
	"context"
	"sync"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu             sync.RWMutex
	notifications  []*Notification
	resolvedEvents []*RoundResolvedEvent
	publishError   error
	closed         bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// PublishNotification records the notification and returns any configured error.
func (m *MockPublisher) PublishNotification(ctx context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.notifications = append(m.notifications, n)
	return nil
}

// PublishRoundResolved records the event and returns any configured error.
func (m *MockPublisher) PublishRoundResolved(ctx context.Context, event *RoundResolvedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.resolvedEvents = append(m.resolvedEvents, event)
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetNotifications returns a copy of all published notifications.
func (m *MockPublisher) GetNotifications() []*Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Notification, len(m.notifications))
	copy(out, m.notifications)
	return out
}

// GetNotificationsFor returns notifications published for one participant.
func (m *MockPublisher) GetNotificationsFor(participant string) []*Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Notification
	for _, n := range m.notifications {
		if n.Participant == participant {
			out = append(out, n)
		}
	}
	return out
}

// GetRoundResolvedEvents returns a copy of all published round results.
func (m *MockPublisher) GetRoundResolvedEvents() []*RoundResolvedEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*RoundResolvedEvent, len(m.resolvedEvents))
	copy(out, m.resolvedEvents)
	return out
}

// SetPublishError configures the mock to fail every publish.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// Reset clears all published events and errors.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = nil
	m.resolvedEvents = nil
	m.publishError = nil
	m.closed = false
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
