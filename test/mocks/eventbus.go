package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/swiftride/dispatch/pkg/eventbus"
)

// MockEventBus is a mock implementation of the event bus publisher
type MockEventBus struct {
	mock.Mock
}

// Ensure MockEventBus implements Publisher
var _ eventbus.Publisher = (*MockEventBus)(nil)

// Publish mocks publishing an event
func (m *MockEventBus) Publish(ctx context.Context, subject string, event *eventbus.Event) error {
	args := m.Called(ctx, subject, event)
	return args.Error(0)
}
