package events

import (
	"testing"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/internal/logger"

	"github.com/goccy/go-json"
	"github.com/r3labs/sse/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockEventBus is a mock for EventBus.Bus
type MockEventBus struct {
	mock.Mock
}

func (m *MockEventBus) Subscribe(topic string, fn interface{}) error {
	args := m.Called(topic, fn)
	return args.Error(0)
}

func (m *MockEventBus) SubscribeAsync(topic string, fn interface{}, transactional bool) error {
	args := m.Called(topic, fn, transactional)
	return args.Error(0)
}

func (m *MockEventBus) SubscribeOnce(topic string, fn interface{}) error {
	args := m.Called(topic, fn)
	return args.Error(0)
}

func (m *MockEventBus) SubscribeOnceAsync(topic string, fn interface{}) error {
	args := m.Called(topic, fn)
	return args.Error(0)
}

func (m *MockEventBus) Unsubscribe(topic string, handler interface{}) error {
	args := m.Called(topic, handler)
	return args.Error(0)
}

func (m *MockEventBus) Publish(topic string, args ...interface{}) {
	m.Called(append([]interface{}{topic}, args...)...)
}

func (m *MockEventBus) HasCallback(topic string) bool {
	args := m.Called(topic)
	return args.Bool(0)
}

func (m *MockEventBus) WaitAsync() {
	m.Called()
}

type mockSSE struct {
	events []*sse.Event
	ids    []string
}

func (m *mockSSE) Publish(id string, event *sse.Event) {
	m.ids = append(m.ids, id)
	m.events = append(m.events, event)
}

func TestNewSubscribers(t *testing.T) {
	mockBus := new(MockEventBus)

	handlers := map[string]interface{}{}
	for _, topic := range []string{domain.EventRecordCompleted, domain.EventRecordFailed, domain.EventShardHealth} {
		topic := topic
		mockBus.On("Subscribe", topic, mock.Anything).
			Run(func(args mock.Arguments) {
				handlers[topic] = args.Get(1)
			}).
			Return(nil)
	}

	stream := &mockSSE{}
	_ = NewSubscribers(logger.Mock(), mockBus, stream)

	mockBus.AssertNumberOfCalls(t, "Subscribe", 3)

	failed, ok := handlers[domain.EventRecordFailed].(func(*domain.RecordEvent))
	require.True(t, ok, "handler for failed records has the wrong type")

	failed(&domain.RecordEvent{RecordID: "r1", ShardKey: 3, Status: domain.SyncStatusFailed, Error: "boom"})

	require.Len(t, stream.events, 1)
	assert.Equal(t, SyncStream, stream.ids[0])
	assert.Equal(t, domain.EventRecordFailed, string(stream.events[0].Event))

	var got domain.RecordEvent
	require.NoError(t, json.Unmarshal(stream.events[0].Data, &got))
	assert.Equal(t, "r1", got.RecordID)
	assert.Equal(t, "boom", got.Error)
}

func TestSubscriber_Register_SubscribeError(t *testing.T) {
	mockBus := new(MockEventBus)
	mockBus.On("Subscribe", mock.Anything, mock.Anything).Return(assert.AnError)

	assert.NotPanics(t, func() {
		_ = NewSubscribers(logger.Mock(), mockBus, &mockSSE{})
	})
	mockBus.AssertNumberOfCalls(t, "Subscribe", 3)
}

func TestShardHealthNotifier(t *testing.T) {
	bus := EventBus.New()
	stream := &mockSSE{}
	_ = NewSubscribers(logger.Mock(), bus, stream)

	notify := ShardHealthNotifier(bus)
	notify(7, false, "breaker: connection refused")
	notify(7, true, "")

	require.Len(t, stream.events, 2)

	var down domain.ShardHealthEvent
	require.NoError(t, json.Unmarshal(stream.events[0].Data, &down))
	assert.Equal(t, 7, down.ShardKey)
	assert.False(t, down.Healthy)
	assert.Equal(t, "breaker: connection refused", down.Reason)
	assert.WithinDuration(t, time.Now(), down.Timestamp, time.Minute)

	var up domain.ShardHealthEvent
	require.NoError(t, json.Unmarshal(stream.events[1].Data, &up))
	assert.True(t, up.Healthy)
}

func TestSubscriber_NoStream(t *testing.T) {
	bus := EventBus.New()
	_ = NewSubscribers(logger.Mock(), bus, nil)

	assert.NotPanics(t, func() {
		bus.Publish(domain.EventRecordCompleted, &domain.RecordEvent{RecordID: "r1"})
	})
}
