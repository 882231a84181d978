package logger

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/r3labs/sse/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSSE struct {
	topic  string
	events []*sse.Event
}

func (m *mockSSE) Publish(topic string, event *sse.Event) {
	m.topic = topic
	m.events = append(m.events, event)
}

func TestNewSSEWriter(t *testing.T) {
	srv := &mockSSE{}
	writer := NewSSEWriter(srv)
	assert.Equal(t, srv, writer.SSE)
}

func TestSSEWriter_Write(t *testing.T) {
	srv := &mockSSE{}
	writer := NewSSEWriter(srv)

	line := []byte(`{"level":"info","time":"2024-01-02T03:04:05Z","message":"cycle finished","shard":7,"module":"sync"}`)
	n, err := writer.Write(line)
	require.NoError(t, err)
	assert.Equal(t, len(line), n)

	require.Len(t, srv.events, 1)
	assert.Equal(t, LogStream, srv.topic)

	var msg LogMessage
	require.NoError(t, json.Unmarshal(srv.events[0].Data, &msg))
	assert.Equal(t, "INF", msg.Level)
	assert.Equal(t, "2024-01-02T03:04:05Z", msg.Time)
	assert.Equal(t, "cycle finished", msg.Message)
	assert.Equal(t, `module="sync" shard=7`, msg.Fields)
}

func TestSSEWriter_UnknownLevel(t *testing.T) {
	srv := &mockSSE{}
	writer := NewSSEWriter(srv)

	_, err := writer.Write([]byte(`{"level":"custom","message":"x"}`))
	require.NoError(t, err)

	var msg LogMessage
	require.NoError(t, json.Unmarshal(srv.events[0].Data, &msg))
	assert.Equal(t, "custom", msg.Level)
	assert.Empty(t, msg.Fields)
	assert.NotEmpty(t, msg.Time)
}

func TestSSEWriter_NilServer(t *testing.T) {
	writer := NewSSEWriter(nil)
	n, err := writer.Write([]byte(`{"level":"info"}`))
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSSEWriter_InvalidJSON(t *testing.T) {
	srv := &mockSSE{}
	writer := NewSSEWriter(srv)

	_, err := writer.Write([]byte("not json"))
	assert.Error(t, err)
	assert.Empty(t, srv.events)
}
