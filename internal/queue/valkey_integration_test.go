//go:build integration

package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/flurbudurbur/fieldsync/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValkeyClient_Stream(t *testing.T) {
	addr := os.Getenv("VALKEY_ADDR")
	if addr == "" {
		t.Skip("VALKEY_ADDR not set")
	}

	client, err := NewValkeyClient(domain.ValkeyConfig{Address: addr})
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	stream := "test." + uuid.NewString()

	require.NoError(t, client.CreateGroup(ctx, stream, "g"))
	require.NoError(t, client.CreateGroup(ctx, stream, "g"), "BUSYGROUP is ignored")

	id, err := client.Add(ctx, stream, 100, map[string]string{fieldPayload: `{"record_id":"a","shard_key":1}`})
	require.NoError(t, err)

	entries, err := client.ReadGroup(ctx, stream, "g", "c", ">", 10, time.Second)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)

	pending, err := client.ReadGroup(ctx, stream, "g", "c", "0", 10, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.NoError(t, client.Ack(ctx, stream, "g", id))

	pending, err = client.ReadGroup(ctx, stream, "g", "c", "0", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
