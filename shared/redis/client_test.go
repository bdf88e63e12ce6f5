package redis

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewFromClient(rdb, &Config{Addr: mr.Addr()}, logger), mr
}

func TestClient_PublishSubscribe(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	sub, err := client.Subscribe(ctx, "events-node")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, client.Publish(ctx, "events-node", []byte(`{"id":"1"}`)))

	select {
	case msg, ok := <-sub.Messages():
		require.True(t, ok)
		assert.Equal(t, "events-node", msg.Channel)
		assert.JSONEq(t, `{"id":"1"}`, string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestClient_PublishWithoutSubscribers(t *testing.T) {
	client, _ := newTestClient(t)

	// fire-and-forget: nobody listening is not an error
	assert.NoError(t, client.Publish(context.Background(), "events-node", []byte("{}")))
}

func TestClient_SubscriptionClose(t *testing.T) {
	client, _ := newTestClient(t)

	sub, err := client.Subscribe(context.Background(), "events-node")
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	select {
	case _, ok := <-sub.Messages():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("messages channel not closed")
	}
}

func TestClient_SubscribeFailure(t *testing.T) {
	client, mr := newTestClient(t)
	mr.Close()

	_, err := client.Subscribe(context.Background(), "events-node")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to subscribe")
}

func TestClient_HealthCheck(t *testing.T) {
	client, mr := newTestClient(t)

	assert.NoError(t, client.HealthCheck(context.Background()))

	mr.Close()
	assert.Error(t, client.HealthCheck(context.Background()))
}
