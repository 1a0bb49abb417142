package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iliyamo/session-gateway/internal/model"
	"github.com/iliyamo/session-gateway/internal/store"
)

func newTestBus(t *testing.T) (*Bus, context.CancelFunc) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus := NewBus(store.New(client, zap.NewNop()), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go bus.Run(ctx)
	return bus, cancel
}

func recv(t *testing.T, ch <-chan model.Event) model.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return model.Event{}
	}
}

func TestTopicBuilders(t *testing.T) {
	assert.Equal(t, "user:alice", UserTopic("alice"))
	assert.Equal(t, "session:s1", SessionTopic("s1"))
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	bus, cancel := newTestBus(t)
	defer cancel()
	ctx := context.Background()

	ch, off := bus.Subscribe(ctx, UserTopic("alice"), 8)
	defer off()

	require.NoError(t, bus.Publish(ctx, UserTopic("alice"), map[string]any{
		"type": model.EventLogout, "user_id": "alice",
	}))

	ev := recv(t, ch)
	assert.Equal(t, model.EventLogout, ev.Type)
	assert.Equal(t, UserTopic("alice"), ev.Topic)
	assert.Equal(t, "alice", ev.Field("user_id"))
}

func TestDeliveryOrderPerTopic(t *testing.T) {
	bus, cancel := newTestBus(t)
	defer cancel()
	ctx := context.Background()

	ch, off := bus.Subscribe(ctx, SessionTopic("s1"), 32)
	defer off()

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(ctx, SessionTopic("s1"), map[string]any{
			"type": model.EventSessionUpdated, "seq": i,
		}))
	}
	for i := 0; i < 10; i++ {
		ev := recv(t, ch)
		var body struct {
			Seq int `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(ev.Raw, &body))
		assert.Equal(t, i, body.Seq)
	}
}

func TestFanOutToMultipleSubscribers(t *testing.T) {
	bus, cancel := newTestBus(t)
	defer cancel()
	ctx := context.Background()

	ch1, off1 := bus.Subscribe(ctx, UserTopic("alice"), 8)
	defer off1()
	ch2, off2 := bus.Subscribe(ctx, UserTopic("alice"), 8)
	defer off2()

	require.NoError(t, bus.Publish(ctx, UserTopic("alice"), map[string]any{"type": model.EventLogout}))

	assert.Equal(t, model.EventLogout, recv(t, ch1).Type)
	assert.Equal(t, model.EventLogout, recv(t, ch2).Type)
}

func TestUnsubscribeRefcount(t *testing.T) {
	bus, cancel := newTestBus(t)
	defer cancel()
	ctx := context.Background()

	_, off1 := bus.Subscribe(ctx, UserTopic("alice"), 8)
	_, off2 := bus.Subscribe(ctx, UserTopic("alice"), 8)
	assert.Len(t, bus.LocalTopics(), 1)

	off1()
	assert.Len(t, bus.LocalTopics(), 1)
	off2()
	assert.Empty(t, bus.LocalTopics())

	// Cancel is idempotent.
	off2()
	assert.Empty(t, bus.LocalTopics())
}

func TestTopicsAreIsolated(t *testing.T) {
	bus, cancel := newTestBus(t)
	defer cancel()
	ctx := context.Background()

	chAlice, offA := bus.Subscribe(ctx, UserTopic("alice"), 8)
	defer offA()
	chBob, offB := bus.Subscribe(ctx, UserTopic("bob"), 8)
	defer offB()

	require.NoError(t, bus.Publish(ctx, UserTopic("bob"), map[string]any{"type": model.EventLogout}))

	assert.Equal(t, model.EventLogout, recv(t, chBob).Type)
	select {
	case ev := <-chAlice:
		t.Fatalf("alice received bob's event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
