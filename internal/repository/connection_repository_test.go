package repository

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/session-gateway/internal/store"
)

func TestRegisterAndLookup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.conns.Register(ctx, "s1", "")
	env.flush(t)

	conn, err := env.conns.Lookup(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, testGateway, conn.GatewayID)
	assert.False(t, conn.WSConnected)

	_, err = env.conns.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkConnectedTogglesSortedSet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.conns.Register(ctx, "s1", testGateway)
	env.conns.MarkConnected(ctx, "s1", true)
	env.flush(t)

	conn, err := env.conns.Lookup(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, conn.WSConnected)
	members, err := env.store.ZRangeByScore(ctx, store.ConnectedUsersKey(), "-inf", "+inf")
	require.NoError(t, err)
	assert.Contains(t, members, "s1")

	env.conns.MarkConnected(ctx, "s1", false)
	env.flush(t)

	conn, err = env.conns.Lookup(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, conn.WSConnected)
	members, err = env.store.ZRangeByScore(ctx, store.ConnectedUsersKey(), "-inf", "+inf")
	require.NoError(t, err)
	assert.NotContains(t, members, "s1")
}

func TestMarkConnectedIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.conns.Register(ctx, "s1", testGateway)
	env.conns.MarkConnected(ctx, "s1", true)
	env.conns.MarkConnected(ctx, "s1", true)
	env.flush(t)

	members, err := env.store.ZRangeByScore(ctx, store.ConnectedUsersKey(), "-inf", "+inf")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, members)
}

func TestHeartbeatThrottled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.conns.Register(ctx, "s1", testGateway)
	env.flush(t)
	before := env.batcher.Snapshot().Writes

	// Rapid heartbeats inside the throttle window produce one batched
	// write set.
	for i := 0; i < 20; i++ {
		env.conns.Heartbeat(ctx, "s1")
	}
	env.flush(t)
	after := env.batcher.Snapshot().Writes
	// HSET + EXPIRE + ZADD for the first heartbeat only.
	assert.Equal(t, uint64(3), after-before)
}

func TestRemoveClearsBoth(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.conns.Register(ctx, "s1", testGateway)
	env.conns.MarkConnected(ctx, "s1", true)
	env.flush(t)

	env.conns.Remove(ctx, "s1")
	env.flush(t)

	_, err := env.conns.Lookup(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
	members, err := env.store.ZRangeByScore(ctx, store.ConnectedUsersKey(), "-inf", "+inf")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestSweepStaleOwnGatewayOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-5 * time.Minute).Unix()

	// Stale entry owned by this gateway.
	require.NoError(t, env.store.HSet(ctx, store.ConnectionKey("mine"), map[string]string{
		"gateway_id": testGateway, "ws_connected": "1", "last_seen": strconv.FormatInt(stale, 10),
	}))
	require.NoError(t, env.store.ZAdd(ctx, store.ConnectedUsersKey(), "mine", float64(stale)))

	// Stale entry pinned to another replica; must be left alone.
	require.NoError(t, env.store.HSet(ctx, store.ConnectionKey("theirs"), map[string]string{
		"gateway_id": "other:8000", "ws_connected": "1", "last_seen": strconv.FormatInt(stale, 10),
	}))
	require.NoError(t, env.store.ZAdd(ctx, store.ConnectedUsersKey(), "theirs", float64(stale)))

	// Fresh entry owned by this gateway; not stale.
	now := time.Now().UTC().Unix()
	require.NoError(t, env.store.HSet(ctx, store.ConnectionKey("fresh"), map[string]string{
		"gateway_id": testGateway, "ws_connected": "1", "last_seen": strconv.FormatInt(now, 10),
	}))
	require.NoError(t, env.store.ZAdd(ctx, store.ConnectedUsersKey(), "fresh", float64(now)))

	removed, err := env.conns.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	env.flush(t)

	_, err = env.conns.Lookup(ctx, "mine")
	assert.ErrorIs(t, err, ErrNotFound)
	theirs, err := env.conns.Lookup(ctx, "theirs")
	require.NoError(t, err)
	assert.True(t, theirs.WSConnected)
	_, err = env.conns.Lookup(ctx, "fresh")
	assert.NoError(t, err)
}

func TestSweepStaleDropsOrphanedZSetEntries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-5 * time.Minute).Unix()
	require.NoError(t, env.store.ZAdd(ctx, store.ConnectedUsersKey(), "ghost", float64(stale)))

	removed, err := env.conns.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	env.flush(t)

	members, err := env.store.ZRangeByScore(ctx, store.ConnectedUsersKey(), "-inf", "+inf")
	require.NoError(t, err)
	assert.Empty(t, members)
}
