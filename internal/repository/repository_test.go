package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/session-gateway/internal/pubsub"
	"github.com/iliyamo/session-gateway/internal/store"
)

const testGateway = "localhost:8000"

// testEnv assembles the store plane over an in-process Redis.  Tests drive
// the batcher explicitly via flush.
type testEnv struct {
	mr       *miniredis.Miniredis
	store    *store.Store
	batcher  *store.Batcher
	bus      *pubsub.Bus
	users    *UserRepo
	sessions *SessionRepo
	conns    *ConnectionRepo
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := zap.NewNop()
	st := store.New(client, log)
	b := store.NewBatcher(st, log, 50*time.Millisecond)
	bus := pubsub.NewBus(st, log)
	isAdmin := func(u string) bool { return u == "admin" }
	return &testEnv{
		mr:       mr,
		store:    st,
		batcher:  b,
		bus:      bus,
		users:    NewUserRepo(st, bus, log, 4, isAdmin),
		sessions: NewSessionRepo(st, b, bus, log, 30*time.Minute, time.Minute, testGateway),
		conns:    NewConnectionRepo(st, b, bus, log, 30*time.Minute, 25*time.Second, 30*time.Second, testGateway),
	}
}

func (e *testEnv) flush(t *testing.T) {
	t.Helper()
	if err := e.batcher.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
}
