package repository

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/session-gateway/internal/model"
	"github.com/iliyamo/session-gateway/internal/pubsub"
	"github.com/iliyamo/session-gateway/internal/store"
)

// heartbeatThrottle caps how often a session's last_seen is rewritten.
// High-traffic sockets would otherwise turn every inbound frame into a
// store write.
const heartbeatThrottle = 30 * time.Second

// ConnectionRepo owns the `connections:<sid>` hashes and the
// `connected_users` sorted set (scored by last_seen).  At most one record
// exists per session; registration is last-writer-wins so two replicas
// accepting sockets for the same sid are both legal and both clean up
// independently.
type ConnectionRepo struct {
	store        *store.Store
	batcher      *store.Batcher
	bus          *pubsub.Bus
	log          *zap.Logger
	timeout      time.Duration
	gatewayID    string
	pingInterval time.Duration
	sweep        time.Duration

	mu       sync.Mutex
	lastBeat map[string]time.Time
}

func NewConnectionRepo(s *store.Store, b *store.Batcher, bus *pubsub.Bus, log *zap.Logger,
	timeout, pingInterval, sweepInterval time.Duration, gatewayID string) *ConnectionRepo {
	return &ConnectionRepo{
		store:        s,
		batcher:      b,
		bus:          bus,
		log:          log.Named("connections"),
		timeout:      timeout,
		gatewayID:    gatewayID,
		pingInterval: pingInterval,
		sweep:        sweepInterval,
		lastBeat:     make(map[string]time.Time),
	}
}

// Register creates or overwrites the connection record for a session.
func (r *ConnectionRepo) Register(ctx context.Context, sid, gatewayID string) {
	if gatewayID == "" {
		gatewayID = r.gatewayID
	}
	now := time.Now().UTC()
	key := store.ConnectionKey(sid)
	r.batcher.HSet(key, map[string]string{
		"gateway_id":   gatewayID,
		"ws_connected": "0",
		"last_seen":    strconv.FormatInt(now.Unix(), 10),
	})
	r.batcher.Expire(key, r.timeout)
	r.log.Debug("registered connection", zap.String("session_id", sid), zap.String("gateway_id", gatewayID))
}

// MarkConnected flips the live-socket flag.  True also enters the session
// into connected_users; false removes it.  Idempotent per sid, which is
// what lets a re-login rebind cleanly after a replica crash.
func (r *ConnectionRepo) MarkConnected(ctx context.Context, sid string, connected bool) {
	now := time.Now().UTC()
	key := store.ConnectionKey(sid)
	flag := "0"
	if connected {
		flag = "1"
	}
	r.batcher.HSet(key, map[string]string{
		"ws_connected": flag,
		"last_seen":    strconv.FormatInt(now.Unix(), 10),
	})
	r.batcher.Expire(key, r.timeout)
	if connected {
		r.batcher.ZAdd(store.ConnectedUsersKey(), sid, float64(now.Unix()))
	} else {
		r.batcher.ZRem(store.ConnectedUsersKey(), sid)
	}
}

// Heartbeat bumps last_seen, throttled to once per 30 s per session.
func (r *ConnectionRepo) Heartbeat(ctx context.Context, sid string) {
	now := time.Now().UTC()
	r.mu.Lock()
	if now.Sub(r.lastBeat[sid]) < heartbeatThrottle {
		r.mu.Unlock()
		return
	}
	r.lastBeat[sid] = now
	r.mu.Unlock()

	key := store.ConnectionKey(sid)
	r.batcher.HSet(key, map[string]string{
		"last_seen": strconv.FormatInt(now.Unix(), 10),
	})
	r.batcher.Expire(key, r.timeout)
	r.batcher.ZAdd(store.ConnectedUsersKey(), sid, float64(now.Unix()))
}

// Remove unconditionally deletes the record and the sorted-set entry.
func (r *ConnectionRepo) Remove(ctx context.Context, sid string) {
	r.batcher.Delete(store.ConnectionKey(sid))
	r.batcher.ZRem(store.ConnectedUsersKey(), sid)
	r.mu.Lock()
	delete(r.lastBeat, sid)
	r.mu.Unlock()
	r.log.Debug("removed connection", zap.String("session_id", sid))
}

// Lookup reads the connection record for a session.
func (r *ConnectionRepo) Lookup(ctx context.Context, sid string) (*model.Connection, error) {
	fields, err := r.store.HGetAll(ctx, store.ConnectionKey(sid))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return &model.Connection{
		SessionID:   sid,
		GatewayID:   fields["gateway_id"],
		WSConnected: fields["ws_connected"] == "1",
		LastSeen:    parseUnix(fields["last_seen"]),
	}, nil
}

// ConnectedCount reports the size of the connected_users set as seen from
// the store (fleet-wide, not just this replica).
func (r *ConnectionRepo) ConnectedCount(ctx context.Context) (int, error) {
	sids, err := r.store.ZRangeByScore(ctx, store.ConnectedUsersKey(), "-inf", "+inf")
	if err != nil {
		return 0, err
	}
	return len(sids), nil
}

// RunStaleSweeper removes connection records this replica abandoned, e.g.
// after a crash left ws_connected pinned true.  Entries belonging to other
// gateways are left alone; their replicas sweep for themselves.
func (r *ConnectionRepo) RunStaleSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		removed, err := r.SweepStale(ctx)
		if err != nil {
			r.log.Warn("stale sweep failed", zap.Error(err))
			continue
		}
		if removed > 0 {
			r.log.Info("swept stale connections", zap.Int("removed", removed))
		}
	}
}

// SweepStale performs one pass: connected_users entries owned by this
// gateway whose last_seen exceeds twice the ping interval are removed.
func (r *ConnectionRepo) SweepStale(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-2 * r.pingInterval).Unix()
	sids, err := r.store.ZRangeByScore(ctx, store.ConnectedUsersKey(), "-inf", strconv.FormatInt(cutoff, 10))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, sid := range sids {
		conn, err := r.Lookup(ctx, sid)
		if err == ErrNotFound {
			// Orphaned sorted-set entry.
			r.batcher.ZRem(store.ConnectedUsersKey(), sid)
			continue
		}
		if err != nil {
			return removed, err
		}
		if conn.GatewayID != r.gatewayID {
			continue
		}
		r.Remove(ctx, sid)
		pubErr := r.bus.Publish(ctx, pubsub.SessionTopic(sid), map[string]any{
			"type":       model.EventDisconnected,
			"session_id": sid,
			"gateway_id": r.gatewayID,
			"reason":     "stale",
		})
		if pubErr != nil {
			r.log.Warn("stale disconnect publish failed", zap.String("session_id", sid), zap.Error(pubErr))
		}
		removed++
	}
	return removed, nil
}
