package repository

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iliyamo/session-gateway/internal/model"
	"github.com/iliyamo/session-gateway/internal/pubsub"
	"github.com/iliyamo/session-gateway/internal/store"
	"github.com/iliyamo/session-gateway/internal/utils"
)

const lockStripes = 64

// pendingTTL bounds how long a cumulative patch is kept as a local read
// overlay.  Flushes land within one flush interval (plus retries), so by
// then the store carries the same state.
const pendingTTL = 30 * time.Second

// pendingPatch accumulates the patches queued for a session since they
// were last known to be durable.  Overlaying it on store reads gives this
// replica read-your-writes inside the flush window; without it a second
// update in the same window would read a stale blob and drop the first
// update's fields.
type pendingPatch struct {
	patch      map[string]any
	lastAccess time.Time
	queuedAt   time.Time
}

// SessionRepo owns the `sessions:<sid>` hashes and the `user_sessions:<u>`
// index.  Reads hit the store directly; mutations go through the batcher so
// tens of thousands of sockets cannot translate into per-message writes.
// Updates are read-merge-write under a per-session striped lock.
type SessionRepo struct {
	store     *store.Store
	batcher   *store.Batcher
	bus       *pubsub.Bus
	log       *zap.Logger
	timeout   time.Duration
	gatewayID string
	sweep     time.Duration

	locks [lockStripes]sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingPatch
	created   map[string]*createdSession
}

// createdSession keeps a freshly created session readable on this replica
// before its first flush reaches the store.
type createdSession struct {
	sess *model.Session
	at   time.Time
}

func NewSessionRepo(s *store.Store, b *store.Batcher, bus *pubsub.Bus, log *zap.Logger,
	timeout, sweepInterval time.Duration, gatewayID string) *SessionRepo {
	return &SessionRepo{
		store:     s,
		batcher:   b,
		bus:       bus,
		log:       log.Named("sessions"),
		timeout:   timeout,
		gatewayID: gatewayID,
		sweep:     sweepInterval,
		pending:   make(map[string]*pendingPatch),
		created:   make(map[string]*createdSession),
	}
}

// recordPending folds a patch into the session's cumulative overlay.
func (r *SessionRepo) recordPending(sid string, patch map[string]any, lastAccess time.Time) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	p := r.pending[sid]
	if p == nil || time.Since(p.queuedAt) > pendingTTL {
		p = &pendingPatch{patch: map[string]any{}}
		r.pending[sid] = p
	}
	p.patch = utils.DeepMerge(p.patch, patch)
	p.lastAccess = lastAccess
	p.queuedAt = time.Now()
}

// overlayPending layers this replica's unflushed patches over a store
// read.
func (r *SessionRepo) overlayPending(s *model.Session) {
	r.pendingMu.Lock()
	p := r.pending[s.ID]
	if p != nil && time.Since(p.queuedAt) > pendingTTL {
		delete(r.pending, s.ID)
		p = nil
	}
	r.pendingMu.Unlock()
	if p == nil {
		return
	}
	s.Data = utils.DeepMerge(s.Data, p.patch)
	if p.lastAccess.After(s.LastAccess) {
		s.LastAccess = p.lastAccess
	}
}

func (r *SessionRepo) dropPending(sid string) {
	r.pendingMu.Lock()
	delete(r.pending, sid)
	delete(r.created, sid)
	r.pendingMu.Unlock()
}

func (r *SessionRepo) lock(sid string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(sid))
	return &r.locks[h.Sum32()%lockStripes]
}

// Create generates a sid, persists the session and appends it to the user
// index.  Emits no event.
func (r *SessionRepo) Create(ctx context.Context, userID, chatID string) (*model.Session, error) {
	if chatID == "" {
		chatID = model.DefaultChatID
	}
	now := time.Now().UTC()
	s := &model.Session{
		ID:         uuid.NewString(),
		UserID:     userID,
		ChatID:     chatID,
		Data:       map[string]any{"conversation": []any{}, "api_key": nil},
		CreatedAt:  now,
		LastAccess: now,
	}
	fields, err := sessionFields(s)
	if err != nil {
		return nil, err
	}
	r.batcher.HSet(store.SessionKey(s.ID), fields)
	r.batcher.Expire(store.SessionKey(s.ID), r.timeout)
	r.batcher.SAdd(store.UserSessionsKey(userID), s.ID)

	r.pendingMu.Lock()
	r.created[s.ID] = &createdSession{sess: s, at: now}
	r.pendingMu.Unlock()

	r.log.Info("created session", zap.String("session_id", s.ID), zap.String("user_id", userID))
	return s, nil
}

// Get reads a session.  Expiry is lazy: a session past its timeout is
// deleted on the way out and reported as not found.
func (r *SessionRepo) Get(ctx context.Context, sid string) (*model.Session, error) {
	s, err := r.getRaw(ctx, sid)
	if err != nil {
		return nil, err
	}
	r.overlayPending(s)
	if s.Expired(time.Now().UTC(), r.timeout) {
		if err := r.Delete(ctx, sid); err != nil {
			r.log.Warn("lazy expiry delete failed", zap.String("session_id", sid), zap.Error(err))
		}
		return nil, ErrNotFound
	}
	return s, nil
}

func (r *SessionRepo) getRaw(ctx context.Context, sid string) (*model.Session, error) {
	fields, err := r.store.HGetAll(ctx, store.SessionKey(sid))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		if s := r.recentlyCreated(sid); s != nil {
			return s, nil
		}
		return nil, ErrNotFound
	}
	return parseSession(sid, fields)
}

// recentlyCreated returns a copy of a session created on this replica
// whose first flush has not necessarily landed yet.
func (r *SessionRepo) recentlyCreated(sid string) *model.Session {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	c := r.created[sid]
	if c == nil {
		return nil
	}
	if time.Since(c.at) > pendingTTL {
		delete(r.created, sid)
		return nil
	}
	cp := *c.sess
	cp.Data = utils.DeepMerge(map[string]any{}, c.sess.Data)
	return &cp
}

// Update merges the patch into the session's data blob, optionally changes
// the chat id, bumps last-access and publishes session_updated.  The
// read-merge-write runs under the sid's stripe lock; cross-replica races
// are last-writer-wins per flush window and consumers treat the event as
// advisory.
func (r *SessionRepo) Update(ctx context.Context, sid, chatID string, patch map[string]any) (*model.Session, error) {
	mu := r.lock(sid)
	mu.Lock()
	defer mu.Unlock()

	s, err := r.Get(ctx, sid)
	if err != nil {
		return nil, err
	}
	s.Data = utils.DeepMerge(s.Data, patch)
	if chatID != "" {
		s.ChatID = chatID
	}
	s.LastAccess = time.Now().UTC()
	r.recordPending(sid, patch, s.LastAccess)

	data, err := json.Marshal(s.Data)
	if err != nil {
		return nil, err
	}
	key := store.SessionKey(sid)
	r.batcher.HSet(key, map[string]string{
		"data":        string(data),
		"chat_id":     s.ChatID,
		"last_access": strconv.FormatInt(s.LastAccess.Unix(), 10),
	})
	r.batcher.Expire(key, r.timeout)

	err = r.bus.Publish(ctx, pubsub.SessionTopic(sid), map[string]any{
		"type":       model.EventSessionUpdated,
		"session_id": sid,
		"user_id":    s.UserID,
		"chat_id":    s.ChatID,
		"updates":    patch,
		"origin":     r.gatewayID,
	})
	if err != nil {
		r.log.Warn("session_updated publish failed", zap.String("session_id", sid), zap.Error(err))
	}
	return s, nil
}

// Touch bumps last-access only.
func (r *SessionRepo) Touch(ctx context.Context, sid string) {
	key := store.SessionKey(sid)
	r.batcher.HSet(key, map[string]string{
		"last_access": strconv.FormatInt(time.Now().UTC().Unix(), 10),
	})
	r.batcher.Expire(key, r.timeout)
}

// Delete removes the session, its index entry and any connection record,
// then publishes session_closed on the session topic.
func (r *SessionRepo) Delete(ctx context.Context, sid string) error {
	s, err := r.getRaw(ctx, sid)
	if err != nil && err != ErrNotFound {
		return err
	}
	r.dropPending(sid)
	r.batcher.Delete(store.SessionKey(sid))
	if s != nil {
		r.batcher.SRem(store.UserSessionsKey(s.UserID), sid)
	}
	r.batcher.Delete(store.ConnectionKey(sid))
	r.batcher.ZRem(store.ConnectedUsersKey(), sid)

	pubErr := r.bus.Publish(ctx, pubsub.SessionTopic(sid), map[string]any{
		"type":       model.EventSessionClosed,
		"session_id": sid,
	})
	if pubErr != nil {
		r.log.Warn("session_closed publish failed", zap.String("session_id", sid), zap.Error(pubErr))
	}
	r.log.Debug("deleted session", zap.String("session_id", sid))
	return nil
}

// ForUser returns the user's live sessions via the index.  Expired entries
// are evicted along the way.
func (r *SessionRepo) ForUser(ctx context.Context, userID string) ([]*model.Session, error) {
	sids, err := r.store.SMembers(ctx, store.UserSessionsKey(userID))
	if err != nil {
		return nil, err
	}
	sessions := make([]*model.Session, 0, len(sids))
	for _, sid := range sids {
		s, err := r.Get(ctx, sid)
		if err == ErrNotFound {
			// Stale index entry; drop it.
			r.batcher.SRem(store.UserSessionsKey(userID), sid)
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// DeleteForUser removes every session of the user.  Used by logout and
// account deletion.
func (r *SessionRepo) DeleteForUser(ctx context.Context, userID string) (int, error) {
	sids, err := r.store.SMembers(ctx, store.UserSessionsKey(userID))
	if err != nil {
		return 0, err
	}
	for _, sid := range sids {
		if err := r.Delete(ctx, sid); err != nil {
			return 0, err
		}
	}
	r.batcher.Delete(store.UserSessionsKey(userID))
	return len(sids), nil
}

// All lists every session in the store.  Admin surface only.
func (r *SessionRepo) All(ctx context.Context) ([]*model.Session, error) {
	keys, err := r.store.Scan(ctx, "sessions:*")
	if err != nil {
		return nil, err
	}
	sessions := make([]*model.Session, 0, len(keys))
	for _, key := range keys {
		sid := strings.TrimPrefix(key, "sessions:")
		fields, err := r.store.HGetAll(ctx, key)
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		s, err := parseSession(sid, fields)
		if err != nil {
			r.log.Warn("skipping unparseable session", zap.String("session_id", sid), zap.Error(err))
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// RunSweeper periodically walks the user indexes and evicts sessions whose
// last-access age exceeds the timeout.  Lazy expiry in Get handles the
// common case; the sweeper catches sessions nobody reads anymore.
func (r *SessionRepo) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		removed, err := r.SweepExpired(ctx)
		if err != nil {
			r.log.Warn("sweep failed", zap.Error(err))
			continue
		}
		if removed > 0 {
			r.log.Info("swept expired sessions", zap.Int("removed", removed))
		}
	}
}

// SweepExpired performs one sweep pass and returns the number of sessions
// removed.  Exposed for the admin cleanup endpoint.
func (r *SessionRepo) SweepExpired(ctx context.Context) (int, error) {
	keys, err := r.store.Scan(ctx, "user_sessions:*")
	if err != nil {
		return 0, err
	}
	removed := 0
	now := time.Now().UTC()
	for _, key := range keys {
		sids, err := r.store.SMembers(ctx, key)
		if err != nil {
			return removed, err
		}
		for _, sid := range sids {
			s, err := r.getRaw(ctx, sid)
			if err == ErrNotFound {
				r.batcher.SRem(key, sid)
				continue
			}
			if err != nil {
				return removed, err
			}
			if s.Expired(now, r.timeout) {
				if err := r.Delete(ctx, sid); err != nil {
					return removed, err
				}
				removed++
			}
		}
	}
	return removed, nil
}

func sessionFields(s *model.Session) (map[string]string, error) {
	data, err := json.Marshal(s.Data)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"user_id":     s.UserID,
		"chat_id":     s.ChatID,
		"data":        string(data),
		"created_at":  strconv.FormatInt(s.CreatedAt.Unix(), 10),
		"last_access": strconv.FormatInt(s.LastAccess.Unix(), 10),
	}, nil
}

func parseSession(sid string, fields map[string]string) (*model.Session, error) {
	s := &model.Session{
		ID:         sid,
		UserID:     fields["user_id"],
		ChatID:     fields["chat_id"],
		CreatedAt:  parseUnix(fields["created_at"]),
		LastAccess: parseUnix(fields["last_access"]),
	}
	if raw := fields["data"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.Data); err != nil {
			return nil, err
		}
	}
	if s.Data == nil {
		s.Data = map[string]any{}
	}
	if s.ChatID == "" {
		s.ChatID = model.DefaultChatID
	}
	return s, nil
}
