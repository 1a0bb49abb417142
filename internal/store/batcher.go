package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	backoffMin = 50 * time.Millisecond
	backoffMax = 5 * time.Second

	// DefaultHighWater is the pending-key count above which the batcher
	// stops deferring and writes synchronously until drained.
	DefaultHighWater = 50000
)

// pendingKey holds the coalesced mutations queued for one key.  Only the
// latest value survives for scalar sets and hash fields; set membership is
// tracked per member so the last add/remove wins; a delete supersedes and
// cancels everything queued before it.
type pendingKey struct {
	del    bool
	set    *string
	setTTL time.Duration
	fields map[string]string
	sadd   map[string]struct{}
	srem   map[string]struct{}
	zadd   map[string]float64
	zrem   map[string]struct{}
	expire time.Duration
}

func (p *pendingKey) empty() bool {
	return !p.del && p.set == nil && len(p.fields) == 0 &&
		len(p.sadd) == 0 && len(p.srem) == 0 &&
		len(p.zadd) == 0 && len(p.zrem) == 0 && p.expire == 0
}

// Metrics exposes batcher counters for the health endpoints.
type Metrics struct {
	Flushes       uint64 `json:"flushes"`
	Writes        uint64 `json:"writes"`
	Coalesced     uint64 `json:"coalesced"`
	Retries       uint64 `json:"retries"`
	SyncFallbacks uint64 `json:"sync_fallbacks"`
}

// Batcher is the write-behind layer between the registries and the store.
// Callers mutate their in-memory view first, then enqueue the store write
// here and get an immediate local acknowledgment.  A background flusher
// emits coalesced pipelines every flush interval.
type Batcher struct {
	store     *Store
	log       *zap.Logger
	interval  time.Duration
	highWater int

	mu      sync.Mutex
	pending map[string]*pendingKey

	flushes       atomic.Uint64
	writes        atomic.Uint64
	coalesced     atomic.Uint64
	retries       atomic.Uint64
	syncFallbacks atomic.Uint64
}

func NewBatcher(s *Store, log *zap.Logger, interval time.Duration) *Batcher {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Batcher{
		store:     s,
		log:       log.Named("batcher"),
		interval:  interval,
		highWater: DefaultHighWater,
		pending:   make(map[string]*pendingKey),
	}
}

func (b *Batcher) key(k string) *pendingKey {
	p, ok := b.pending[k]
	if !ok {
		p = &pendingKey{}
		b.pending[k] = p
	} else {
		b.coalesced.Add(1)
	}
	return p
}

// Set queues a scalar SET.  Later sets for the same key replace the value.
func (b *Batcher) Set(key, value string, ttl time.Duration) {
	b.mu.Lock()
	p := b.key(key)
	v := value
	p.set = &v
	p.setTTL = ttl
	b.afterSubmitLocked()
}

// HSet queues hash-field writes.  Later values for the same field win.
func (b *Batcher) HSet(key string, fields map[string]string) {
	b.mu.Lock()
	p := b.key(key)
	if p.fields == nil {
		p.fields = make(map[string]string, len(fields))
	}
	for f, v := range fields {
		p.fields[f] = v
	}
	b.afterSubmitLocked()
}

// SAdd queues set additions; a pending removal of the same member is
// cancelled.
func (b *Batcher) SAdd(key string, members ...string) {
	b.mu.Lock()
	p := b.key(key)
	if p.sadd == nil {
		p.sadd = make(map[string]struct{}, len(members))
	}
	for _, m := range members {
		p.sadd[m] = struct{}{}
		delete(p.srem, m)
	}
	b.afterSubmitLocked()
}

// SRem queues set removals; a pending addition of the same member is
// cancelled.
func (b *Batcher) SRem(key string, members ...string) {
	b.mu.Lock()
	p := b.key(key)
	if p.srem == nil {
		p.srem = make(map[string]struct{}, len(members))
	}
	for _, m := range members {
		p.srem[m] = struct{}{}
		delete(p.sadd, m)
	}
	b.afterSubmitLocked()
}

// ZAdd queues a sorted-set upsert; the latest score wins.
func (b *Batcher) ZAdd(key, member string, score float64) {
	b.mu.Lock()
	p := b.key(key)
	if p.zadd == nil {
		p.zadd = make(map[string]float64)
	}
	p.zadd[member] = score
	delete(p.zrem, member)
	b.afterSubmitLocked()
}

func (b *Batcher) ZRem(key string, members ...string) {
	b.mu.Lock()
	p := b.key(key)
	if p.zrem == nil {
		p.zrem = make(map[string]struct{}, len(members))
	}
	for _, m := range members {
		p.zrem[m] = struct{}{}
		delete(p.zadd, m)
	}
	b.afterSubmitLocked()
}

// Delete supersedes and cancels all pending writes for the key; the flush
// emits a DEL.  Writes queued after the delete are applied on top of it.
func (b *Batcher) Delete(key string) {
	b.mu.Lock()
	p := b.key(key)
	*p = pendingKey{del: true}
	b.afterSubmitLocked()
}

// Expire queues a TTL; the latest wins.
func (b *Batcher) Expire(key string, ttl time.Duration) {
	b.mu.Lock()
	p := b.key(key)
	p.expire = ttl
	b.afterSubmitLocked()
}

// afterSubmitLocked enforces the high-water mark and releases the lock.
// Above the mark the batcher degrades to synchronous writes: the caller
// pays for the flush until the backlog is gone.
func (b *Batcher) afterSubmitLocked() {
	if len(b.pending) <= b.highWater {
		b.mu.Unlock()
		return
	}
	b.syncFallbacks.Add(1)
	b.mu.Unlock()
	if err := b.Flush(context.Background()); err != nil {
		b.log.Warn("synchronous flush failed", zap.Error(err))
	}
}

// PendingKeys reports the current backlog size.
func (b *Batcher) PendingKeys() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Snapshot returns the current counters.
func (b *Batcher) Snapshot() Metrics {
	return Metrics{
		Flushes:       b.flushes.Load(),
		Writes:        b.writes.Load(),
		Coalesced:     b.coalesced.Load(),
		Retries:       b.retries.Load(),
		SyncFallbacks: b.syncFallbacks.Load(),
	}
}

// Run is the background flusher.  It wakes every flush interval and emits
// one pipeline; on store errors it retries with exponential backoff without
// losing the coalesced state.  Returns when ctx is cancelled.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	backoff := backoffMin
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := b.Flush(ctx); err != nil {
			b.retries.Add(1)
			b.log.Warn("flush failed, backing off",
				zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
			continue
		}
		backoff = backoffMin
	}
}

// Flush writes out everything pending in one pipeline.  On error the
// snapshot is merged back under whatever was queued meanwhile, so no
// coalesced state is lost.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	snapshot := b.pending
	b.pending = make(map[string]*pendingKey)
	b.mu.Unlock()

	pipe := b.store.rdb.Pipeline()
	writes := 0
	for key, p := range snapshot {
		if p.del {
			pipe.Del(ctx, key)
			writes++
		}
		if p.set != nil {
			pipe.Set(ctx, key, *p.set, p.setTTL)
			writes++
		}
		if len(p.fields) > 0 {
			pipe.HSet(ctx, key, p.fields)
			writes++
		}
		if len(p.sadd) > 0 {
			pipe.SAdd(ctx, key, setToArgs(p.sadd)...)
			writes++
		}
		if len(p.srem) > 0 {
			pipe.SRem(ctx, key, setToArgs(p.srem)...)
			writes++
		}
		if len(p.zadd) > 0 {
			pipe.ZAdd(ctx, key, zaddToZs(p.zadd)...)
			writes++
		}
		if len(p.zrem) > 0 {
			pipe.ZRem(ctx, key, setToArgs(p.zrem)...)
			writes++
		}
		if p.expire > 0 {
			pipe.Expire(ctx, key, p.expire)
			writes++
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		b.mu.Lock()
		for key, old := range snapshot {
			if newer, ok := b.pending[key]; ok {
				b.pending[key] = mergePending(old, newer)
			} else {
				b.pending[key] = old
			}
		}
		b.mu.Unlock()
		return err
	}
	b.flushes.Add(1)
	b.writes.Add(uint64(writes))
	return nil
}

// Drain blocks until all pending ops are flushed or the deadline elapses.
// Called last during shutdown.
func (b *Batcher) Drain(ctx context.Context) error {
	backoff := backoffMin
	for {
		if b.PendingKeys() == 0 {
			return nil
		}
		if err := b.Flush(ctx); err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
			continue
		}
	}
}

// mergePending layers newer ops on top of older ones, preserving the
// delete-supersedes rule.
func mergePending(older, newer *pendingKey) *pendingKey {
	if newer.del {
		return newer
	}
	out := *older
	if newer.set != nil {
		out.set = newer.set
		out.setTTL = newer.setTTL
	}
	if len(newer.fields) > 0 {
		if out.fields == nil {
			out.fields = make(map[string]string, len(newer.fields))
		}
		for f, v := range newer.fields {
			out.fields[f] = v
		}
	}
	for m := range newer.sadd {
		if out.sadd == nil {
			out.sadd = make(map[string]struct{})
		}
		out.sadd[m] = struct{}{}
		delete(out.srem, m)
	}
	for m := range newer.srem {
		if out.srem == nil {
			out.srem = make(map[string]struct{})
		}
		out.srem[m] = struct{}{}
		delete(out.sadd, m)
	}
	for m, sc := range newer.zadd {
		if out.zadd == nil {
			out.zadd = make(map[string]float64)
		}
		out.zadd[m] = sc
		delete(out.zrem, m)
	}
	for m := range newer.zrem {
		if out.zrem == nil {
			out.zrem = make(map[string]struct{})
		}
		out.zrem[m] = struct{}{}
		delete(out.zadd, m)
	}
	if newer.expire > 0 {
		out.expire = newer.expire
	}
	return &out
}

func zaddToZs(m map[string]float64) []redis.Z {
	out := make([]redis.Z, 0, len(m))
	for member, score := range m {
		out = append(out, redis.Z{Member: member, Score: score})
	}
	return out
}

func setToArgs(m map[string]struct{}) []interface{} {
	out := make([]interface{}, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
