package ws

import (
	"context"
	"sync"
	"time"
)

// dedupEntry remembers the last payload of a message type on a session.
type dedupEntry struct {
	payload string
	at      time.Time
}

// dedupCache suppresses repeated identical messages (the client retry
// pattern: the same update_api_key fired many times in a burst).  Entries
// expire after ttl; a periodic sweep reclaims memory.
type dedupCache struct {
	mu      sync.Mutex
	entries map[string]map[string]dedupEntry // sid -> msg type -> entry
	ttl     time.Duration
}

func newDedupCache(ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &dedupCache{entries: make(map[string]map[string]dedupEntry), ttl: ttl}
}

// isDuplicate reports whether the same payload for this session and type
// was seen within the TTL.
func (c *dedupCache) isDuplicate(sid, msgType, payload string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[sid][msgType]
	return ok && e.payload == payload && time.Since(e.at) < c.ttl
}

func (c *dedupCache) remember(sid, msgType, payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[sid] == nil {
		c.entries[sid] = make(map[string]dedupEntry)
	}
	c.entries[sid][msgType] = dedupEntry{payload: payload, at: time.Now()}
}

// forget drops one remembered entry, letting a failed write be retried.
func (c *dedupCache) forget(sid, msgType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries[sid], msgType)
}

// forgetSession drops everything for a disconnected session.
func (c *dedupCache) forgetSession(sid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, sid)
}

func (c *dedupCache) stats() (sessions, messages int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.entries {
		messages += len(m)
	}
	return len(c.entries), messages
}

// RunCleanup sweeps expired entries until ctx is cancelled.
func (c *dedupCache) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		c.mu.Lock()
		for sid, m := range c.entries {
			for t, e := range m {
				if now.Sub(e.at) > c.ttl {
					delete(m, t)
				}
			}
			if len(m) == 0 {
				delete(c.entries, sid)
			}
		}
		c.mu.Unlock()
	}
}
