// Package pubsub multiplexes the store's publish/subscribe channel for all
// local subscribers.  Each replica keeps exactly one subscriber connection:
// when the first local socket cares about a topic the bus subscribes on the
// store, when the last stops caring it unsubscribes.
package pubsub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/session-gateway/internal/model"
	"github.com/iliyamo/session-gateway/internal/store"
)

// Topic builders.  user:<id> fans out to all of the user's live sockets;
// session:<sid> targets one session's socket.
func UserTopic(username string) string { return "user:" + username }
func SessionTopic(sid string) string   { return "session:" + sid }

// subscriber is one local listener's delivery channel.
type subscriber struct {
	ch chan model.Event
}

// Bus owns the replica's single multiplexed subscription.  Inbound events
// are parsed and dispatched by topic to local subscriber channels in
// arrival order; a full subscriber channel drops the event for that
// subscriber only (socket queues apply their own displacement policy on
// top of a roomy buffer).
type Bus struct {
	store *store.Store
	log   *zap.Logger

	mu     sync.Mutex
	ps     *redis.PubSub
	topics map[string][]*subscriber
}

func NewBus(s *store.Store, log *zap.Logger) *Bus {
	return &Bus{
		store:  s,
		log:    log.Named("bus"),
		topics: make(map[string][]*subscriber),
	}
}

// Run starts the receive loop.  It returns when ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	b.mu.Lock()
	if b.ps == nil {
		b.ps = b.store.Subscribe(ctx)
	}
	ch := b.ps.Channel()
	b.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			if b.ps != nil {
				_ = b.ps.Close()
			}
			b.mu.Unlock()
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (b *Bus) dispatch(topic string, payload []byte) {
	ev := model.Event{Topic: topic, Raw: payload}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		b.log.Warn("dropping malformed event", zap.String("topic", topic), zap.Error(err))
		return
	}
	ev.Type = head.Type

	b.mu.Lock()
	subs := make([]*subscriber, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			b.log.Warn("subscriber backpressure, event dropped",
				zap.String("topic", topic), zap.String("type", ev.Type))
		}
	}
}

// Subscribe registers local interest in a topic.  The returned cancel
// function must be called on disconnect; when it removes the last local
// subscriber the bus unsubscribes from the store.
func (b *Bus) Subscribe(ctx context.Context, topic string, buf int) (<-chan model.Event, func()) {
	if buf <= 0 {
		buf = 64
	}
	sub := &subscriber{ch: make(chan model.Event, buf)}

	b.mu.Lock()
	if b.ps == nil {
		b.ps = b.store.Subscribe(ctx)
	}
	first := len(b.topics[topic]) == 0
	b.topics[topic] = append(b.topics[topic], sub)
	ps := b.ps
	b.mu.Unlock()

	if first {
		if err := ps.Subscribe(ctx, topic); err != nil {
			b.log.Error("store subscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			subs := b.topics[topic]
			for i, s := range subs {
				if s == sub {
					b.topics[topic] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			last := len(b.topics[topic]) == 0
			if last {
				delete(b.topics, topic)
			}
			ps := b.ps
			b.mu.Unlock()

			if last && ps != nil {
				if err := ps.Unsubscribe(context.Background(), topic); err != nil {
					b.log.Warn("store unsubscribe failed", zap.String("topic", topic), zap.Error(err))
				}
			}
		})
	}
	return sub.ch, cancel
}

// Publish marshals the event and sends it on the topic immediately; event
// delivery never waits out a batcher flush window.
func (b *Bus) Publish(ctx context.Context, topic string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.store.Publish(ctx, topic, payload)
}

// LocalTopics snapshots the topics with at least one local subscriber.
func (b *Bus) LocalTopics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.topics))
	for t := range b.topics {
		out = append(out, t)
	}
	return out
}
