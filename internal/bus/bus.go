// Package bus implements the in-process topic-keyed publish/subscribe
// fabric that fans normalized events out to the state cache and the
// automation actors. Publishing never blocks: each subscriber owns a
// bounded buffer and the oldest event is dropped when it overflows.
package bus

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mirai/internal/event"
)

// Topics used by the runtime.
const (
	TopicHA   = "ha:events"
	TopicMQTT = "mqtt:events"
)

// DefaultBufferSize is the per-subscriber mailbox capacity.
const DefaultBufferSize = 128

// Subscription is a live attachment to a topic. Events arrive on C in
// publish order. Unsubscribe is idempotent; after it returns, C is
// closed once any buffered events have been delivered or discarded.
type Subscription struct {
	ID    string
	Topic string
	C     <-chan *event.Event

	ch  chan *event.Event
	bus *Bus
}

// Unsubscribe detaches the subscription from its topic.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s)
}

// Bus is the topic-keyed event broadcaster.
type Bus struct {
	logger  *zap.Logger
	bufSize int

	mu     sync.RWMutex
	topics map[string][]*Subscription
}

// New creates a bus with the default per-subscriber buffer size.
func New(logger *zap.Logger) *Bus {
	return NewWithBuffer(logger, DefaultBufferSize)
}

// NewWithBuffer creates a bus with an explicit per-subscriber buffer
// size. Used by tests to force overflow behavior.
func NewWithBuffer(logger *zap.Logger, bufSize int) *Bus {
	if bufSize < 1 {
		bufSize = 1
	}
	return &Bus{
		logger:  logger.Named("bus"),
		bufSize: bufSize,
		topics:  make(map[string][]*Subscription),
	}
}

// Subscribe attaches a new subscriber to a topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	ch := make(chan *event.Event, b.bufSize)
	sub := &Subscription{
		ID:    uuid.NewString(),
		Topic: topic,
		C:     ch,
		ch:    ch,
		bus:   b,
	}

	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()

	b.logger.Debug("Subscriber attached",
		zap.String("topic", topic),
		zap.String("subscription_id", sub.ID))
	return sub
}

// Publish delivers ev to every subscriber of topic. A subscriber whose
// buffer is full loses its oldest buffered event so the publisher and
// the other subscribers are never stalled.
func (b *Bus) Publish(topic string, ev *event.Event) {
	// The read lock is held across delivery so Unsubscribe cannot close
	// a channel mid-send. Sends never block, so the hold is brief.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.topics[topic] {
		for {
			select {
			case sub.ch <- ev:
			default:
				// Buffer full: drop the oldest and retry.
				select {
				case dropped := <-sub.ch:
					b.logger.Warn("Subscriber buffer full, dropping oldest event",
						zap.String("topic", topic),
						zap.String("subscription_id", sub.ID),
						zap.String("dropped_event_id", dropped.ID))
				default:
				}
				continue
			}
			break
		}
	}
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[sub.Topic]
	if !ok {
		return
	}
	for i, s := range subs {
		if s.ID == sub.ID {
			b.topics[sub.Topic] = append(subs[:i], subs[i+1:]...)
			if len(b.topics[sub.Topic]) == 0 {
				delete(b.topics, sub.Topic)
			}
			close(sub.ch)
			return
		}
	}
}

// SubscriberCount reports how many subscribers a topic currently has.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
