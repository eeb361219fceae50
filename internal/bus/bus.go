// SPDX-License-Identifier: MIT

// Package bus is the outbound in-memory event bus. The dispatcher publishes
// state transitions after commit; SSE clients and the notification sink
// subscribe. Publishing never blocks the dispatcher: slow consumers drop.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rivenmedia/riven/internal/metrics"

	xglog "github.com/rivenmedia/riven/internal/log"
)

// Topic names the outbound channels.
type Topic string

const (
	TopicStateChanged  Topic = "item.state_changed"
	TopicBlacklisted   Topic = "stream.blacklisted"
	TopicSchedulerTick Topic = "scheduler.tick"
	TopicNotification  Topic = "notification"
)

// Message is one outbound event, shaped for direct SSE serialization.
type Message struct {
	Type     string    `json:"type"`
	ItemID   int64     `json:"id,omitempty"`
	From     string    `json:"from,omitempty"`
	To       string    `json:"to,omitempty"`
	Infohash string    `json:"infohash,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Job      string    `json:"job,omitempty"`
	At       time.Time `json:"at"`
}

const (
	subscriberBuffer = 64
	dropLogEvery     = 100
)

var dropCount atomic.Uint64

// Bus fans messages out per topic.
type Bus struct {
	mu   sync.RWMutex
	subs map[Topic][]chan Message
}

func New() *Bus {
	return &Bus{subs: make(map[Topic][]chan Message)}
}

// Publish delivers msg to every subscriber of topic without blocking. A full
// subscriber buffer drops the message for that subscriber only. The read lock
// is held across the sends so Close cannot close a channel mid-fan-out; the
// sends never block, so the lock is held only briefly.
func (b *Bus) Publish(topic Topic, msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[topic] {
		select {
		case ch <- msg:
		default:
			metrics.IncBusDropped(string(topic), "slow_consumer")
			count := dropCount.Add(1)
			if count%dropLogEvery == 0 {
				xglog.WithComponent("bus").Warn().
					Str("topic", string(topic)).
					Uint64("dropped", count).
					Msg("outbound bus dropping on slow consumer")
			}
		}
	}
}

// Subscription is one consumer's view of a set of topics.
type Subscription struct {
	b      *Bus
	topics []Topic
	ch     chan Message

	once sync.Once
}

// C yields messages. The channel closes on Close.
func (s *Subscription) C() <-chan Message { return s.ch }

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.mu.Lock()
		for _, topic := range s.topics {
			lst := s.b.subs[topic]
			out := lst[:0]
			for _, c := range lst {
				if c != s.ch {
					out = append(out, c)
				}
			}
			if len(out) == 0 {
				delete(s.b.subs, topic)
			} else {
				s.b.subs[topic] = out
			}
		}
		// Closing under the write lock: no Publish holds the read lock
		// here, so nothing can send on the channel after it closes.
		close(s.ch)
		s.b.mu.Unlock()
	})
}

// Subscribe attaches a buffered consumer to the given topics. With no topics
// it subscribes to every known topic.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	if len(topics) == 0 {
		topics = []Topic{TopicStateChanged, TopicBlacklisted, TopicSchedulerTick, TopicNotification}
	}
	ch := make(chan Message, subscriberBuffer)

	b.mu.Lock()
	for _, topic := range topics {
		b.subs[topic] = append(b.subs[topic], ch)
	}
	b.mu.Unlock()

	return &Subscription{b: b, topics: topics, ch: ch}
}
