// SPDX-License-Identifier: MIT

package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanOut(t *testing.T) {
	b := New()
	a := b.Subscribe(TopicStateChanged)
	c := b.Subscribe(TopicStateChanged, TopicBlacklisted)
	defer a.Close()
	defer c.Close()

	b.Publish(TopicStateChanged, Message{Type: "item.state_changed", ItemID: 7, To: "Indexed"})
	b.Publish(TopicBlacklisted, Message{Type: "stream.blacklisted", ItemID: 7, Reason: "not_cached"})

	msg := <-a.C()
	assert.Equal(t, int64(7), msg.ItemID)
	assert.Equal(t, "Indexed", msg.To)

	first := <-c.C()
	second := <-c.C()
	assert.Equal(t, "item.state_changed", first.Type)
	assert.Equal(t, "stream.blacklisted", second.Type)

	select {
	case extra := <-a.C():
		t.Fatalf("subscriber received off-topic message %+v", extra)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSlowConsumerDoesNotBlockPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicStateChanged)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		// Nobody drains: overflow past the buffer must drop, not block.
		for i := 0; i < subscriberBuffer*2; i++ {
			b.Publish(TopicStateChanged, Message{ItemID: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow consumer")
	}

	// The buffered prefix is still delivered in order.
	first := <-sub.C()
	assert.Equal(t, int64(0), first.ItemID)
}

func TestCloseIsIdempotentAndClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe()

	sub.Close()
	sub.Close()

	_, open := <-sub.C()
	require.False(t, open)

	// Publishing after close must not panic or deliver.
	b.Publish(TopicNotification, Message{Type: "item.completed"})
}

// Subscribers come and go while the dispatcher publishes; a close must never
// land between a publisher's snapshot and its send.
func TestPublishConcurrentWithClose(t *testing.T) {
	b := New()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				b.Publish(TopicStateChanged, Message{Type: "item.state_changed", ItemID: 1})
			}
		}
	}()

	for i := 0; i < 5000; i++ {
		sub := b.Subscribe(TopicStateChanged)
		sub.Close()
	}

	close(stop)
	wg.Wait()
}
