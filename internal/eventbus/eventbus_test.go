package eventbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftchat/rift/internal/snowflake"
)

func TestListenAndPublish(t *testing.T) {
	bus := New()

	var got []Event
	sub, err := bus.Listen(1, func(evt Event) { got = append(got, evt) })
	require.NoError(t, err)
	defer sub.Cancel()

	bus.Publish(Event{Type: "PRESENCE_UPDATE", Subject: 1, Data: "a"})
	bus.Publish(Event{Type: "PRESENCE_UPDATE", Subject: 2, Data: "b"})

	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Data)
}

func TestListen_NilHandler(t *testing.T) {
	bus := New()
	_, err := bus.Listen(1, nil)
	assert.Error(t, err)
}

func TestCancel_StopsDelivery(t *testing.T) {
	bus := New()

	count := 0
	sub, err := bus.Listen(1, func(Event) { count++ })
	require.NoError(t, err)

	bus.Publish(Event{Subject: 1})
	sub.Cancel()
	bus.Publish(Event{Subject: 1})

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, bus.SubscriberCount(1))
}

func TestCancel_Idempotent(t *testing.T) {
	bus := New()

	sub1, err := bus.Listen(1, func(Event) {})
	require.NoError(t, err)
	sub2, err := bus.Listen(1, func(Event) {})
	require.NoError(t, err)

	sub1.Cancel()
	sub1.Cancel()

	// Double-cancel must not disturb the sibling subscription.
	assert.Equal(t, 1, bus.SubscriberCount(1))
	sub2.Cancel()
	assert.Equal(t, 0, bus.SubscriberCount(1))
}

func TestPublish_MultipleSubscribers(t *testing.T) {
	bus := New()

	a, b := 0, 0
	subA, err := bus.Listen(1, func(Event) { a++ })
	require.NoError(t, err)
	defer subA.Cancel()
	subB, err := bus.Listen(1, func(Event) { b++ })
	require.NoError(t, err)
	defer subB.Cancel()

	bus.Publish(Event{Subject: 1})
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}

func TestConcurrentPublishAndCancel(t *testing.T) {
	bus := New()

	var mu sync.Mutex
	seen := 0
	subs := make([]*Subscription, 0, 50)
	for i := 0; i < 50; i++ {
		sub, err := bus.Listen(snowflake.ID(i%5), func(Event) {
			mu.Lock()
			seen++
			mu.Unlock()
		})
		require.NoError(t, err)
		subs = append(subs, sub)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(Event{Subject: snowflake.ID(j % 5)})
			}
		}(i)
	}
	for _, sub := range subs {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			s.Cancel()
		}(sub)
	}
	wg.Wait()

	for i := 0; i < 5; i++ {
		assert.Equal(t, 0, bus.SubscriberCount(snowflake.ID(i)))
	}
}
