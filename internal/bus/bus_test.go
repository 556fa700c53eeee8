package bus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/bus"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

func event(id int64) *models.Event {
	return &models.Event{ID: id, Type: models.EventNodeHeartbeat}
}

func TestDeliveryInOrder(t *testing.T) {
	b := bus.New(16, nil)
	defer b.Stop()

	sub := b.Subscribe()
	defer sub.Close()

	for i := int64(1); i <= 5; i++ {
		b.Publish(context.Background(), event(i))
	}

	for i := int64(1); i <= 5; i++ {
		select {
		case e := <-sub.Events():
			assert.Equal(t, i, e.ID)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestSlowSubscriberMarkedLagging(t *testing.T) {
	b := bus.New(2, nil)
	defer b.Stop()

	sub := b.Subscribe()
	defer sub.Close()

	for i := int64(1); i <= 5; i++ {
		b.Publish(context.Background(), event(i))
	}

	require.True(t, sub.Lagging())

	// Oldest events were dropped; the newest survive in order.
	var got []int64
	for len(got) < 2 {
		select {
		case e := <-sub.Events():
			got = append(got, e.ID)
		case <-time.After(time.Second):
			t.Fatal("timed out draining")
		}
	}
	assert.Less(t, got[0], got[1])
	assert.Equal(t, int64(5), got[1])

	sub.ClearLagging()
	assert.False(t, sub.Lagging())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := bus.New(4, nil)
	defer b.Stop()

	sub := b.Subscribe()
	sub.Close()

	_, open := <-sub.Events()
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	b.Publish(context.Background(), event(1))
}

func TestStopClosesAllSubscribers(t *testing.T) {
	b := bus.New(4, nil)

	first := b.Subscribe()
	second := b.Subscribe()
	b.Stop()

	_, open := <-first.Events()
	assert.False(t, open)
	_, open = <-second.Events()
	assert.False(t, open)

	// Subscribing after stop yields a closed subscription.
	late := b.Subscribe()
	_, open = <-late.Events()
	assert.False(t, open)
}
