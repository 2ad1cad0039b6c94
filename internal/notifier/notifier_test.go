package notifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDeliversToSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(Notification{Type: RevisionUpdate, Revision: 42})

	select {
	case n := <-sub:
		assert.Equal(t, RevisionUpdate, n.Type)
		assert.EqualValues(t, 42, n.Revision)
		assert.False(t, n.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestBrokerBroadcastsToMultipleSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	subA := b.Subscribe()
	subB := b.Subscribe()
	defer b.Unsubscribe(subA)
	defer b.Unsubscribe(subB)

	require.Equal(t, 2, b.SubscriberCount())

	b.Publish(Notification{Type: FlushCompletion, ID: "flush-1"})

	for _, sub := range []Subscriber{subA, subB} {
		select {
		case n := <-sub:
			assert.Equal(t, FlushCompletion, n.Type)
			assert.Equal(t, "flush-1", n.ID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for notification")
		}
	}
}

func TestUnsubscribeStopsDeliveryAndClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestPublishDoesNotBlockWhenSubscriberBufferFull(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for i := 0; i < 100; i++ {
		b.Publish(Notification{Type: Progress, Progress: i, Total: 100})
	}

	// Draining should eventually produce at least one Progress notification;
	// the broker is allowed to drop some once the subscriber buffer is full.
	select {
	case n := <-sub:
		assert.Equal(t, Progress, n.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestTypeStringCoversAllValues(t *testing.T) {
	cases := map[Type]string{
		Status:          "Status",
		Warning:         "Warning",
		Progress:        "Progress",
		FlushCompletion: "FlushCompletion",
		RevisionUpdate:  "RevisionUpdate",
		Type(99):        "Unknown",
	}
	for typ, want := range cases {
		assert.Equal(t, want, typ.String())
	}
}
