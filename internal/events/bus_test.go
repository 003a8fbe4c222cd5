package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(TopicModels)
	defer cancel()

	b.Publish(Event{Topic: TopicModels, Kind: "updated", ID: "m1"})
	b.Publish(Event{Topic: TopicSessions, Kind: "created", ID: "s1"})

	select {
	case ev := <-ch:
		assert.Equal(t, "m1", ev.ID)
	default:
		t.Fatal("expected an event")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event from another topic: %+v", ev)
	default:
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(TopicDownloads)
	defer cancel()

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(Event{Topic: TopicDownloads})
	}
	assert.Len(t, ch, defaultBufferSize)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(TopicContext)
	cancel()
	cancel()

	_, ok := <-ch
	require.False(t, ok)

	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Topic: TopicContext})
}
