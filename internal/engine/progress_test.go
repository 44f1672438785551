package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDeliversToAllSubscribers(t *testing.T) {
	hub := newProgressHub(4)

	ch1, cancel1 := hub.Subscribe("job-1")
	ch2, cancel2 := hub.Subscribe("job-1")
	defer cancel1()
	defer cancel2()

	hub.Publish(Progress{JobID: "job-1", State: StateMatching})

	ev1 := <-ch1
	ev2 := <-ch2
	assert.Equal(t, StateMatching, ev1.State)
	assert.Equal(t, StateMatching, ev2.State)
	assert.NotEmpty(t, ev1.EventID)
	assert.False(t, ev1.EmittedAt.IsZero())
}

func TestHubScopesEventsByJob(t *testing.T) {
	hub := newProgressHub(4)

	ch, cancel := hub.Subscribe("job-1")
	defer cancel()

	hub.Publish(Progress{JobID: "job-2", State: StateMatching})
	assert.Empty(t, ch)
}

func TestHubDropsWhenSubscriberBufferIsFull(t *testing.T) {
	hub := newProgressHub(1)

	ch, cancel := hub.Subscribe("job-1")
	defer cancel()

	// Second publish must not block even though nothing drains the
	// subscriber; the event is dropped instead.
	hub.Publish(Progress{JobID: "job-1", State: StateNormalizing})
	hub.Publish(Progress{JobID: "job-1", State: StateMatching})

	ev := <-ch
	assert.Equal(t, StateNormalizing, ev.State)
	assert.Empty(t, ch)
}

func TestHubCloseEndsSubscribers(t *testing.T) {
	hub := newProgressHub(4)

	ch, cancel := hub.Subscribe("job-1")

	hub.Publish(Progress{JobID: "job-1", State: StateCompleted})
	hub.Close("job-1")

	ev, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, StateCompleted, ev.State)

	_, ok = <-ch
	assert.False(t, ok)

	// Detaching after close is a no-op, not a double close.
	cancel()
}

func TestHubCancelDetachesSingleSubscriber(t *testing.T) {
	hub := newProgressHub(4)

	ch1, cancel1 := hub.Subscribe("job-1")
	ch2, cancel2 := hub.Subscribe("job-1")
	defer cancel2()

	cancel1()
	hub.Publish(Progress{JobID: "job-1", State: StateMatching})

	_, ok := <-ch1
	assert.False(t, ok)
	assert.Len(t, ch2, 1)
}

func TestRunStateIsTerminal(t *testing.T) {
	assert.True(t, StateCompleted.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
	assert.True(t, StateCancelled.IsTerminal())
	assert.False(t, StatePending.IsTerminal())
	assert.False(t, StateMatching.IsTerminal())
}
