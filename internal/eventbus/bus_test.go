package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	jobs, unsubJobs := b.SubscribeTypes(4, "job.")
	defer unsubJobs()

	b.Publish(Event{Type: TickCompleted})
	b.Publish(Event{Type: JobFailed, Data: "boom"})

	require.Len(t, a, 2)
	e := <-a
	assert.Equal(t, TickCompleted, e.Type)
	assert.False(t, e.Time.IsZero())

	require.Len(t, jobs, 1)
	assert.Equal(t, JobFailed, (<-jobs).Type)
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: TickCompleted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.EqualValues(t, 9, b.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: TickCompleted})
}
