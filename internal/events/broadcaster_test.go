package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/ecocore/internal/domain"
)

func TestBroadcaster(t *testing.T) {
	t.Run("fan out", func(t *testing.T) {
		b := NewBroadcaster[int](4)
		a, c := b.Subscribe(), b.Subscribe()

		assert.Equal(t, 2, b.Publish(7))
		assert.Equal(t, 7, <-a)
		assert.Equal(t, 7, <-c)
	})

	t.Run("slow consumer is skipped", func(t *testing.T) {
		b := NewBroadcaster[int](1)
		ch := b.Subscribe()
		assert.Equal(t, 1, b.Publish(1))
		assert.Equal(t, 0, b.Publish(2))
		assert.Equal(t, 1, <-ch)
	})

	t.Run("sync publish waits then honours ctx", func(t *testing.T) {
		b := NewBroadcaster[int](1)
		ch := b.Subscribe()
		require.NoError(t, b.PublishSync(context.Background(), 1))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, b.PublishSync(ctx, 2), context.DeadlineExceeded)
		assert.Equal(t, 1, <-ch)
	})

	t.Run("stalled reader does not block others", func(t *testing.T) {
		b := NewBroadcaster[int](1)
		stalled, other := b.Subscribe(), b.Subscribe()
		require.Equal(t, 2, b.Publish(1))
		<-other

		done := make(chan error, 1)
		go func() { done <- b.PublishSync(context.Background(), 2) }()

		unsubscribed := make(chan struct{})
		go func() {
			b.Unsubscribe(other)
			close(unsubscribed)
		}()
		select {
		case <-unsubscribed:
		case <-time.After(time.Second):
			t.Fatal("unsubscribe blocked behind a stalled reader")
		}
		late := b.Subscribe()
		assert.Equal(t, 2, b.Subscribers())

		// leaving releases the pending sync publish
		b.Unsubscribe(stalled)
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("sync publish still blocked after the reader left")
		}
		b.Unsubscribe(late)
	})

	t.Run("unsubscribe closes", func(t *testing.T) {
		b := NewBroadcaster[int](1)
		ch := b.Subscribe()
		b.Unsubscribe(ch)
		b.Unsubscribe(ch)
		_, ok := <-ch
		assert.False(t, ok)
		assert.Zero(t, b.Subscribers())
	})

	t.Run("close", func(t *testing.T) {
		b := NewBroadcaster[int](1)
		ch := b.Subscribe()
		b.Close()
		_, ok := <-ch
		assert.False(t, ok)

		late := b.Subscribe()
		_, ok = <-late
		assert.False(t, ok)
		assert.Zero(t, b.Publish(1))
	})
}

func TestBus(t *testing.T) {
	bus := NewBus(8)
	phases := bus.Phases.Subscribe()
	bus.Phases.Publish(PhaseChanged{From: domain.PhaseStable, To: domain.PhaseSaturated, Impact: 2})

	ev := <-phases
	assert.Equal(t, domain.PhaseSaturated, ev.To)

	bus.Close()
	_, ok := <-phases
	assert.False(t, ok)
}
