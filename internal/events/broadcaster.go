package events

import (
	"context"
	"sync"
)

type subscriber[T any] struct {
	ch   chan T
	done chan struct{}
	// mu is held for reading by blocking senders; close takes it exclusively
	// after done so ch is never closed under a sender.
	mu sync.RWMutex
}

func (s *subscriber[T]) close() {
	close(s.done)
	s.mu.Lock()
	close(s.ch)
	s.mu.Unlock()
}

// send blocks until v is buffered, the subscriber leaves or ctx is done.
func (s *subscriber[T]) send(ctx context.Context, v T) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	select {
	case <-s.done:
		return nil
	default:
	}
	select {
	case s.ch <- v:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcaster fans out values to all subscribers via buffered channels.
type Broadcaster[T any] struct {
	mu     sync.RWMutex
	subs   map[chan T]*subscriber[T]
	buffer int
	closed bool
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewBroadcaster[T any](buffer int) *Broadcaster[T] {
	if buffer < 1 {
		buffer = 64
	}
	return &Broadcaster[T]{
		subs:   make(map[chan T]*subscriber[T]),
		buffer: buffer,
	}
}

// Publish sends v to all subscribers, dropping it for readers that are behind.
// It returns the number of subscribers that received the value.
func (b *Broadcaster[T]) Publish(v T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for ch := range b.subs {
		select {
		case ch <- v:
			delivered++
		default:
			// drop slow consumer
		}
	}
	return delivered
}

// PublishSync delivers v to every subscriber, waiting for buffer space until
// ctx is done. Subscribers that leave meanwhile are skipped. The subscriber
// set is snapshotted, so a stalled reader does not block Subscribe or
// Unsubscribe.
func (b *Broadcaster[T]) PublishSync(ctx context.Context, v T) error {
	b.mu.RLock()
	subs := make([]*subscriber[T], 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if err := s.send(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe returns a channel that receives values until Unsubscribe or Close is called.
func (b *Broadcaster[T]) Subscribe() chan T {
	ch := make(chan T, b.buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = &subscriber[T]{ch: ch, done: make(chan struct{})}
	return ch
}

// Unsubscribe removes the channel and closes it.
func (b *Broadcaster[T]) Unsubscribe(ch chan T) {
	b.mu.Lock()
	s, ok := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()

	if ok {
		s.close()
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes everyone. Later subscriptions get a closed channel.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[chan T]*subscriber[T])
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}
