// Package feed provides a small single-producer broadcast primitive for
// pipeline snapshots. Each subscriber owns a buffered channel; when a
// subscriber falls behind, the oldest buffered value is dropped in favour
// of the newest. That policy is safe here because every published value
// fully supersedes the previous one; snapshots are never diffed.
package feed

import "sync"

// DefaultBufferDepth is the per-subscriber channel depth used when a
// non-positive depth is requested.
const DefaultBufferDepth = 8

// Feed broadcasts values of type T to any number of subscribers.
type Feed[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	depth  int
	closed bool
}

// Subscription is one consumer's view of a Feed.
type Subscription[T any] struct {
	ch   chan T
	feed *Feed[T]
	once sync.Once
}

// New creates a Feed with the given per-subscriber buffer depth.
func New[T any](depth int) *Feed[T] {
	if depth <= 0 {
		depth = DefaultBufferDepth
	}
	return &Feed[T]{
		subs:  make(map[*Subscription[T]]struct{}),
		depth: depth,
	}
}

// Subscribe registers a new consumer. Subscribing to a closed feed returns
// a subscription whose channel is already closed.
func (f *Feed[T]) Subscribe() *Subscription[T] {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub := &Subscription[T]{ch: make(chan T, f.depth), feed: f}
	if f.closed {
		close(sub.ch)
		return sub
	}
	f.subs[sub] = struct{}{}
	return sub
}

// C returns the receive channel for the subscription. The channel is
// closed when the subscription is cancelled or the feed is closed.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Cancel removes the subscription from its feed and closes the channel.
// Safe to call more than once.
func (s *Subscription[T]) Cancel() {
	s.once.Do(func() {
		s.feed.mu.Lock()
		defer s.feed.mu.Unlock()
		if _, ok := s.feed.subs[s]; ok {
			delete(s.feed.subs, s)
			close(s.ch)
		}
	})
}

// Publish delivers v to every subscriber without blocking the producer.
// A subscriber whose buffer is full loses its oldest value.
func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	for sub := range f.subs {
		select {
		case sub.ch <- v:
		default:
			// Buffer full: evict the oldest entry, then deliver. The
			// second send cannot block because only the producer writes
			// and we hold the feed lock.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- v:
			default:
			}
		}
	}
}

// Close shuts the feed down and closes every subscriber channel.
// Publish becomes a no-op afterwards.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for sub := range f.subs {
		delete(f.subs, sub)
		close(sub.ch)
	}
}
