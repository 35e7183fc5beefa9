package notify

import (
	"sync"
	"time"
)

// Subscription is one live delivery channel. It owns a bounded FIFO queue of
// undelivered notifications and is drained by exactly one reader (the
// transport handler), which keeps per-subscriber delivery in publish order.
type Subscription struct {
	id        string
	identity  Identity
	createdAt time.Time

	queue chan Notification
	done  chan struct{}
	once  sync.Once

	mu     sync.Mutex
	reason error
}

func newSubscription(id string, identity Identity, queueSize int) *Subscription {
	return &Subscription{
		id:        id,
		identity:  identity,
		createdAt: time.Now(),
		queue:     make(chan Notification, queueSize),
		done:      make(chan struct{}),
	}
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Identity returns the identity the subscription was opened for.
func (s *Subscription) Identity() Identity { return s.identity }

// Events returns the queue of pending notifications. The channel is never
// closed; select on Done to detect teardown.
func (s *Subscription) Events() <-chan Notification { return s.queue }

// Done is closed when the subscription is torn down.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns why the subscription was torn down: nil for a normal
// unsubscribe, ErrPublishTargetGone for overflow or transport failure,
// ErrHubClosed on shutdown. It returns nil while the subscription is live.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// closed reports whether teardown has happened.
func (s *Subscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// terminate closes done once and records the first reason.
// It reports whether this call performed the teardown.
func (s *Subscription) terminate(reason error) bool {
	first := false
	s.once.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
		first = true
	})
	return first
}

// enqueue offers n without blocking. It returns false when the queue is full.
func (s *Subscription) enqueue(n Notification) bool {
	select {
	case s.queue <- n:
		return true
	default:
		return false
	}
}
