package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueSize is the per-subscription queue capacity. A subscriber that
// falls this far behind is treated as gone.
const DefaultQueueSize = 64

// Hub teardown reasons.
var (
	// ErrPublishTargetGone marks a subscription removed because it could not keep
	// up or its transport failed. It is recovered internally and never returned
	// to publishers.
	ErrPublishTargetGone = errors.New("publish target gone")

	// ErrHubClosed marks subscriptions torn down by Close.
	ErrHubClosed = errors.New("notification hub closed")
)

// Sink receives every notification published through the hub after local
// fan-out, e.g. to mirror it to an external broker. Errors are logged only.
type Sink interface {
	Name() string
	Forward(ctx context.Context, n Notification, scope Scope) error
}

// Hub fans notifications out to live subscriptions.
//
// The registry lock is held only to mutate or snapshot the subscription set,
// never while a notification is handed to a subscriber, so a slow client
// cannot stall publish for the others.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]*Subscription
	sinks     []Sink
	closed    bool
	queueSize int
	metrics   *Metrics
	now       func() time.Time
}

// Option configures a Hub.
type Option func(*Hub)

// WithQueueSize sets the per-subscription queue capacity.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithSinks registers sinks at construction time.
func WithSinks(sinks ...Sink) Option {
	return func(h *Hub) { h.sinks = append(h.sinks, sinks...) }
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:      make(map[string]*Subscription),
		queueSize: DefaultQueueSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AddSink registers a sink after construction. Used by sinks that need the hub
// themselves, such as the Redis relay.
func (h *Hub) AddSink(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, s)
}

// Subscribe registers a subscription for identity and returns immediately.
// Only notifications published after this call are delivered.
// On a closed hub the returned subscription is already torn down.
func (h *Hub) Subscribe(identity Identity) *Subscription {
	sub := newSubscription(uuid.New().String(), identity, h.queueSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.terminate(ErrHubClosed)
		return sub
	}
	h.subs[sub.id] = sub
	count := len(h.subs)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.setActive(count)
	}
	slog.Debug("notification subscription opened",
		"subscription_id", sub.id,
		"user_id", identity.UserID,
		"organization_id", identity.OrganizationID,
	)
	return sub
}

// Unsubscribe releases a subscription. It is idempotent.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.remove(sub, nil, "")
}

// Drop removes a subscription whose transport failed. The reason is recorded
// as ErrPublishTargetGone wrapped around cause.
func (h *Hub) Drop(sub *Subscription, cause error) {
	if cause == nil {
		cause = ErrPublishTargetGone
	} else if !errors.Is(cause, ErrPublishTargetGone) {
		cause = errors.Join(ErrPublishTargetGone, cause)
	}
	h.remove(sub, cause, "transport_error")
}

func (h *Hub) remove(sub *Subscription, reason error, label string) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	_, present := h.subs[sub.id]
	delete(h.subs, sub.id)
	count := len(h.subs)
	h.mu.Unlock()

	if !sub.terminate(reason) || !present {
		return
	}

	if h.metrics != nil {
		h.metrics.setActive(count)
		if label != "" {
			h.metrics.incDropped(label)
		}
	}
	if reason != nil {
		slog.Warn("notification subscription dropped",
			"subscription_id", sub.id,
			"user_id", sub.identity.UserID,
			"reason", reason.Error(),
		)
	}
}

// Publish delivers n to every live subscription matching scope, then forwards
// it to the registered sinks. Missing ID and Timestamp are filled in.
// It returns the number of subscriptions the notification was queued for.
func (h *Hub) Publish(ctx context.Context, n Notification, scope Scope) int {
	n = h.stamp(n)
	delivered := h.Deliver(ctx, n, scope)

	h.mu.RLock()
	sinks := append([]Sink(nil), h.sinks...)
	h.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Forward(ctx, n, scope); err != nil {
			slog.WarnContext(ctx, "notification sink forward failed",
				"sink", s.Name(),
				"notification_id", n.ID,
				"error", err,
			)
		}
	}
	return delivered
}

// Deliver performs local fan-out only, without forwarding to sinks. Relays
// call it for notifications that originated on another instance.
func (h *Hub) Deliver(ctx context.Context, n Notification, scope Scope) int {
	n = h.stamp(n)

	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		if scope.Matches(sub.identity) {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	if h.metrics != nil {
		h.metrics.incPublished(n.Type)
	}

	delivered := 0
	for _, sub := range targets {
		if sub.closed() {
			continue
		}
		if !sub.enqueue(n) {
			h.remove(sub, ErrPublishTargetGone, "overflow")
			continue
		}
		delivered++
	}

	if h.metrics != nil {
		h.metrics.addDelivered(delivered)
	}
	slog.DebugContext(ctx, "notification published",
		"notification_id", n.ID,
		"type", string(n.Type),
		"severity", string(n.Severity),
		"tour_id", scope.TourID,
		"organization_id", scope.OrganizationID,
		"delivered", delivered,
	)
	return delivered
}

func (h *Hub) stamp(n Notification) Notification {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = h.now().UTC()
	}
	return n
}

// Close tears down every subscription. Later Subscribe calls return closed
// subscriptions and Publish delivers to nobody.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.terminate(ErrHubClosed)
	}
	if h.metrics != nil {
		h.metrics.setActive(0)
	}
	slog.Info("notification hub closed", "subscriptions", len(subs))
}

// ActiveCount returns the number of live subscriptions.
func (h *Hub) ActiveCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// SubscriberCount returns the number of live subscriptions a publish to scope would reach.
func (h *Hub) SubscriberCount(scope Scope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, sub := range h.subs {
		if scope.Matches(sub.identity) {
			count++
		}
	}
	return count
}
