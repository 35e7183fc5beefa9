package notify

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRelayChannel is the Redis pub/sub channel shared by all API instances.
const DefaultRelayChannel = "toursync:notifications"

// RedisRelay extends fan-out across API instances. Each instance forwards its
// local publishes to a Redis channel and delivers notifications published by
// other instances to its own subscribers. Delivery stays best-effort: there is
// no replay for instances that were not listening.
type RedisRelay struct {
	client     *redis.Client
	hub        *Hub
	channel    string
	instanceID string
}

// NewRedisRelay creates a relay for hub. Call hub.AddSink(relay) and run Run.
func NewRedisRelay(client *redis.Client, hub *Hub, channel string) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisRelay{
		client:     client,
		hub:        hub,
		channel:    channel,
		instanceID: uuid.New().String(),
	}
}

// relayEnvelope travels as CBOR. Notification and Scope fields reuse their json tags.
type relayEnvelope struct {
	Origin       string       `cbor:"origin"`
	Notification Notification `cbor:"notification"`
	Scope        Scope        `cbor:"scope"`
}

var (
	relayEncMode = mustEncMode(cbor.EncOptions{Time: cbor.TimeRFC3339Nano})
	relayDecMode = mustDecMode(cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))})
)

func mustEncMode(opts cbor.EncOptions) cbor.EncMode {
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

func mustDecMode(opts cbor.DecOptions) cbor.DecMode {
	dm, err := opts.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}

// Name implements Sink.
func (r *RedisRelay) Name() string { return "redis-relay" }

// Forward implements Sink by publishing to the shared channel.
func (r *RedisRelay) Forward(ctx context.Context, n Notification, scope Scope) error {
	data, err := r.encode(n, scope)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

func (r *RedisRelay) encode(n Notification, scope Scope) ([]byte, error) {
	data, err := relayEncMode.Marshal(relayEnvelope{Origin: r.instanceID, Notification: n, Scope: scope})
	if err != nil {
		return nil, fmt.Errorf("marshal relay envelope: %w", err)
	}
	return data, nil
}

// handle delivers one relayed payload locally unless this instance sent it.
// It reports whether the payload was delivered.
func (r *RedisRelay) handle(ctx context.Context, payload string) bool {
	var env relayEnvelope
	if err := relayDecMode.Unmarshal([]byte(payload), &env); err != nil {
		slog.WarnContext(ctx, "discarding malformed relay message", "error", err)
		return false
	}
	if env.Origin == r.instanceID {
		return false
	}
	r.hub.Deliver(ctx, env.Notification, env.Scope)
	return true
}

// Run subscribes to the channel and delivers remote notifications until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", r.channel, err)
	}
	slog.InfoContext(ctx, "notification relay listening", "channel", r.channel, "instance_id", r.instanceID)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, msg.Payload)
		}
	}
}
