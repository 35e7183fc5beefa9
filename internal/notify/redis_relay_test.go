package notify

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRedisRelay_Handle(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(tourMember("user-1", "org-1", "tour-1"))

	local := NewRedisRelay(nil, hub, "")
	remote := NewRedisRelay(nil, NewHub(), "")

	n := Notification{
		ID:        "n1",
		Type:      TypeIncident,
		Severity:  SeverityHigh,
		Message:   "road closed",
		Timestamp: time.Date(2025, 6, 1, 9, 30, 0, 123000000, time.UTC),
		Data:      map[string]any{"incident_id": "inc-1", "geo": map[string]any{"hash": "u09tvw0"}},
	}

	// Messages from this instance are ignored.
	own, err := local.encode(n, TourScope("org-1", "tour-1"))
	if err != nil {
		t.Fatal(err)
	}
	if local.handle(context.Background(), string(own)) {
		t.Error("expected own message to be skipped")
	}
	assertEmpty(t, sub)

	// Messages from another instance are delivered locally.
	foreign, err := remote.encode(n, TourScope("org-1", "tour-1"))
	if err != nil {
		t.Fatal(err)
	}
	if !local.handle(context.Background(), string(foreign)) {
		t.Fatal("expected foreign message to be delivered")
	}
	got := receive(t, sub)
	if got.ID != "n1" || got.Message != "road closed" {
		t.Errorf("delivered %+v", got)
	}
	if !got.Timestamp.Equal(n.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, n.Timestamp)
	}
	if got.Data["incident_id"] != "inc-1" {
		t.Errorf("Data = %v", got.Data)
	}
	if nested, ok := got.Data["geo"].(map[string]any); !ok || nested["hash"] != "u09tvw0" {
		t.Errorf("nested data = %#v, want a string-keyed map", got.Data["geo"])
	}

	if local.handle(context.Background(), "{not cbor") {
		t.Error("expected malformed payload to be rejected")
	}
}

func TestRedisRelay_DefaultChannel(t *testing.T) {
	r := NewRedisRelay(nil, NewHub(), "")
	if r.channel != DefaultRelayChannel {
		t.Errorf("channel = %q, want %q", r.channel, DefaultRelayChannel)
	}
	if r.Name() != "redis-relay" {
		t.Errorf("Name() = %q", r.Name())
	}
}

// TestRedisRelay_CrossInstance requires a Redis instance on localhost:6379.
func TestRedisRelay_CrossInstance(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping integration test")
	}
	defer client.Close()

	channel := "toursync:test:" + strconv.FormatInt(time.Now().UnixNano(), 10)

	hubA := NewHub()
	relayA := NewRedisRelay(client, hubA, channel)
	hubA.AddSink(relayA)

	hubB := NewHub()
	relayB := NewRedisRelay(client, hubB, channel)
	subB := hubB.Subscribe(tourMember("user-1", "org-1", "tour-1"))

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go func() { _ = relayB.Run(runCtx) }()

	// Wait for the subscriber to be attached.
	deadline := time.Now().Add(2 * time.Second)
	for {
		counts, err := client.PubSubNumSub(context.Background(), channel).Result()
		if err == nil && counts[channel] > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("relay did not subscribe in time")
		}
		time.Sleep(20 * time.Millisecond)
	}

	hubA.Publish(context.Background(), Notification{Type: TypeSOS, Severity: SeverityCritical, Title: "SOS"}, TourScope("org-1", "tour-1"))

	select {
	case n := <-subB.Events():
		if n.Type != TypeSOS {
			t.Errorf("got type %s, want SOS", n.Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("notification was not relayed")
	}
}
