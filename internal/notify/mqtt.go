package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// DefaultMQTTTopicPrefix is the topic root used when none is configured.
const DefaultMQTTTopicPrefix = "toursync"

// mqttPublishTimeout bounds how long Forward waits for the broker ack.
const mqttPublishTimeout = 5 * time.Second

// ErrMQTTTimeout is returned when the broker does not acknowledge a publish in time.
var ErrMQTTTimeout = errors.New("mqtt publish timed out")

// MQTTPublisher is the subset of mqtt.Client used by MQTTBridge.
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTBridge mirrors safety notifications to an MQTT broker so that external
// responders (dispatch consoles, radios) see SOS and incident alerts without
// holding an HTTP stream open.
//
// Topic layout: <prefix>/<organization>/<tour>/<type>, with "_" for empty segments.
type MQTTBridge struct {
	client MQTTPublisher
	prefix string
	types  map[Type]bool
}

// NewMQTTBridge creates a bridge publishing the given types. With no types it
// mirrors SOS, HEALTH and INCIDENT.
func NewMQTTBridge(client MQTTPublisher, prefix string, types ...Type) *MQTTBridge {
	if prefix == "" {
		prefix = DefaultMQTTTopicPrefix
	}
	if len(types) == 0 {
		types = []Type{TypeSOS, TypeHealth, TypeIncident}
	}
	allowed := make(map[Type]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	return &MQTTBridge{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		types:  allowed,
	}
}

// ConnectMQTT dials the broker and returns a connected client.
func ConnectMQTT(brokerURL, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect to mqtt broker %s: timed out", brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", brokerURL, err)
	}
	return client, nil
}

// Name implements Sink.
func (b *MQTTBridge) Name() string { return "mqtt" }

// Topic returns the topic a notification is published on.
func (b *MQTTBridge) Topic(n Notification, scope Scope) string {
	seg := func(s string) string {
		if s == "" {
			return "_"
		}
		// MQTT wildcards and separators are not allowed inside a segment.
		return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
	}
	return strings.Join([]string{
		b.prefix,
		seg(scope.OrganizationID),
		seg(scope.TourID),
		strings.ToLower(string(n.Type)),
	}, "/")
}

type mqttEnvelope struct {
	Notification Notification `json:"notification"`
	Scope        Scope        `json:"scope"`
}

// Forward implements Sink. Types outside the bridge's set are skipped.
func (b *MQTTBridge) Forward(ctx context.Context, n Notification, scope Scope) error {
	if !b.types[n.Type] {
		return nil
	}

	payload, err := json.Marshal(mqttEnvelope{Notification: n, Scope: scope})
	if err != nil {
		return fmt.Errorf("marshal mqtt payload: %w", err)
	}

	// QoS 1: responders must see every SOS at least once.
	token := b.client.Publish(b.Topic(n, scope), 1, false, payload)

	timeout := mqttPublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if !token.WaitTimeout(timeout) {
		return ErrMQTTTimeout
	}
	return token.Error()
}
