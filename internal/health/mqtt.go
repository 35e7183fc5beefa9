package health

import (
	"context"
	"errors"
)

// ErrMQTTDisconnected is returned while the broker connection is down.
var ErrMQTTDisconnected = errors.New("mqtt broker connection is not open")

// ConnectionChecker is satisfied by paho's mqtt.Client.
type ConnectionChecker interface {
	IsConnectionOpen() bool
}

// MQTTChecker reports the state of the paho client's broker connection.
// The client reconnects on its own, so this never dials.
type MQTTChecker struct {
	client ConnectionChecker
}

// NewMQTTChecker creates a checker for an MQTT client.
func NewMQTTChecker(client ConnectionChecker) *MQTTChecker {
	return &MQTTChecker{client: client}
}

// HealthCheck fails while the connection is not open.
func (m *MQTTChecker) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.client.IsConnectionOpen() {
		return ErrMQTTDisconnected
	}
	return nil
}
