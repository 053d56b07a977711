package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/fleetwatch/fleetwatch/internal/events"
)

// MQTT publishes events as JSON messages to a broker topic.
type MQTT struct {
	broker   string
	topic    string
	clientID string
	qos      byte
}

// NewMQTT creates an MQTT notifier.
func NewMQTT(broker, topic string) *MQTT {
	return &MQTT{
		broker:   broker,
		topic:    topic,
		clientID: "fleetwatch",
		qos:      0,
	}
}

// Name returns the provider name for logging.
func (m *MQTT) Name() string { return "mqtt" }

type mqttPayload struct {
	Type      string `json:"type"`
	MachineID string `json:"machine_id,omitempty"`
	NodeID    string `json:"node_id,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Send connects, publishes the event, and disconnects. Connections are
// per-send: fleet state transitions are rare enough that a held session
// is not worth its reconnect handling.
func (m *MQTT) Send(_ context.Context, evt events.Event) error {
	opts := mqtt.NewClientOptions().
		SetClientID(m.clientID).
		AddBroker(m.broker).
		SetConnectTimeout(10 * time.Second).
		SetWriteTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect timeout")
	}
	if tok.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", tok.Error())
	}
	defer client.Disconnect(250)

	body, err := json.Marshal(mqttPayload{
		Type:      string(evt.Type),
		MachineID: evt.MachineID,
		NodeID:    evt.NodeID,
		Message:   evt.Message,
		Timestamp: evt.Timestamp.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal mqtt payload: %w", err)
	}

	pub := client.Publish(m.topic, m.qos, false, body)
	if !pub.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt publish timeout")
	}
	return pub.Error()
}
