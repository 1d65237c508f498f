package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTPublisher wraps a Paho MQTT client.
type MQTTPublisher struct {
	client      mqtt.Client
	qos         byte
	onlineTopic string
}

// MQTTOptions configures the MQTT publisher.
type MQTTOptions struct {
	Broker   string
	ClientID string
	QoS      byte
	// OnlineTopic receives a retained "true" on connect and "false" as the
	// last will.
	OnlineTopic string
}

// NewMQTTPublisher creates and connects an MQTT publisher.
func NewMQTTPublisher(opts MQTTOptions, logger *slog.Logger) (*MQTTPublisher, error) {
	logger = logger.With("subsystem", "mqtt", "broker", opts.Broker)

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(60 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "error", err)
		})

	if opts.OnlineTopic != "" {
		clientOpts.SetWill(opts.OnlineTopic, "false", opts.QoS, true)
		clientOpts.SetOnConnectHandler(func(c mqtt.Client) {
			logger.Info("mqtt connected")
			c.Publish(opts.OnlineTopic, opts.QoS, true, "true")
		})
	}

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		client.Disconnect(0)
		return nil, fmt.Errorf("connecting to MQTT broker %s: timed out", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", opts.Broker, err)
	}

	return &MQTTPublisher{
		client:      client,
		qos:         opts.QoS,
		onlineTopic: opts.OnlineTopic,
	}, nil
}

// Publish sends payload and waits for the broker to acknowledge it or for
// ctx to end.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	token := p.client.Publish(topic, p.qos, retained, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the phone offline and disconnects.
func (p *MQTTPublisher) Close() error {
	if p.onlineTopic != "" && p.client.IsConnectionOpen() {
		p.client.Publish(p.onlineTopic, p.qos, true, "false").WaitTimeout(time.Second)
	}
	p.client.Disconnect(1000)
	return nil
}
