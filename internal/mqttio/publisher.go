// Package mqttio publishes actuation commands straight to device command
// topics over MQTT, the transport the zone devices natively speak.
package mqttio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"nrgchamp/zonetune/internal/engine"
)

const publishTimeout = 5 * time.Second

// Publisher implements engine.CommandSink over MQTT.
type Publisher struct {
	client      mqtt.Client
	topicPrefix string // command topic is <prefix><zoneId>/actuate
	lg          *slog.Logger
}

// New connects to the broker and returns a ready publisher.
func New(brokerURL, clientID, topicPrefix string, lg *slog.Logger) (*Publisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", brokerURL, token.Error())
	}
	return &Publisher{
		client:      client,
		topicPrefix: topicPrefix,
		lg:          lg.With(slog.String("component", "mqttio")),
	}, nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}

// PublishCommand sends one actuation command to the zone's device topic.
func (p *Publisher) PublishCommand(ctx context.Context, cmd engine.Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	topic := fmt.Sprintf("%s%s/actuate", p.topicPrefix, cmd.ZoneID)

	token := p.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, token.Error())
	}
	return nil
}
