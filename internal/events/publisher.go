// Package events publishes turn settlements to interested subscribers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/clawinfra/bingrelay/internal/upstream"
)

const turnsTopic = "%s/turns/%s" // prefix, turn id

// TurnEvent is the payload published when a turn settles.
type TurnEvent struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Done           bool   `json:"done"`
	Error          string `json:"error,omitempty"`
	Text           string `json:"text"`
	SettledAt      int64  `json:"settled_at"`
}

// Nop discards events.
type Nop struct{}

func (Nop) TurnSettled(context.Context, upstream.Answer) {}

// MQTTPublisher publishes a TurnEvent per settled turn with QoS 1.
type MQTTPublisher struct {
	broker      string
	port        int
	clientID    string
	username    string
	password    string
	topicPrefix string
	logger      *slog.Logger
	client      MQTTClient
	// Factory function for creating MQTT client
	clientFactory func(opts *mqtt.ClientOptions) MQTTClient
}

// NewMQTTPublisher creates a publisher; call Start before publishing.
func NewMQTTPublisher(broker string, port int, username, password, topicPrefix string, logger *slog.Logger) *MQTTPublisher {
	return NewMQTTPublisherWithClient(broker, port, username, password, topicPrefix, logger,
		func(opts *mqtt.ClientOptions) MQTTClient {
			return &DefaultMQTTClient{client: mqtt.NewClient(opts)}
		})
}

// NewMQTTPublisherWithClient creates a publisher with a custom client factory (for testing)
func NewMQTTPublisherWithClient(broker string, port int, username, password, topicPrefix string, logger *slog.Logger, clientFactory func(*mqtt.ClientOptions) MQTTClient) *MQTTPublisher {
	return &MQTTPublisher{
		broker:        broker,
		port:          port,
		clientID:      "bingrelay-" + uuid.NewString()[:8],
		username:      username,
		password:      password,
		topicPrefix:   topicPrefix,
		logger:        logger.With("component", "events"),
		clientFactory: clientFactory,
	}
}

func (p *MQTTPublisher) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", p.broker, p.port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(p.clientID)

	if p.username != "" {
		opts.SetUsername(p.username)
		opts.SetPassword(p.password)
	}

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		p.logger.Warn("mqtt connection lost", "error", err)
	})

	p.client = p.clientFactory(opts)

	p.logger.Info("connecting to mqtt broker", "broker", brokerURL)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt: %w", err)
	}

	p.logger.Info("mqtt publisher started", "topic", fmt.Sprintf(turnsTopic, p.topicPrefix, "+"))
	return nil
}

func (p *MQTTPublisher) Stop() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

// TurnSettled publishes a. Failures are logged and otherwise ignored; a
// subscriber outage must never affect a turn.
func (p *MQTTPublisher) TurnSettled(ctx context.Context, a upstream.Answer) {
	if err := p.publish(a); err != nil {
		p.logger.Warn("failed to publish turn event", "id", a.ID, "error", err)
	}
}

func (p *MQTTPublisher) publish(a upstream.Answer) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(TurnEvent{
		ID:             a.ID,
		ConversationID: a.ConversationID,
		Done:           a.Done,
		Error:          a.Error,
		Text:           a.Text,
		SettledAt:      time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	token := p.client.Publish(fmt.Sprintf(turnsTopic, p.topicPrefix, a.ID), 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}
