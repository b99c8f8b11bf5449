package events

import (
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTClient is the subset of the paho client the publisher uses.
// This allows us to mock MQTT calls in tests
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// DefaultMQTTClient wraps the paho MQTT client
type DefaultMQTTClient struct {
	client mqtt.Client
}

func (d *DefaultMQTTClient) Connect() mqtt.Token {
	return d.client.Connect()
}

func (d *DefaultMQTTClient) Disconnect(quiesce uint) {
	d.client.Disconnect(quiesce)
}

func (d *DefaultMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return d.client.Publish(topic, qos, retained, payload)
}

func (d *DefaultMQTTClient) IsConnected() bool {
	return d.client.IsConnected()
}
