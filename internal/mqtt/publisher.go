// Package mqtt publishes compass samples to an MQTT broker.
package mqtt

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const publishTimeout = 2 * time.Second

// client is the subset of paho.Client the publisher uses.
type client interface {
	Connect() paho.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

type Publisher struct {
	topic  string
	client client
}

var newClient = func(broker, clientID string) client {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)
	return paho.NewClient(opts)
}

// NewPublisher connects to broker and returns a publisher for topic.
func NewPublisher(broker, topic, clientID string) (*Publisher, error) {
	if broker == "" {
		return nil, fmt.Errorf("mqtt: broker is empty")
	}
	if topic == "" {
		return nil, fmt.Errorf("mqtt: topic is empty")
	}
	c := newClient(broker, clientID)
	if tok := c.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", broker, tok.Error())
	}
	return &Publisher{topic: topic, client: c}, nil
}

func (p *Publisher) String() string { return "mqtt:" + p.topic }

// Send publishes payload at QoS 0, not retained.
func (p *Publisher) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	tok := p.client.Publish(p.topic, 0, false, payload)
	if !tok.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: publish %s: timed out", p.topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", p.topic, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	p.client.Disconnect(250)
	p.client = nil
	return nil
}
