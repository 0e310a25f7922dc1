package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/eclipse/paho.golang/paho"

	telemetry "energy-telemetry/internal/telemetry/domain"
)

type publishClient interface {
	Publish(ctx context.Context, packet *paho.Publish) (*paho.PublishResponse, error)
	Disconnect(packet *paho.Disconnect) error
}

// Publisher sends readings to the broker the way a device does.
type Publisher struct {
	client publishClient
	topic  string
	qos    byte
}

// Connect opens a session to brokerURL for publishing to topic.
func Connect(ctx context.Context, brokerURL, clientID, topic string, qos byte) (*Publisher, error) {
	addr, err := brokerAddr(brokerURL)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("open tcp connection %s: %w", addr, err)
	}
	client := paho.NewClient(paho.ClientConfig{Conn: conn, ClientID: clientID})
	connack, err := client.Connect(ctx, &paho.Connect{ClientID: clientID, KeepAlive: keepAliveSeconds, CleanStart: true})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	if connack.ReasonCode >= 0x80 {
		_ = conn.Close()
		return nil, fmt.Errorf("connect: reason code %d", connack.ReasonCode)
	}
	return &Publisher{client: client, topic: topic, qos: qos}, nil
}

// Publish sends one reading as JSON.
func (p *Publisher) Publish(ctx context.Context, reading telemetry.Reading) error {
	payload, err := json.Marshal(reading)
	if err != nil {
		return err
	}
	if _, err := p.client.Publish(ctx, &paho.Publish{Topic: p.topic, QoS: p.qos, Payload: payload}); err != nil {
		return fmt.Errorf("publish %s: %w", p.topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() error {
	return p.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
}
