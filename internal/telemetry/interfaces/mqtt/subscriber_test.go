package mqtt

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/sirupsen/logrus"

	telemetry "energy-telemetry/internal/telemetry/domain"
)

type fakeClient struct {
	mu          sync.Mutex
	handlers    []func(paho.PublishReceived) (bool, error)
	subscribed  chan *paho.Subscribe
	connectErr  error
	disconnects int
}

func newFakeClient() *fakeClient {
	return &fakeClient{subscribed: make(chan *paho.Subscribe, 4)}
}

func (c *fakeClient) Connect(context.Context, *paho.Connect) (*paho.Connack, error) {
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	return &paho.Connack{}, nil
}

func (c *fakeClient) Subscribe(_ context.Context, packet *paho.Subscribe) (*paho.Suback, error) {
	c.subscribed <- packet
	return &paho.Suback{}, nil
}

func (c *fakeClient) AddOnPublishReceived(f func(paho.PublishReceived) (bool, error)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, f)
	return func() {}
}

func (c *fakeClient) Disconnect(*paho.Disconnect) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	return nil
}

func (c *fakeClient) publish(topic string, payload []byte) {
	c.mu.Lock()
	handlers := append([]func(paho.PublishReceived) (bool, error){}, c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		_, _ = h(paho.PublishReceived{Packet: &paho.Publish{Topic: topic, Payload: payload}})
	}
}

type ingestRecorder struct {
	mu      sync.Mutex
	got     []telemetry.Reading
	sources []string
}

func (r *ingestRecorder) Ingest(_ context.Context, reading telemetry.Reading, source string) (telemetry.Reading, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, reading)
	r.sources = append(r.sources, source)
	return reading, nil
}

func (r *ingestRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestSubscriber_IngestsMessages(t *testing.T) {
	client := newFakeClient()
	recorder := &ingestRecorder{}
	cfg := Config{Topic: "energy-monitoring/energy/data", ClientID: "test", QoS: 1}
	sub, err := NewSubscriber(cfg, recorder, func(context.Context, chan<- error) (Client, error) {
		return client, nil
	}, quietLogger())
	if err != nil {
		t.Fatalf("new subscriber: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	select {
	case packet := <-client.subscribed:
		if len(packet.Subscriptions) != 1 || packet.Subscriptions[0].Topic != cfg.Topic || packet.Subscriptions[0].QoS != 1 {
			t.Fatalf("unexpected subscription %+v", packet.Subscriptions)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber never subscribed")
	}

	client.publish(cfg.Topic, []byte(`{"device_id":"device_001","timestamp":1714557600,"voltage":"230.1"}`))
	client.publish(cfg.Topic, []byte(`not json`))
	client.publish("other/topic", []byte(`{"device_id":"device_002","timestamp":1714557600}`))

	if recorder.count() != 1 {
		t.Fatalf("expected 1 ingested reading, got %d", recorder.count())
	}
	if recorder.got[0].DeviceID != "device_001" || recorder.sources[0] != "mqtt" {
		t.Fatalf("unexpected ingest %+v from %v", recorder.got[0], recorder.sources)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
	if client.disconnects != 1 {
		t.Fatalf("expected one disconnect, got %d", client.disconnects)
	}
}

func TestSubscriber_ReconnectsAfterFailure(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	good := newFakeClient()
	dial := func(_ context.Context, errs chan<- error) (Client, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return nil, errors.New("connection refused")
		}
		return good, nil
	}
	sub, err := NewSubscriber(Config{Topic: "t"}, &ingestRecorder{}, dial, quietLogger())
	if err != nil {
		t.Fatalf("new subscriber: %v", err)
	}
	sub.minBackoff = time.Millisecond
	sub.maxBackoff = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sub.Run(ctx) }()

	select {
	case <-good.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber did not reconnect")
	}
	mu.Lock()
	defer mu.Unlock()
	if dials != 2 {
		t.Fatalf("expected 2 dials, got %d", dials)
	}
}

func TestNewSubscriber_Validation(t *testing.T) {
	if _, err := NewSubscriber(Config{Topic: "t"}, nil, nil, nil); err == nil {
		t.Fatalf("expected error for nil ingester")
	}
	if _, err := NewSubscriber(Config{}, &ingestRecorder{}, nil, nil); err == nil {
		t.Fatalf("expected error for empty topic")
	}
	if _, err := NewSubscriber(Config{Topic: "t", QoS: 3}, &ingestRecorder{}, nil, nil); err == nil {
		t.Fatalf("expected error for qos 3")
	}
	if _, err := NewSubscriber(Config{Topic: "t"}, &ingestRecorder{}, nil, nil); err == nil {
		t.Fatalf("expected error for missing broker url")
	}
}

func TestBrokerAddr(t *testing.T) {
	cases := map[string]string{
		"tcp://localhost:1883":  "localhost:1883",
		"mqtt://broker.example": "broker.example:1883",
	}
	for raw, want := range cases {
		got, err := brokerAddr(raw)
		if err != nil || got != want {
			t.Fatalf("brokerAddr(%q) = %q, %v; want %q", raw, got, err, want)
		}
	}
	if _, err := brokerAddr("ws://x"); err == nil {
		t.Fatalf("expected error for ws scheme")
	}
}
