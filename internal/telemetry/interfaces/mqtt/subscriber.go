package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eclipse/paho.golang/paho"
	"github.com/sirupsen/logrus"

	"energy-telemetry/internal/logging"
	"energy-telemetry/internal/observability/metrics"
	telemetry "energy-telemetry/internal/telemetry/domain"
)

const keepAliveSeconds = 30

// Client is the subset of the paho client the subscriber drives.
type Client interface {
	Connect(ctx context.Context, packet *paho.Connect) (*paho.Connack, error)
	Subscribe(ctx context.Context, packet *paho.Subscribe) (*paho.Suback, error)
	AddOnPublishReceived(f func(paho.PublishReceived) (bool, error)) func()
	Disconnect(packet *paho.Disconnect) error
}

// Dialer opens a client session. errs receives fatal connection errors.
type Dialer func(ctx context.Context, errs chan<- error) (Client, error)

// Ingester stores one reading.
type Ingester interface {
	Ingest(ctx context.Context, reading telemetry.Reading, source string) (telemetry.Reading, error)
}

// Config describes the broker subscription.
type Config struct {
	BrokerURL string
	Topic     string
	ClientID  string
	QoS       byte
}

// Subscriber consumes readings published by devices and hands them to the ingest service.
type Subscriber struct {
	cfg      Config
	dial     Dialer
	ingester Ingester
	logger   logrus.FieldLogger

	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewSubscriber constructs a subscriber. A nil dialer connects over TCP to cfg.BrokerURL.
func NewSubscriber(cfg Config, ingester Ingester, dial Dialer, logger logrus.FieldLogger) (*Subscriber, error) {
	if ingester == nil {
		return nil, errors.New("mqtt subscriber: nil ingester")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqtt subscriber: topic is required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt subscriber: invalid qos %d", cfg.QoS)
	}
	if logger == nil {
		logger = logging.Default()
	}
	if dial == nil {
		if cfg.BrokerURL == "" {
			return nil, errors.New("mqtt subscriber: broker url is required")
		}
		dial = TCPDialer(cfg.BrokerURL, cfg.ClientID)
	}
	return &Subscriber{
		cfg:        cfg,
		dial:       dial,
		ingester:   ingester,
		logger:     logging.Component(logger, "mqtt_subscriber"),
		minBackoff: time.Second,
		maxBackoff: time.Minute,
	}, nil
}

// Run keeps a session open until ctx is cancelled, reconnecting with backoff.
func (s *Subscriber) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.minBackoff
	policy.MaxInterval = s.maxBackoff
	policy.MaxElapsedTime = 0

	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			policy.Reset()
		}
		wait := policy.NextBackOff()
		s.logger.WithError(err).WithField("retry_in", wait.String()).Warn("mqtt session ended")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// session runs one connection. It reports whether the subscription was established.
func (s *Subscriber) session(ctx context.Context) (bool, error) {
	errs := make(chan error, 1)
	client, err := s.dial(ctx, errs)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	var once sync.Once
	disconnect := func() {
		once.Do(func() { _ = client.Disconnect(&paho.Disconnect{ReasonCode: 0}) })
	}
	defer disconnect()

	remove := client.AddOnPublishReceived(func(pr paho.PublishReceived) (bool, error) {
		if pr.Packet == nil || pr.Packet.Topic != s.cfg.Topic {
			return false, nil
		}
		s.handleMessage(ctx, pr.Packet.Payload)
		return true, nil
	})
	defer remove()

	connack, err := client.Connect(ctx, &paho.Connect{
		ClientID:   s.cfg.ClientID,
		KeepAlive:  keepAliveSeconds,
		CleanStart: true,
	})
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	if connack != nil && connack.ReasonCode >= 0x80 {
		return false, fmt.Errorf("connect: reason code %d", connack.ReasonCode)
	}

	if _, err := client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: s.cfg.Topic, QoS: s.cfg.QoS}},
	}); err != nil {
		return false, fmt.Errorf("subscribe %s: %w", s.cfg.Topic, err)
	}
	s.logger.WithFields(logrus.Fields{"topic": s.cfg.Topic, "qos": s.cfg.QoS}).Info("mqtt subscribed")

	select {
	case <-ctx.Done():
		return true, nil
	case err := <-errs:
		return true, err
	}
}

func (s *Subscriber) handleMessage(ctx context.Context, payload []byte) {
	var reading telemetry.Reading
	if err := json.Unmarshal(payload, &reading); err != nil {
		metrics.IncIngestError("decode")
		s.logger.WithError(err).Warn("discard malformed message")
		return
	}
	if _, err := s.ingester.Ingest(ctx, reading, metrics.SourceMQTT); err != nil {
		s.logger.WithError(err).WithField("device_id", reading.DeviceID).Warn("ingest message failed")
	}
}

// TCPDialer connects to a tcp:// or mqtt:// broker url.
func TCPDialer(brokerURL, clientID string) Dialer {
	return func(ctx context.Context, errs chan<- error) (Client, error) {
		addr, err := brokerAddr(brokerURL)
		if err != nil {
			return nil, err
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("open tcp connection %s: %w", addr, err)
		}
		notify := func(err error) {
			select {
			case errs <- err:
			default:
			}
		}
		return paho.NewClient(paho.ClientConfig{
			Conn:          conn,
			ClientID:      clientID,
			OnClientError: notify,
			OnServerDisconnect: func(d *paho.Disconnect) {
				notify(fmt.Errorf("server disconnect: reason code %d", d.ReasonCode))
			},
		}), nil
	}
}

func brokerAddr(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse broker url: %w", err)
	}
	switch parsed.Scheme {
	case "tcp", "mqtt":
	default:
		return "", fmt.Errorf("unsupported broker scheme %q", parsed.Scheme)
	}
	if parsed.Port() == "" {
		return net.JoinHostPort(parsed.Hostname(), "1883"), nil
	}
	return parsed.Host, nil
}
