package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"energy-telemetry/internal/auth"
	"energy-telemetry/internal/logging"
	telemetry "energy-telemetry/internal/telemetry/domain"
	telmqtt "energy-telemetry/internal/telemetry/interfaces/mqtt"
)

type simConfig struct {
	device   string
	interval time.Duration
	count    int
	mode     string
	broker   string
	topic    string
	qos      int
	url      string
	secret   string
}

type sender interface {
	Send(ctx context.Context, reading telemetry.Reading) error
}

func main() {
	cfg := parseConfig()
	logger := logging.Component(logging.Default(), "device_simulator").WithField("device_id", cfg.device)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, closeFn, err := newSender(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("simulator setup error")
	}
	defer closeFn()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	if err := run(ctx, cfg, rng, out, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("simulator stopped")
	}
}

func parseConfig() simConfig {
	cfg := simConfig{}
	flag.StringVar(&cfg.device, "device", envOrDefault("DEVICE_ID", "device_001"), "device id")
	flag.DurationVar(&cfg.interval, "interval", 5*time.Second, "publish interval")
	flag.IntVar(&cfg.count, "count", 0, "number of readings to send (0 = until interrupted)")
	flag.StringVar(&cfg.mode, "mode", "mqtt", "transport: mqtt or http")
	flag.StringVar(&cfg.broker, "broker", envOrDefault("MQTT_BROKER_URL", "tcp://localhost:1883"), "MQTT broker url")
	flag.StringVar(&cfg.topic, "topic", envOrDefault("MQTT_TOPIC", "energy-monitoring/energy/data"), "MQTT topic")
	flag.IntVar(&cfg.qos, "qos", 1, "MQTT QoS")
	flag.StringVar(&cfg.url, "url", envOrDefault("INGEST_URL", "http://localhost:8080/ingest/readings"), "HTTP ingest url")
	flag.StringVar(&cfg.secret, "secret", envOrDefault("INGEST_HMAC_SECRET", ""), "HMAC secret for HTTP ingest")
	flag.Parse()
	return cfg
}

func newSender(ctx context.Context, cfg simConfig) (sender, func(), error) {
	switch cfg.mode {
	case "mqtt":
		pub, err := telmqtt.Connect(ctx, cfg.broker, "simulator-"+cfg.device, cfg.topic, byte(cfg.qos))
		if err != nil {
			return nil, nil, err
		}
		return mqttSender{pub: pub}, func() { _ = pub.Close() }, nil
	case "http":
		if cfg.secret == "" {
			return nil, nil, errors.New("secret is required for http mode")
		}
		return &httpSender{url: cfg.url, secret: []byte(cfg.secret), client: &http.Client{Timeout: 10 * time.Second}}, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown mode %q", cfg.mode)
	}
}

func run(ctx context.Context, cfg simConfig, rng *rand.Rand, out sender, logger logrus.FieldLogger) error {
	ticker := time.NewTicker(cfg.interval)
	defer ticker.Stop()
	for sent := 0; cfg.count == 0 || sent < cfg.count; sent++ {
		reading := newReading(rng, cfg.device, time.Now())
		if err := out.Send(ctx, reading); err != nil {
			logger.WithError(err).Warn("send failed")
		} else {
			logger.WithField("energy_consumption", reading.EnergyConsumption).Info("reading sent")
		}
		if cfg.count != 0 && sent+1 >= cfg.count {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// newReading draws values in the ranges real meters report.
func newReading(rng *rand.Rand, deviceID string, now time.Time) telemetry.Reading {
	between := func(lo, hi float64) float64 { return lo + rng.Float64()*(hi-lo) }
	return telemetry.Reading{
		DeviceID:          deviceID,
		Timestamp:         now.Unix(),
		EnergyConsumption: telemetry.Value(strconv.FormatFloat(between(0, 5), 'f', 2, 64)),
		Voltage:           telemetry.NumberValue(between(220, 225)),
		Current:           telemetry.NumberValue(between(10, 13)),
		PowerFactor:       telemetry.NumberValue(between(0.8, 1.0)),
		Temperature:       telemetry.NumberValue(between(35, 40)),
	}
}

type mqttSender struct {
	pub *telmqtt.Publisher
}

func (s mqttSender) Send(ctx context.Context, reading telemetry.Reading) error {
	return s.pub.Publish(ctx, reading)
}

type httpSender struct {
	url    string
	secret []byte
	client *http.Client
	now    func() time.Time
}

func (s *httpSender) Send(ctx context.Context, reading telemetry.Reading) error {
	body, err := json.Marshal(reading)
	if err != nil {
		return err
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	timestamp := strconv.FormatInt(now().Unix(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderIngestTimestamp, timestamp)
	req.Header.Set(auth.HeaderIngestSignature, auth.SignIngest(s.secret, timestamp, body))

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ingest returned %s", resp.Status)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
