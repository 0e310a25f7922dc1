package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"energy-telemetry/internal/aggregation/application"
	agghttp "energy-telemetry/internal/aggregation/interfaces/http"
	apihttp "energy-telemetry/internal/api/http"
	"energy-telemetry/internal/bootstrap"
	"energy-telemetry/internal/config"
	"energy-telemetry/internal/logging"
	"energy-telemetry/internal/observability/metrics"
	telhttp "energy-telemetry/internal/telemetry/interfaces/http"
	telmqtt "energy-telemetry/internal/telemetry/interfaces/mqtt"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults to CONFIG_PATH)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Default().WithError(err).Fatal("config error")
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		logging.Default().WithError(err).Fatal("logging config error")
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Fatal("AUTH_JWT_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := bootstrap.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("store error")
	}
	defer stores.Close()

	metrics.Init(stores.DB, logger)

	services, err := bootstrap.NewServices(stores, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("service wiring error")
	}

	routes, err := buildRoutes(stores, services, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("handler wiring error")
	}
	handler := apihttp.NewRouter(routes, apihttp.Security{
		JWTSecret:     []byte(cfg.Auth.JWTSecret),
		IngestSecret:  []byte(cfg.Ingest.HMACSecret),
		IngestMaxSkew: cfg.Ingest.MaxSkew,
	}, logger)

	if cfg.Aggregation.ScheduleEnabled {
		scheduler, err := application.NewScheduler(services.Pass, cfg.Aggregation.Interval, cfg.Aggregation.Offset, cfg.Aggregation.Lookback, logger)
		if err != nil {
			logger.WithError(err).Fatal("scheduler error")
		}
		go scheduler.Start(ctx)
	}

	if cfg.MQTT.Enabled {
		subscriber, err := telmqtt.NewSubscriber(telmqtt.Config{
			BrokerURL: cfg.MQTT.BrokerURL,
			Topic:     cfg.MQTT.Topic,
			ClientID:  cfg.MQTT.ClientID,
			QoS:       byte(cfg.MQTT.QoS),
		}, services.Ingest, nil, logger)
		if err != nil {
			logger.WithError(err).Fatal("mqtt subscriber error")
		}
		go func() { _ = subscriber.Run(ctx) }()
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.WithField("addr", cfg.HTTP.Addr).Info("http listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Fatal("http server error")
	}
	logger.Info("shutdown complete")
}

func buildRoutes(stores *bootstrap.Stores, services *bootstrap.Services, cfg config.Config, logger logrus.FieldLogger) (apihttp.Routes, error) {
	ingest, err := telhttp.NewIngestHandler(services.Ingest, logger)
	if err != nil {
		return apihttp.Routes{}, err
	}
	readings, err := telhttp.NewReadingsHandler(stores.Readings, logger)
	if err != nil {
		return apihttp.Routes{}, err
	}
	aggregates, err := agghttp.NewAggregatesHandler(stores.Aggregates, logger)
	if err != nil {
		return apihttp.Routes{}, err
	}
	export, err := agghttp.NewExportHandler(stores.Aggregates, logger)
	if err != nil {
		return apihttp.Routes{}, err
	}
	run, err := agghttp.NewRunHandler(services.Pass, cfg.Aggregation.Lookback, logger)
	if err != nil {
		return apihttp.Routes{}, err
	}

	routes := apihttp.Routes{
		Ingest:     ingest,
		Readings:   readings,
		Aggregates: aggregates,
		Export:     export,
		RunPass:    run,
	}
	if stores.DB != nil {
		routes.Health = stores.DB
	}
	return routes, nil
}
