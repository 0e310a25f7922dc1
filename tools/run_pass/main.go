package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"energy-telemetry/internal/bootstrap"
	"energy-telemetry/internal/config"
	"energy-telemetry/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults to CONFIG_PATH)")
	nowFlag := flag.String("now", "", "window end (RFC3339); defaults to the current time")
	lookback := flag.Duration("lookback", 0, "window length; defaults to aggregation.lookback")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Default().WithError(err).Fatal("config error")
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		logging.Default().WithError(err).Fatal("logging config error")
	}

	now := time.Now()
	if *nowFlag != "" {
		now, err = time.Parse(time.RFC3339, *nowFlag)
		if err != nil {
			logger.WithError(err).Fatal("now must be RFC3339")
		}
	}
	if *lookback == 0 {
		*lookback = cfg.Aggregation.Lookback
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := bootstrap.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("store error")
	}
	defer stores.Close()

	services, err := bootstrap.NewServices(stores, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("service wiring error")
	}

	result, err := services.Pass.RunPass(ctx, now, *lookback)
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(result)
	if err != nil {
		logger.WithError(err).Error("pass failed")
		stores.Close()
		os.Exit(1)
	}
	if result.Failed() {
		logger.WithField("devices_failed", len(result.DevicesFailed)).Error("pass completed with device failures")
		stores.Close()
		os.Exit(1)
	}
}
