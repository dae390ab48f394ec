package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plantpulse-systems/plantpulse-ingest/internal/alerts"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/broadcast"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/config"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/features"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/handlers"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/inference"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/logging"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/pipeline"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/registry"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/server"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/storage"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With("service", "ingest")
	logging.SetDefault(logger)

	logger.Info("Starting ingest service",
		"port", cfg.Server.Port,
		"broker", cfg.MQTT.BrokerURL,
		"log_level", cfg.Logging.Level)
	if *configPath != "" {
		logger.Info("Loaded configuration", "config_path", *configPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Feature manifest: file-backed when configured, otherwise the built-in
	// dense layout.
	manifest := features.DefaultManifest()
	if cfg.Features.ManifestPath != "" {
		manifest, err = features.LoadManifest(cfg.Features.ManifestPath)
		if err != nil {
			log.Fatalf("Failed to load feature manifest: %v", err)
		}
		logger.Info("Loaded feature manifest",
			"path", cfg.Features.ManifestPath,
			"version", manifest.Version,
			"width", manifest.Width())
	}
	extractor := features.NewExtractor(manifest, cfg.Features.WindowSize)

	// Document store. Startup failure is fatal: the pipeline must never run
	// without a place to land raw telemetry.
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Mongo.ConnectTimeout)
	store, err := storage.Connect(connectCtx, storage.Config{
		URI:                  cfg.Mongo.URI,
		Database:             cfg.Mongo.Database,
		RawCollection:        cfg.Mongo.RawCollection,
		PredictionCollection: cfg.Mongo.PredictionCollection,
		RawRetention:         cfg.Mongo.RawRetention,
		PredictionRetention:  cfg.Mongo.PredictionRetention,
		ConnectTimeout:       cfg.Mongo.ConnectTimeout,
	}, logger)
	cancel()
	if err != nil {
		log.Fatalf("Failed to connect to document store: %v", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Error("store close failed", "error", err)
		}
	}()

	// Sensor registry. Optional: without it, messages carry only the sensor
	// code parsed from the topic.
	var resolver *registry.Cache
	if cfg.Registry.Enabled {
		pool, err := pgxpool.New(ctx, cfg.Registry.PostgresDSN)
		if err != nil {
			log.Fatalf("Failed to create registry pool: %v", err)
		}
		defer pool.Close()

		resolver = registry.New(pool, cfg.Registry.RefreshInterval, logger)
		go resolver.Run(ctx)
		logger.Info("Sensor registry enabled", "refresh_interval", cfg.Registry.RefreshInterval)
	} else {
		resolver = registry.Static(nil, nil, logger)
		logger.Info("Sensor registry disabled, resolving context from topics only")
	}

	inferClient := inference.NewClient(cfg.Inference.BaseURL, cfg.Inference.APIKey, cfg.Inference.Timeout)

	hub := broadcast.NewHub(cfg.Broadcast.Buffer, logger)

	// Fault alert publishing over NATS. Optional; a broken connection at
	// startup is fatal only when explicitly enabled.
	var faults pipeline.FaultPublisher
	if cfg.Alerts.Enabled {
		pub, err := alerts.Connect(cfg.Alerts.NATSURL, "plantpulse-ingest", logger)
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer pub.Close()
		faults = pub
		logger.Info("Fault alert publishing enabled", "nats_url", cfg.Alerts.NATSURL)
	} else {
		logger.Info("Fault alert publishing disabled")
	}

	proc := pipeline.New(resolver, extractor, inferClient, store, hub, faults, pipeline.Options{
		LaneCapacity:   cfg.Pipeline.LaneCapacity,
		LaneCount:      cfg.Pipeline.LaneCount,
		TopK:           cfg.Inference.TopK,
		AlertThreshold: cfg.Alerts.Threshold,
	}, logger)

	subscriber := transport.NewSubscriber(transport.Options{
		BrokerURL: cfg.MQTT.BrokerURL,
		ClientID:  cfg.MQTT.ClientID,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
		Topics:    cfg.MQTT.Topics,
		QoS:       byte(cfg.MQTT.QoS),
		KeepAlive: cfg.MQTT.KeepAlive,
	}, proc, logger)
	if err := subscriber.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect to MQTT broker: %v", err)
	}

	stream := broadcast.NewStreamHandler(hub, cfg.Server.JWTSecret, logger)
	handler := handlers.NewIngestHandler(proc, hub, stream, subscriber, store, resolver, logger)
	router := server.NewRouter(handler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	// Stop the inbound flow first, then drain queued work, then close the
	// outward surfaces.
	subscriber.Close()
	proc.Shutdown(cfg.Pipeline.ShutdownGrace)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("Service stopped")
}
