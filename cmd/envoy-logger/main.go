package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chrisv1180/envoy-logger/internal/buffer"
	"github.com/chrisv1180/envoy-logger/internal/collector"
	"github.com/chrisv1180/envoy-logger/internal/config"
	"github.com/chrisv1180/envoy-logger/internal/enphase"
	"github.com/chrisv1180/envoy-logger/internal/envoy"
	"github.com/chrisv1180/envoy-logger/internal/health"
	"github.com/chrisv1180/envoy-logger/internal/influx"
	"github.com/chrisv1180/envoy-logger/internal/lib/logger/sl"
	"github.com/chrisv1180/envoy-logger/internal/mqtt"
	"github.com/chrisv1180/envoy-logger/internal/sampling"
)

// envoy.url value that enables mDNS discovery.
const discoverURL = "auto"

func main() {
	configPath := flag.String("config", "", "path to config file (default $"+config.PathEnv+" or "+config.DefaultPath+")")
	dryRun := flag.Bool("dry-run", false, "log points instead of writing them")
	flag.Parse()

	path := *configPath
	if flag.NArg() > 0 {
		path = flag.Arg(0)
	}
	cfg := config.MustLoad(config.ResolvePath(path))

	log := sl.SetupLogger(cfg.Log.Level, cfg.Log.Format)

	log.Info("starting envoy logger",
		slog.String("serial", cfg.Envoy.Serial.String()),
		slog.String("influxdb", cfg.InfluxDB.URL),
		slog.Bool("dry_run", *dryRun),
	)

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
	}()

	gatewayURL := cfg.Envoy.URL
	if gatewayURL == discoverURL {
		var err error
		gatewayURL, err = envoy.Discover(ctx, 5*time.Second)
		if err != nil {
			log.Error("failed to discover gateway", sl.Err(err))
			os.Exit(1)
		}
		log.Info("discovered gateway", slog.String("url", gatewayURL))
	}

	tokens := enphase.NewTokenSource(log,
		cfg.Enphase.Email,
		cfg.Enphase.Password,
		cfg.Envoy.Serial.String(),
		cfg.TokenCacheDir(),
		enphase.WithEnlightenBase(cfg.Enphase.EnlightenURL),
	)
	gateway := envoy.NewClient(log, gatewayURL, cfg.Envoy.Timeout)

	influxClient := influx.NewClient(log, &cfg.InfluxDB)
	defer influxClient.Close()

	// Use LogWriter for dry-run mode. Rollup queries still read from InfluxDB.
	var writer collector.LineWriter = influxClient
	if *dryRun {
		writer = influx.NewLogWriter(log)
		log.Info("dry-run mode: points will be logged instead of written")
	}

	var buf buffer.Buffer
	if cfg.Buffer.Enabled && !*dryRun {
		var err error
		buf, err = buffer.NewSQLiteBuffer(log, cfg.Buffer.Path)
		if err != nil {
			log.Error("failed to create buffer", sl.Err(err))
			os.Exit(1)
		}
		log.Info("buffer enabled", slog.String("path", cfg.Buffer.Path))
	}

	var publisher sampling.Publisher
	if cfg.MQTT.Broker != "" && !*dryRun {
		pub := mqtt.NewPublisher(log, &cfg.MQTT)
		if err := pub.Connect(ctx); err != nil {
			log.Warn("mqtt broker not reachable yet", sl.Err(err))
		}
		defer pub.Close()
		publisher = pub
	}

	status := &sampling.Status{}

	healthServer := health.NewServer(log, cfg.Health.Address)
	healthServer.AddChecker(health.NewInfluxHealthChecker(influxClient.Health))
	healthServer.AddChecker(health.NewSamplerHealthChecker(status.Last, cfg.Sampling.Interval))
	if buf != nil {
		healthServer.AddChecker(health.NewBufferHealthChecker(buf.Count))
	}
	healthServer.SetReadyCheck(func() bool { return !status.Last().IsZero() })

	if err := healthServer.Start(); err != nil {
		log.Error("failed to start health server", sl.Err(err))
		os.Exit(1)
	}

	manager := collector.NewManager(log, cfg, tokens, gateway, writer, influxClient, buf, publisher, status)

	manager.Start(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	manager.Stop()

	if err := healthServer.Stop(shutdownCtx); err != nil {
		log.Error("failed to stop health server", sl.Err(err))
	}

	if buf != nil {
		if err := buf.Close(); err != nil {
			log.Error("failed to close buffer", sl.Err(err))
		}
	}

	log.Info("envoy logger stopped")
}
