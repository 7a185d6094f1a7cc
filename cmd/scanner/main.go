// Command scanner runs the vertical-spread scanner service: the upstream
// request coordinator, the scan engine and the REST/WebSocket API.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spreadscan/spreadscan/internal/api"
	"github.com/spreadscan/spreadscan/internal/config"
	"github.com/spreadscan/spreadscan/internal/coordinator"
	"github.com/spreadscan/spreadscan/internal/engine"
	"github.com/spreadscan/spreadscan/internal/filters"
	"github.com/spreadscan/spreadscan/internal/ivhistory"
	"github.com/spreadscan/spreadscan/internal/market"
	"github.com/spreadscan/spreadscan/internal/metrics"
	"github.com/spreadscan/spreadscan/internal/presets"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	mx := metrics.New()

	var provider market.Provider
	switch cfg.Upstream.Provider {
	case "gateway":
		provider = market.NewGateway(market.GatewayOptions{
			BaseURL: cfg.Upstream.BaseURL,
			APIKey:  cfg.Upstream.APIKey,
			Timeout: cfg.UpstreamTimeout(),
		}, logger)
		logger.WithField("gateway", cfg.Upstream.BaseURL).Info("using REST gateway provider")
	default:
		provider = market.NewMockProvider(cfg.Upstream.Seed)
		logger.Info("using synthetic mock provider")
	}

	coord := coordinator.New(coordinator.Config{
		Workers:              cfg.Coordinator.Workers,
		MaxConcurrent:        int64(cfg.Coordinator.MaxConcurrent),
		QueueSize:            cfg.Coordinator.QueueSize,
		CoalesceWindow:       cfg.CoalesceWindow(),
		HealthPollInterval:   cfg.HealthPollInterval(),
		AdaptiveBackpressure: cfg.Coordinator.AdaptiveBackpressure,
		QueueThresholds: coordinator.QueueThresholds{
			Low:      cfg.Coordinator.QueueThresholds.Low,
			Medium:   cfg.Coordinator.QueueThresholds.Medium,
			High:     cfg.Coordinator.QueueThresholds.High,
			Critical: cfg.Coordinator.QueueThresholds.Critical,
		},
		RequestsPerSecond: cfg.Coordinator.RequestsPerSecond,
		Circuit: coordinator.CircuitSettings{
			MaxFailures:  uint32(cfg.Circuit.MaxFailures),
			ResetTimeout: cfg.CircuitResetTimeout(),
		},
	}, provider, logger, mx)

	var ivSource filters.IVHistorySource
	if cfg.IVHistory.BaseURL != "" {
		ivSource = ivhistory.NewClient(ivhistory.ClientOptions{
			BaseURL:  cfg.IVHistory.BaseURL,
			APIKey:   cfg.IVHistory.APIKey,
			Timeout:  cfg.IVHistoryTimeout(),
			CacheTTL: cfg.IVHistoryCacheTTL(),
		}, logger)
	}

	eng := engine.New(engine.Config{
		TickInterval:        cfg.ScanTickInterval(),
		DefaultScanInterval: cfg.ScanDefaultInterval(),
		MaxScans:            cfg.Scan.MaxConcurrent,
		DefaultMaxResults:   cfg.Scan.MaxResults,
		SubscriberQueue:     cfg.WebSocket.QueueSize,
		DrainTimeout:        cfg.ScanDrainTimeout(),
		DisableSkips:        cfg.Scan.DisableSkips,
		CacheSize:           cfg.Cache.Size,
		CacheTTL:            cfg.CacheTTLDefault(),
	}, coord, ivSource, logger, mx)

	store, err := presets.NewStore(cfg.Presets.Path)
	if err != nil {
		logger.Fatalf("Failed to open preset store: %v", err)
	}

	server := api.NewServer(api.Config{
		Addr:           cfg.Server.Addr,
		AuthToken:      cfg.Server.AuthToken,
		PingInterval:   cfg.WSPingInterval(),
		MaxConnections: cfg.WebSocket.MaxConnections,
	}, eng, store, mx, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord.Start(ctx)
	eng.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("shutdown signal received")
	case err := <-errCh:
		logger.WithError(err).Error("api server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("api server shutdown")
	}

	// Stop enrolling ticks, then let in-flight ones finish before cutting the
	// coordinator out from under them.
	eng.Stop()
	coord.Stop()

	logger.Info("scanner stopped")
}
