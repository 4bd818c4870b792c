package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brightgrid/explain-engine/internal/api"
	"github.com/brightgrid/explain-engine/internal/cache"
	"github.com/brightgrid/explain-engine/internal/config"
	"github.com/brightgrid/explain-engine/internal/engine"
	"github.com/brightgrid/explain-engine/internal/metrics"
	"github.com/brightgrid/explain-engine/internal/registry"
	"github.com/brightgrid/explain-engine/internal/repo"
	"github.com/brightgrid/explain-engine/internal/schema"
	"github.com/brightgrid/explain-engine/internal/services"
	"github.com/brightgrid/explain-engine/internal/utils"
)

func main() {
	_ = godotenv.Load()

	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting explain-engine", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	schemaReg, err := schema.Load(cfg.Schema.Path)
	if err != nil {
		logger.Error("failed to load feature schema", slog.String("path", cfg.Schema.Path), slog.Any("error", err))
		os.Exit(1)
	}

	// Misconfigured permitted ranges fail the boot, not the first search.
	conventions := make(map[string]registry.Convention, len(cfg.Models))
	for id, mc := range cfg.Models {
		if err := schemaReg.ValidateRanges(mc.PermittedRanges); err != nil {
			logger.Error("invalid permitted ranges", slog.String("model_id", id), slog.Any("error", err))
			os.Exit(1)
		}
		conventions[id] = registry.Convention{
			PositiveClassDesirable: mc.PositiveClassDesirable,
			Threshold:              mc.Threshold,
		}
	}

	modelRegistry := registry.New(cfg.Artifacts.Dir, schemaReg, conventions, logger)

	var source engine.InstanceSource
	if cfg.Store.Enabled && cfg.Store.DSN != "" {
		db, err := repo.Open(cfg.Store.DSN)
		if err != nil {
			logger.Error("failed to connect to instance store", slog.Any("error", err))
			os.Exit(1)
		}
		defer db.Close()
		source = repo.NewInstanceStore(db, schemaReg, cfg.Store.Table, logger)
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled {
		cacheProvider = cache.NewMemoryProvider()
	}
	defer cacheProvider.Close()

	attribution := engine.NewAttributionEngine(logger, modelRegistry, schemaReg)
	counterfactual := engine.NewCounterfactualEngine(logger, modelRegistry, schemaReg)
	aggregator := engine.NewAggregator(logger, attribution, counterfactual, source, cfg.Engine.MaxConcurrency)
	comparator := engine.NewComparator(logger, modelRegistry, attribution, cfg.Engine.MaxConcurrency)

	explainService := services.NewExplainService(
		logger,
		modelRegistry,
		attribution,
		counterfactual,
		aggregator,
		comparator,
		source,
		cacheProvider,
		cfg.Cache.SummaryTTL,
	)

	handler := api.NewHandler(logger, explainService, cfg.Engine)
	server, err := api.NewServer(cfg.Server, handler)
	if err != nil {
		logger.Error("failed to create HTTP server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("HTTP server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("explain-engine stopped")
}
