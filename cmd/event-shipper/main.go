package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/edgecomet/eventshipper/internal/common/config"
	"github.com/edgecomet/eventshipper/internal/common/logger"
	"github.com/edgecomet/eventshipper/internal/common/metricsserver"
	"github.com/edgecomet/eventshipper/internal/shipper"
	"github.com/edgecomet/eventshipper/internal/shipper/metrics"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("c", "configs/example/event-shipper.yaml", "path to event-shipper configuration file")
	flag.Parse()

	// Create initial logger for startup
	initialLogger, err := logger.NewDefaultLogger()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	initialLogger.Info("Starting Event Shipper",
		zap.String("config_path", *configPath))

	cfg, err := config.LoadShipperConfig(*configPath, initialLogger.Logger)
	if err != nil {
		initialLogger.Fatal("Failed to load shipper config", zap.Error(err))
	}

	// Reconfigure logger based on config settings (uses INFO level during startup if configured level is higher)
	dynamicLogger, err := logger.NewLoggerWithStartupOverride(cfg.Logging)
	if err != nil {
		initialLogger.Fatal("Failed to create configured logger", zap.Error(err))
	}
	defer dynamicLogger.Sync()

	zapLogger := dynamicLogger.Logger

	opts := []shipper.Option{
		shipper.WithFailureSink(loggingSink(zapLogger)),
	}

	var collector *metrics.MetricsCollector
	if cfg.Metrics.Enabled {
		collector = metrics.NewMetricsCollector(cfg.Metrics.Namespace, zapLogger)
		opts = append(opts, shipper.WithMetrics(collector))
	}

	s, err := shipper.New(cfg, zapLogger, opts...)
	if err != nil {
		zapLogger.Fatal("Failed to create shipper", zap.Error(err))
	}

	var metricsServer *metricsserver.Server
	if collector != nil {
		metricsServer, err = metricsserver.StartMetricsServer(cfg.Metrics, collector, map[string]fasthttp.RequestHandler{
			"/stats": statsHandler(s),
		}, zapLogger)
		if err != nil {
			zapLogger.Error("Failed to start metrics server", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		n, err := pump(ctx, os.Stdin, s, zapLogger)
		if err != nil {
			zapLogger.Error("Failed to read records from stdin", zap.Error(err))
		}
		zapLogger.Info("Input finished", zap.Int("records", n))
	}()

	zapLogger.Info("Event shipper started", zap.String("shipper_id", s.ID()))

	// Switch to configured log level after startup is complete
	dynamicLogger.SwitchToConfiguredLevel()

	select {
	case <-ctx.Done():
	case <-pumpDone:
	}

	dynamicLogger.EnsureInfoLevelForShutdown()
	zapLogger.Info("Shutting down Event Shipper...")

	if err := s.Close(); err != nil {
		zapLogger.Error("Failed to shut down shipper cleanly", zap.Error(err))
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			zapLogger.Error("Failed to shutdown metrics server gracefully", zap.Error(err))
		}
	}

	zapLogger.Info("Event shipper stopped")
}

func loggingSink(logger *zap.Logger) shipper.FailureSink {
	return shipper.FailureSinkFunc(func(r shipper.FailureReport) {
		logger.Warn("Shipper failure",
			zap.String("category", r.Category.String()),
			zap.String("message", r.Message),
			zap.Int("records", len(r.Records)),
			zap.Error(r.Err))
	})
}

func statsHandler(s *shipper.Shipper) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		body, err := json.Marshal(s.Stats())
		if err != nil {
			ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
			return
		}
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
	}
}
