package metricsserver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/edgecomet/eventshipper/internal/common/configtypes"
)

// MetricsHandler interface for metrics collectors
type MetricsHandler interface {
	ServeHTTP(ctx *fasthttp.RequestCtx)
}

// Server is a running metrics endpoint.
type Server struct {
	server   *fasthttp.Server
	listener net.Listener
	logger   *zap.Logger
}

// StartMetricsServer binds cfg.Listen and serves the metrics handler on cfg.Path.
// routes adds extra read-only endpoints (e.g. /stats) next to the metrics path.
// Returns nil if metrics are disabled. The listen address is bound before
// returning so address conflicts surface as an error.
func StartMetricsServer(
	cfg configtypes.MetricsConfig,
	metricsHandler MetricsHandler,
	routes map[string]fasthttp.RequestHandler,
	logger *zap.Logger,
) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		logger.Info("Metrics collection disabled")
		return nil, nil
	}
	if metricsHandler == nil {
		return nil, fmt.Errorf("metrics handler is required")
	}

	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}

	listen, err := configtypes.NormalizeListen(cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("invalid metrics listen address: %w", err)
	}

	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("failed to bind metrics listener on %s: %w", listen, err)
	}

	s := &Server{
		listener: listener,
		logger:   logger,
		server: &fasthttp.Server{
			Handler:            createMetricsHandler(path, metricsHandler, routes),
			Name:               "EdgeComet-EventShipper-Metrics",
			ReadTimeout:        10 * time.Second,
			WriteTimeout:       10 * time.Second,
			MaxRequestBodySize: 1 * 1024,
			TCPKeepalive:       true,
			TCPKeepalivePeriod: 30 * time.Second,
			MaxConnsPerIP:      100,
			MaxRequestsPerConn: 1000,
			Concurrency:        100,
		},
	}

	go func() {
		logger.Info("Metrics server listening",
			zap.String("listen", listener.Addr().String()),
			zap.String("path", path))

		if err := s.server.Serve(listener); err != nil {
			logger.Error("Metrics server stopped",
				zap.String("listen", listener.Addr().String()),
				zap.Error(err))
		}
	}()

	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down metrics server")
	return s.server.ShutdownWithContext(ctx)
}

func createMetricsHandler(
	metricsPath string,
	metricsCollector MetricsHandler,
	routes map[string]fasthttp.RequestHandler,
) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		if path == metricsPath {
			metricsCollector.ServeHTTP(ctx)
			return
		}
		if route, ok := routes[path]; ok {
			route(ctx)
			return
		}

		ctx.SetStatusCode(fasthttp.StatusNotFound)
		ctx.SetBodyString("Not Found")
	}
}
