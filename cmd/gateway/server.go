// Package main provides the gateway server implementation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/BaSui01/agentflow/api/handlers"
	"github.com/BaSui01/agentflow/config"
	"github.com/BaSui01/agentflow/internal/cache"
	"github.com/BaSui01/agentflow/internal/metrics"
	"github.com/BaSui01/agentflow/internal/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// Server
// =============================================================================

// Server is the gateway's main process: HTTP listener, metrics listener,
// and the config hot-reload manager that watches them both.
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	httpManager    *server.Manager
	metricsManager *server.Manager

	healthHandler *handlers.HealthHandler
	chatHandler   *handlers.ChatHandler

	metricsCollector *metrics.Collector
	cacheManager     *cache.Manager
	routing          *routingStack

	hotReloadManager *config.HotReloadManager

	wg sync.WaitGroup
}

// NewServer creates a new gateway server instance.
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
	}
}

// =============================================================================
// Startup
// =============================================================================

// Start brings up the metrics collector, handlers, hot-reload manager, and
// both HTTP listeners (API + metrics).
func (s *Server) Start() error {
	s.metricsCollector = metrics.NewCollector("gateway", s.logger)

	if err := s.initHandlers(); err != nil {
		return fmt.Errorf("failed to init handlers: %w", err)
	}

	if err := s.initHotReloadManager(); err != nil {
		return fmt.Errorf("failed to init hot reload manager: %w", err)
	}

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.String("http_addr", s.cfg.Server.Addr),
		zap.String("metrics_addr", s.cfg.Server.MetricsAddr),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)

	return nil
}

// initHandlers wires up the health handler and the chat-completions
// handler, the latter backed by the full candidate-retry routing stack
// (resolver, scheduler metrics, key pools, transports).
func (s *Server) initHandlers() error {
	s.healthHandler = handlers.NewHealthHandler(s.logger)

	cacheMgr, err := cache.NewManager(cache.Config{
		Addr:                s.cfg.Cache.Addr,
		Password:            s.cfg.Cache.Password,
		DB:                  s.cfg.Cache.DB,
		DefaultTTL:          s.cfg.Cache.DefaultTTL,
		PoolSize:            s.cfg.Cache.PoolSize,
		MinIdleConns:        s.cfg.Cache.MinIdleConns,
		HealthCheckInterval: s.cfg.Cache.HealthCheckInterval,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("failed to init cache manager: %w", err)
	}
	s.cacheManager = cacheMgr

	s.routing = buildRoutingStack(s.cfg, cacheMgr, s.metricsCollector, s.logger)
	s.chatHandler = handlers.NewChatHandler(s.routing.resolver, s.routing.monitor, s.routing.pools, s.routing.loop, s.routing.strategy, s.routing.streamerFor, s.routing.idempotency, s.logger)

	s.logger.Info("Handlers initialized")
	return nil
}

// initHotReloadManager wires a HotReloadManager to the configured file path
// (if any) and keeps s.cfg pointed at the latest reloaded configuration.
func (s *Server) initHotReloadManager() error {
	opts := []config.HotReloadOption{
		config.WithHotReloadLogger(s.logger),
	}

	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}

	s.hotReloadManager = config.NewHotReloadManager(s.cfg, opts...)

	s.hotReloadManager.OnChange(func(change config.ConfigChange) {
		s.logger.Info("Configuration changed",
			zap.String("path", change.Path),
			zap.String("source", change.Source),
			zap.Bool("requires_restart", change.RequiresRestart),
		)
	})

	s.hotReloadManager.OnReload(func(oldConfig, newConfig *config.Config) {
		s.logger.Info("Configuration reloaded")
		s.cfg = newConfig
		if s.routing != nil {
			s.routing.resolver.UpdateConfig(newConfig)
			s.routing.cfg = newConfig
		}
	})

	ctx := context.Background()
	if err := s.hotReloadManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hot reload manager: %w", err)
	}

	return nil
}

// =============================================================================
// HTTP server
// =============================================================================

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("/v1/chat/completions", s.chatHandler.HandleCompletion)
	mux.HandleFunc("/v1/chat/completions/stream", s.chatHandler.HandleStream)

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
	)

	serverConfig := server.Config{
		Addr:            s.cfg.Server.Addr,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     s.cfg.Server.IdleTimeout,
		MaxHeaderBytes:  s.cfg.Server.MaxHeaderBytes,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.String("addr", s.cfg.Server.Addr))
	return nil
}

// =============================================================================
// Metrics server
// =============================================================================

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            s.cfg.Server.MetricsAddr,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.String("addr", s.cfg.Server.MetricsAddr))
	return nil
}

// =============================================================================
// Shutdown
// =============================================================================

// WaitForShutdown blocks until a termination signal arrives, then runs Shutdown.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown gracefully stops the hot-reload manager and both HTTP listeners.
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	if s.hotReloadManager != nil {
		if err := s.hotReloadManager.Stop(); err != nil {
			s.logger.Error("Hot reload manager shutdown error", zap.Error(err))
		}
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	if s.routing != nil && s.routing.monitor != nil {
		s.routing.monitor.Stop()
	}
	if s.routing != nil && s.routing.metricsBuf != nil {
		s.routing.metricsBuf.Close()
	}
	if s.cacheManager != nil {
		if err := s.cacheManager.Close(); err != nil {
			s.logger.Error("Cache manager shutdown error", zap.Error(err))
		}
	}

	s.wg.Wait()

	s.logger.Info("Graceful shutdown completed")
}
