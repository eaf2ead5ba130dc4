// Package main provides the gateway binary: the WebSocket entry point
// clients hold open for real-time event delivery.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/riftchat/rift/internal/config"
	"github.com/riftchat/rift/internal/eventbus"
	"github.com/riftchat/rift/internal/gateway"
	"github.com/riftchat/rift/internal/gateway/codec"
	"github.com/riftchat/rift/internal/observability"
	"github.com/riftchat/rift/internal/server"
	"github.com/riftchat/rift/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting gateway",
		zap.String("addr", cfg.Gateway.Addr()),
	)

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Tracing)
	if err != nil {
		logger.Fatal("initializing tracing", zap.Error(err))
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("flushing traces", zap.Error(err))
		}
	}()

	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Duration("elapsed", time.Since(dbStart)),
	)

	bus := eventbus.New()
	handlers := gateway.NewHandlers(
		postgres.NewTokenAuthenticator(pool.DB()),
		postgres.NewRolePermissions(pool.DB()),
		postgres.NewMemberRepository(pool.DB()),
		bus,
		logger,
		cfg.Gateway.HeartbeatInterval,
		gateway.WithSessionStore(postgres.NewSessionRepository(pool.DB())),
	)

	registry := gateway.NewRegistry()
	if err := handlers.Register(registry); err != nil {
		logger.Fatal("registering opcode handlers", zap.Error(err))
	}
	dispatcher := gateway.NewDispatcher(
		registry,
		otel.Tracer("rift-gateway"),
		logger,
	)

	gatewaySrv := server.NewGatewayServer(
		cfg.Gateway,
		handlers,
		dispatcher,
		codec.Msgpack{},
		logger,
	)
	metricsSrv := server.NewMetricsServer(cfg.Metrics, logger)

	lifecycle := server.NewLifecycle(logger)

	lifecycle.Add("gateway", &server.FuncService{
		StartFn: gatewaySrv.Start,
		StopFn:  gatewaySrv.Stop,
	})
	lifecycle.Add("metrics", &server.FuncService{
		StartFn: metricsSrv.Start,
		StopFn:  metricsSrv.Stop,
	})
	lifecycle.Add("postgres", &server.FuncService{
		StartFn: func() error {
			for {
				time.Sleep(30 * time.Second)
				if err := pool.Health(ctx, 5*time.Second); err != nil {
					logger.Warn("database health check failed", zap.Error(err))
				}
			}
		},
		StopFn: func() {
			pool.Close()
		},
	})

	logger.Info("gateway initialized",
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
