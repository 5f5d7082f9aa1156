package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/patternmesh/patternd/internal/api"
	"github.com/patternmesh/patternd/internal/buildconfig"
	"github.com/patternmesh/patternd/internal/config"
	"github.com/patternmesh/patternd/internal/federation"
	"github.com/patternmesh/patternd/internal/hub"
	"github.com/patternmesh/patternd/internal/service"
	"github.com/patternmesh/patternd/internal/store"
)

func main() {
	if err := config.Load(); err != nil {
		panic(err)
	}

	logger := newLogger(config.LogLevel())
	defer func() { _ = logger.Sync() }()

	nodeID := config.NodeID()
	logger.Info("starting patternd",
		zap.String("node_id", nodeID),
		zap.String("version", buildconfig.Version()),
		zap.String("commit", buildconfig.Commit()))

	ctx := context.Background()

	patternStore := store.NewPatternStore(config.TombstoneRetention())
	eventHub := hub.New(logger)

	fed := federation.New(federation.Config{
		URL:               config.NATSURL(),
		NodeID:            nodeID,
		Prefix:            config.FederationPrefix(),
		HeartbeatInterval: config.HeartbeatInterval(),
	}, patternStore, eventHub, logger)

	// A node without a broker still serves its local store; publishes are
	// skipped until the connection comes up.
	if err := fed.Start(ctx); err != nil {
		logger.Warn("federation unavailable, running local-only", zap.Error(err))
	} else if applied, err := fed.Sync(ctx); err != nil {
		logger.Warn("initial sync failed", zap.Error(err))
	} else {
		logger.Info("initial sync complete", zap.Int("applied", applied))
	}

	svc := service.NewEngineService(patternStore, fed, eventHub, nodeID, logger)
	app := api.NewApp(svc, fed, eventHub, logger)

	addr := config.ServerAddr()
	srv := &http.Server{
		Addr:    addr,
		Handler: app.Router,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	fed.Stop()
	eventHub.Close()

	logger.Info("server stopped")
}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
