package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/cache"
	"github.com/devrev/pairdb/datagrid/internal/cluster"
	"github.com/devrev/pairdb/datagrid/internal/config"
	"github.com/devrev/pairdb/datagrid/internal/health"
	"github.com/devrev/pairdb/datagrid/internal/metrics"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/devrev/pairdb/datagrid/internal/server"
	"github.com/devrev/pairdb/datagrid/internal/store"
	"github.com/devrev/pairdb/datagrid/internal/transport"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Grid node failed", zap.Error(err))
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	rpcAddress := model.Address(cfg.RPCAddress())
	logger = logger.With(zap.String("node_id", cfg.Server.NodeID))
	logger.Info("Starting grid node",
		zap.String("rpc_address", rpcAddress.String()),
		zap.String("cache", cfg.Cache.Name),
		zap.String("mode", cfg.Cache.Mode),
		zap.String("persistence", cfg.Persistence.Type))

	ctx := context.Background()
	m := metrics.NewMetrics(cfg.Server.NodeID)

	persistence, err := store.NewFromConfig(ctx, cfg.Persistence, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize persistence: %w", err)
	}
	if persistence != nil {
		defer persistence.Close()
	}

	rpc := transport.NewGRPCTransport(rpcAddress, logger)
	listener, err := net.Listen("tcp", net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.Port)))
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	serverErrors := make(chan error, 2)
	go func() {
		logger.Info("Starting gRPC server", zap.String("address", listener.Addr().String()))
		serverErrors <- rpc.Serve(listener)
	}()

	var notifier cluster.TopologyNotifier
	var gossip *cluster.GossipMembership
	if cfg.Gossip.Enabled {
		gossip, err = cluster.NewGossipMembership(cfg.Gossip, cfg.Server.NodeID, rpcAddress, logger)
		if err != nil {
			rpc.Stop()
			return fmt.Errorf("failed to start gossip: %w", err)
		}
		notifier = gossip
	} else {
		logger.Info("Gossip disabled, running as a single member")
		notifier = cluster.NewLocalTopologyManager(cluster.RingHashBuilder(cfg.Gossip.VirtualNodes), logger).NotifierFor(rpcAddress)
	}

	c, err := cache.New(cache.FromConfig(cfg), cache.Deps{
		RPC:         rpc,
		Notifier:    notifier,
		Persistence: persistence,
		Logger:      logger,
		Metrics:     m,
	})
	if err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("failed to start cache %s: %w", cfg.Cache.Name, err)
	}

	checker := health.NewHealthChecker(health.Config{
		NodeID:                  cfg.Server.NodeID,
		Interval:                cfg.Admin.HealthCheckInterval,
		FailedTransferThreshold: cfg.Admin.FailedTransferThreshold,
	}, c, logger)
	checkCtx, stopChecks := context.WithCancel(ctx)
	defer stopChecks()
	go checker.Start(checkCtx)

	var admin *server.Server
	if cfg.Admin.Enabled {
		admin = server.NewServer(cfg.Admin.Port, c, checker, m, logger)
		go func() {
			serverErrors <- admin.Start()
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down gracefully")
	checker.SetDraining(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := c.Stop(shutdownCtx); err != nil {
		logger.Warn("Cache did not leave cleanly", zap.Error(err))
	}
	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Admin server shutdown failed", zap.Error(err))
		}
	}
	if gossip != nil {
		if err := gossip.Shutdown(time.Until(deadlineOf(shutdownCtx))); err != nil {
			logger.Warn("Gossip shutdown failed", zap.Error(err))
		}
	}
	rpc.Stop()

	logger.Info("Grid node stopped")
	return nil
}

func deadlineOf(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(5 * time.Second)
}
