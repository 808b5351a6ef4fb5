package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/devrev/weathermesh/internal/clock"
	"github.com/devrev/weathermesh/internal/cluster"
	"github.com/devrev/weathermesh/internal/config"
	"github.com/devrev/weathermesh/internal/health"
	"github.com/devrev/weathermesh/internal/metrics"
	"github.com/devrev/weathermesh/internal/server"
	"github.com/devrev/weathermesh/internal/store"
)

func main() {
	port := flag.Int("p", 0, "listen port, overrides the config file")
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected argument: %s\n", flag.Arg(0))
		os.Exit(1)
	}
	if *port != 0 && (*port < 1 || *port > 65535) {
		fmt.Fprintf(os.Stderr, "invalid port: %d\n", *port)
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	logger, err := initLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("data_dir", cfg.Storage.DataDir))

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		logger.Fatal("Failed to create data directory", zap.Error(err))
	}

	m := metrics.NewMetrics(cfg.Server.NodeID)

	st := store.New(cfg.Storage.DataDir, store.ExpiryPolicy{
		MaxAge:       cfg.Expiry.MaxAge,
		MaxUpdateLag: cfg.Expiry.MaxUpdateLag,
	}, logger)

	clk := clock.New()
	maxLamport, maxSeq, err := st.Recover()
	if err != nil {
		logger.Fatal("Failed to recover records", zap.Error(err))
	}
	clk.Restore(maxLamport, maxSeq)
	m.UpdateStoreStats(st.Len())
	m.UpdateClockStats(maxLamport, maxSeq)

	if cfg.Gossip.Enabled {
		gossip, err := cluster.NewGossip(&cluster.Config{
			BindPort:  cfg.Gossip.BindPort,
			SeedNodes: cfg.Gossip.SeedNodes,
		}, cfg.Server.NodeID, cfg.Server.Host, cfg.Server.Port, logger)
		if err != nil {
			logger.Error("Failed to initialize gossip", zap.Error(err))
		} else {
			defer gossip.Shutdown()
			m.UpdateGossipStats(gossip.NumMembers())
			logger.Info("Gossip membership initialized",
				zap.Int("members", gossip.NumMembers()))
		}
	}

	checker := health.NewChecker(cfg.Storage.DataDir, logger)
	healthCtx, stopHealth := context.WithCancel(context.Background())
	defer stopHealth()
	go checker.Start(healthCtx)

	if cfg.Metrics.Enabled {
		metricsServer := server.NewMetricsServer(&server.MetricsServerConfig{
			Port:    cfg.Metrics.Port,
			Path:    cfg.Metrics.Path,
			DataDir: cfg.Storage.DataDir,
		}, m, checker, logger)
		if err := metricsServer.Start(); err != nil {
			logger.Error("Failed to start metrics server", zap.Error(err))
		} else {
			defer metricsServer.Stop()
		}
	}

	srv := server.New(cfg, st, clk, m, logger)
	if err := srv.Start(); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	checker.SetReady(false)
	if err := srv.Stop(); err != nil {
		logger.Error("Shutdown incomplete", zap.Error(err))
	}
}

// loadConfig resolves the config file from the flag, CONFIG_PATH, or falls
// back to built-in defaults when no file is given.
func loadConfig(flagPath string) (*config.Config, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadConfig(path)
}

// initLogger initializes the zap logger
func initLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}
