package server

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/weathermesh/internal/health"
	"github.com/devrev/weathermesh/internal/metrics"
)

// MetricsServer serves Prometheus metrics and probe endpoints via HTTP
type MetricsServer struct {
	httpServer *http.Server
	metrics    *metrics.Metrics
	health     *health.Checker
	logger     *zap.Logger
	dataDir    string
	stopChan   chan struct{}
}

// MetricsServerConfig holds configuration for the metrics server
type MetricsServerConfig struct {
	Port    int
	Path    string
	DataDir string
}

// NewMetricsServer creates a new metrics server
func NewMetricsServer(cfg *MetricsServerConfig, m *metrics.Metrics, checker *health.Checker, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()

	ms := &MetricsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		metrics:  m,
		health:   checker,
		logger:   logger,
		dataDir:  cfg.DataDir,
		stopChan: make(chan struct{}),
	}

	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())
	mux.HandleFunc("/health", ms.healthHandler)
	mux.HandleFunc("/ready", ms.readyHandler)

	return ms
}

// Start starts the metrics server
func (s *MetricsServer) Start() error {
	s.logger.Info("Starting metrics server", zap.String("addr", s.httpServer.Addr))

	go s.collectSystemMetrics()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the metrics server
func (s *MetricsServer) Stop() error {
	s.logger.Info("Stopping metrics server")

	close(s.stopChan)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}

	return nil
}

// healthHandler handles health check requests
func (s *MetricsServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// readyHandler handles readiness check requests. The server persists one
// file per station, so readiness gates on the data directory's filesystem.
func (s *MetricsServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if !s.health.IsReady() {
		w.WriteHeader(http.StatusServiceUnavailable)
		reason := "unknown"
		for _, check := range s.health.Checks() {
			if check.Status == "critical" {
				reason = check.Name
				break
			}
		}
		fmt.Fprintf(w, `{"status":"not_ready","reason":"%s"}`, reason)
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ready","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// collectSystemMetrics periodically collects system-level metrics
func (s *MetricsServer) collectSystemMetrics() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.updateSystemMetrics()
		case <-s.stopChan:
			return
		}
	}
}

// updateSystemMetrics updates system-level metrics
func (s *MetricsServer) updateSystemMetrics() {
	diskUsage, diskAvailable, err := s.getDiskStats()
	if err != nil {
		s.logger.Error("Failed to get disk stats", zap.Error(err))
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	s.metrics.UpdateSystemStats(diskUsage, diskAvailable, int64(memStats.Alloc), runtime.NumGoroutine())
}

// getDiskStats returns disk usage statistics for the data directory
func (s *MetricsServer) getDiskStats() (used int64, available int64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(s.dataDir, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}

	available = int64(stat.Bavail) * int64(stat.Bsize)
	total := int64(stat.Blocks) * int64(stat.Bsize)
	used = total - int64(stat.Bfree)*int64(stat.Bsize)

	return used, available, nil
}
