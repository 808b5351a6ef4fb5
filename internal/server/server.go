package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/weathermesh/internal/clock"
	"github.com/devrev/weathermesh/internal/config"
	"github.com/devrev/weathermesh/internal/handler"
	"github.com/devrev/weathermesh/internal/metrics"
	"github.com/devrev/weathermesh/internal/store"
	"github.com/devrev/weathermesh/internal/util/workerpool"
)

// Server owns the TCP acceptor and the periodic expiry sweep. Each accepted
// connection is handed to the worker pool; the pool size caps concurrent
// connections, and a full pool means the connection is closed immediately.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	clock   *clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	listener net.Listener
	pool     *workerpool.WorkerPool
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Server.
func New(cfg *config.Config, st *store.Store, clk *clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		clock:   clk,
		metrics: m,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start binds the listener and launches the accept loop and the expiry
// loop. It returns once the server is accepting.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.pool = workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "connections",
		MaxWorkers: s.cfg.Server.MaxConnections,
		Logger:     s.logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.acceptLoop(ctx)
	go s.expiryLoop(ctx)

	s.logger.Info("Server listening",
		zap.String("addr", listener.Addr().String()),
		zap.Int("max_connections", s.cfg.Server.MaxConnections))
	return nil
}

// Addr returns the listener's address, usable after Start.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop shuts the server down: stop accepting, cancel connection handlers,
// and wait for the pool to drain within the configured timeout.
func (s *Server) Stop() error {
	s.logger.Info("Stopping server")
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	<-s.done
	if s.pool != nil {
		return s.pool.Stop(s.cfg.Server.ShutdownTimeout)
	}
	return nil
}

// acceptLoop accepts connections until the listener closes. A failed
// accept is logged and the loop continues.
func (s *Server) acceptLoop(ctx context.Context) {
	defer close(s.done)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Warn("Accept failed", zap.Error(err))
			continue
		}

		s.metrics.RecordConnectionOpened()
		h := handler.NewConnection(conn, s.store, s.clock, s.metrics, s.logger)

		remote := conn.RemoteAddr().String()
		submitted := s.pool.TrySubmit(workerpool.Task{
			ID:      remote,
			Context: ctx,
			Fn: func(taskCtx context.Context) error {
				defer s.metrics.RecordConnectionClosed()
				defer s.metrics.UpdateStoreStats(s.store.Len())
				return h.Serve(taskCtx)
			},
		})
		if !submitted {
			s.metrics.RecordConnectionRejected()
			s.metrics.RecordConnectionClosed()
			s.logger.Warn("Connection pool full, dropping connection",
				zap.String("remote", remote))
			conn.Close()
		}
	}
}

// expiryLoop sweeps the store on the configured interval, evicting records
// whose expiry predicate holds.
func (s *Server) expiryLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Expiry.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := s.store.SweepExpired(s.clock.UpdateCount(), time.Now().UnixMilli())
			if len(evicted) > 0 {
				s.metrics.RecordExpired(len(evicted))
				s.logger.Info("Expiry sweep evicted records",
					zap.Strings("station_ids", evicted))
			}
			s.metrics.UpdateStoreStats(s.store.Len())
			s.metrics.UpdateClockStats(s.clock.Lamport(), s.clock.UpdateCount())

			stats := s.pool.Stats()
			s.metrics.UpdatePoolStats(stats.ActiveWorkers, stats.WorkerUtilization(),
				stats.CompletedTasks, stats.FailedTasks)
		}
	}
}
