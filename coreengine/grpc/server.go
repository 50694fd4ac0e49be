package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/redmage123/artemis/coreengine/logging"
)

// GracefulServer serves the health service and shuts down cleanly when its
// context ends.
type GracefulServer struct {
	grpcServer *grpc.Server
	health     *HealthService
	logger     logging.Logger
	address    string

	shutdownMu sync.Mutex
	isShutdown bool
}

// NewGracefulServer creates a server for health on address. With no opts
// the standard ServerOptions are used.
func NewGracefulServer(health *HealthService, address string, logger logging.Logger, opts ...grpc.ServerOption) *GracefulServer {
	logger = logging.OrNop(logger)
	if len(opts) == 0 {
		opts = ServerOptions(logger)
	}

	grpcServer := grpc.NewServer(opts...)
	health.Register(grpcServer)
	reflection.Register(grpcServer)

	return &GracefulServer{
		grpcServer: grpcServer,
		health:     health,
		logger:     logger,
		address:    address,
	}
}

// Start listens on the configured address and blocks until ctx is cancelled
// or the server fails.
func (s *GracefulServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve is Start on an existing listener.
func (s *GracefulServer) Serve(ctx context.Context, lis net.Listener) error {
	s.logger.Info("grpc_server_started", "address", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpcServer.Serve(lis)
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("grpc_graceful_shutdown_initiated", "reason", ctx.Err().Error())
		s.GracefulStop()
		return ctx.Err()
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// GracefulStop marks every service not serving, then waits for in-flight
// calls to finish.
func (s *GracefulServer) GracefulStop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.isShutdown {
		return
	}
	s.isShutdown = true

	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	s.logger.Info("grpc_graceful_stop_completed")
}

// ShutdownWithTimeout stops gracefully, forcing an immediate stop after timeout.
func (s *GracefulServer) ShutdownWithTimeout(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("grpc_graceful_shutdown_timeout", "timeout_ms", timeout.Milliseconds())
		s.grpcServer.Stop()
	}
}

// Address returns the configured listen address.
func (s *GracefulServer) Address() string {
	return s.address
}
