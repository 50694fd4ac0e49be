// Package grpc exposes supervisor health over the standard gRPC health
// protocol, with logging, metrics, panic recovery and tracing on every call.
package grpc

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/redmage123/artemis/coreengine/logging"
	"github.com/redmage123/artemis/coreengine/observability"
)

// =============================================================================
// LOGGING INTERCEPTOR
// =============================================================================

// LoggingInterceptor logs each unary call and records its metrics.
func LoggingInterceptor(logger logging.Logger) grpc.UnaryServerInterceptor {
	logger = logging.OrNop(logger)
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		start := time.Now()
		logger.Debug("grpc_request_started", "method", info.FullMethod)

		resp, err := handler(ctx, req)

		duration := time.Since(start)
		code := status.Code(err)
		observability.RecordGRPCRequest(info.FullMethod, code.String(), int(duration.Milliseconds()))

		if err != nil {
			logger.Error("grpc_request_failed",
				"method", info.FullMethod,
				"duration_ms", duration.Milliseconds(),
				"code", code.String(),
				"error", err.Error(),
			)
		} else {
			logger.Debug("grpc_request_completed",
				"method", info.FullMethod,
				"duration_ms", duration.Milliseconds(),
			)
		}
		return resp, err
	}
}

// StreamLoggingInterceptor logs each stream (health Watch) and records its metrics.
func StreamLoggingInterceptor(logger logging.Logger) grpc.StreamServerInterceptor {
	logger = logging.OrNop(logger)
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		logger.Debug("grpc_stream_started", "method", info.FullMethod)

		err := handler(srv, ss)

		duration := time.Since(start)
		code := status.Code(err)
		observability.RecordGRPCRequest(info.FullMethod, code.String(), int(duration.Milliseconds()))

		if err != nil && code != codes.Canceled {
			logger.Error("grpc_stream_failed",
				"method", info.FullMethod,
				"duration_ms", duration.Milliseconds(),
				"code", code.String(),
				"error", err.Error(),
			)
		} else {
			logger.Debug("grpc_stream_completed",
				"method", info.FullMethod,
				"duration_ms", duration.Milliseconds(),
			)
		}
		return err
	}
}

// =============================================================================
// RECOVERY INTERCEPTOR
// =============================================================================

// RecoveryHandler converts a recovered panic value into the returned error.
type RecoveryHandler func(p any) error

// DefaultRecoveryHandler returns codes.Internal.
func DefaultRecoveryHandler(p any) error {
	return status.Errorf(codes.Internal, "panic recovered: %v", p)
}

// RecoveryInterceptor turns handler panics into errors.
func RecoveryInterceptor(logger logging.Logger, handler RecoveryHandler) grpc.UnaryServerInterceptor {
	logger = logging.OrNop(logger)
	if handler == nil {
		handler = DefaultRecoveryHandler
	}
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		next grpc.UnaryHandler,
	) (resp any, err error) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("grpc_panic_recovered",
					"method", info.FullMethod,
					"panic", fmt.Sprintf("%v", p),
					"stack", string(debug.Stack()),
				)
				err = handler(p)
			}
		}()
		return next(ctx, req)
	}
}

// StreamRecoveryInterceptor is RecoveryInterceptor for streams.
func StreamRecoveryInterceptor(logger logging.Logger, handler RecoveryHandler) grpc.StreamServerInterceptor {
	logger = logging.OrNop(logger)
	if handler == nil {
		handler = DefaultRecoveryHandler
	}
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		next grpc.StreamHandler,
	) (err error) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("grpc_stream_panic_recovered",
					"method", info.FullMethod,
					"panic", fmt.Sprintf("%v", p),
					"stack", string(debug.Stack()),
				)
				err = handler(p)
			}
		}()
		return next(srv, ss)
	}
}

// =============================================================================
// SERVER OPTIONS BUILDER
// =============================================================================

// ServerOptions returns the standard interceptor chain plus the OpenTelemetry
// stats handler. Recovery runs outermost.
func ServerOptions(logger logging.Logger) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			RecoveryInterceptor(logger, nil),
			LoggingInterceptor(logger),
		),
		grpc.ChainStreamInterceptor(
			StreamRecoveryInterceptor(logger, nil),
			StreamLoggingInterceptor(logger),
		),
	}
}
