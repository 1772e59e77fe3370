package rpc

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/anoma/trusted-setup-ceremony/logging"
)

var (
	rpcRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ceremony",
		Subsystem: "rpc",
		Name:      "requests_total",
		Help:      "Number of handled RPC requests",
	}, []string{"method", "code"})

	rpcDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ceremony",
		Subsystem: "rpc",
		Name:      "request_duration_seconds",
		Help:      "Time spent handling RPC requests",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"method"})
)

// ServerOptions returns the interceptors every ceremony gRPC server runs with.
func ServerOptions(logger *zap.Logger) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(loggerInterceptor(logger), metricsInterceptor),
	}
}

// loggerInterceptor returns UnaryServerInterceptor handler to log all RPC server incoming requests.
func loggerInterceptor(
	logger *zap.Logger,
) func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		logger := logger.Named(info.FullMethod).With(zap.Stringer("request_id", uuid.New()))
		ctx = logging.NewContext(ctx, logger)

		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			logger.Debug("new GRPC", zap.Stringer("from", p.Addr))
		}

		resp, err := handler(ctx, req)
		if err != nil {
			// losing a race for a chunk is routine
			if status.Code(err) == codes.Aborted {
				logger.Debug("FAILURE", zap.Error(err))
			} else {
				logger.Info("FAILURE", zap.Error(err))
			}
		}
		return resp, err
	}
}

func metricsInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	started := time.Now()
	resp, err := handler(ctx, req)
	rpcDuration.WithLabelValues(info.FullMethod).Observe(time.Since(started).Seconds())
	rpcRequests.WithLabelValues(info.FullMethod, status.Code(err).String()).Inc()
	return resp, err
}
