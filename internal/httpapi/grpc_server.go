package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"dealroom.org/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCServer exposes the standard grpc.health.v1 service backed by the readiness check.
type GRPCServer struct {
	health    *health.Server
	readiness readinessChecker
	version   string
}

// NewGRPCServer creates the gRPC health wrapper. Status starts as NOT_SERVING until the
// first Refresh.
func NewGRPCServer(r readinessChecker, version string) *GRPCServer {
	s := &GRPCServer{
		health:    health.NewServer(),
		readiness: r,
		version:   version,
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the health service to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.health)
}

// Refresh evaluates readiness once and publishes the result.
func (s *GRPCServer) Refresh(ctx context.Context) bool {
	status := healthpb.HealthCheckResponse_SERVING
	ok := true
	if err := s.readiness.Check(ctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		ok = false
		obs.Logger().Warn("readiness check failed", zap.String("version", s.version), zap.Error(err))
	}
	obs.SetReady(ok)
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(serviceName, status)
	return ok
}

// Watch refreshes readiness every interval until ctx ends, then marks the service down.
func (s *GRPCServer) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}
