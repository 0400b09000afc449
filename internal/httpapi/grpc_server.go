package httpapi

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"arbiter.gg/internal/authz"
	"arbiter.gg/internal/obs"
)

// HealthFunc produces the current health report.
type HealthFunc func(ctx context.Context) authz.HealthReport

// GRPCServer serves grpc.health.v1.Health and mirrors the HTTP readiness
// report into it.
type GRPCServer struct {
	server   *grpc.Server
	health   *health.Server
	check    HealthFunc
	interval time.Duration
	logger   *zap.Logger
}

// NewGRPCServer creates the gRPC server. interval controls how often Run
// re-evaluates health.
func NewGRPCServer(check HealthFunc, interval time.Duration, logger *zap.Logger) *GRPCServer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = obs.Logger()
	}
	s := &GRPCServer{
		server:   grpc.NewServer(),
		health:   health.NewServer(),
		check:    check,
		interval: interval,
		logger:   logger,
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	return s
}

// HealthCheck exposes the readiness report used by /readyz.
func (a *API) HealthCheck(ctx context.Context) authz.HealthReport {
	return a.health(ctx)
}

// Server returns the underlying grpc.Server for additional registrations.
func (s *GRPCServer) Server() *grpc.Server { return s.server }

// Refresh evaluates health once and publishes it. Degraded still serves.
func (s *GRPCServer) Refresh(ctx context.Context) authz.HealthStatus {
	report := s.check(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if report.Status == authz.Unhealthy {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		s.logger.Warn("grpc_health_not_serving", zap.Any("checks", report.Checks))
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(serviceName, status)
	obs.SetReady(status == healthpb.HealthCheckResponse_SERVING)
	return report.Status
}

// Run refreshes health every interval until ctx is done.
func (s *GRPCServer) Run(ctx context.Context) {
	s.Refresh(ctx)
	ticker := time.NewTicker(s.interval)
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

// Serve blocks serving on lis.
func (s *GRPCServer) Serve(lis net.Listener) error {
	return s.server.Serve(lis)
}

// GracefulStop drains in-flight RPCs.
func (s *GRPCServer) GracefulStop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
