package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tesoro.app/internal/obs"
)

// LedgerServiceName is the health service name reported for the ledger itself; the empty
// name reports overall server health.
const LedgerServiceName = "tesoro.ledger.v1.Ledger"

// HealthServer exposes readiness over the standard gRPC health protocol.
type HealthServer struct {
	*health.Server

	readiness readinessChecker
	timeout   time.Duration
}

// NewHealthServer creates the health service. Status stays NOT_SERVING until Refresh runs.
func NewHealthServer(r readinessChecker) *HealthServer {
	if r == nil {
		r = ReadyProbe{}
	}
	s := &HealthServer{
		Server:    health.NewServer(),
		readiness: r,
		timeout:   2 * time.Second,
	}
	s.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.SetServingStatus(LedgerServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the health service to srv.
func (s *HealthServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s)
}

// Refresh evaluates readiness once and publishes the result.
func (s *HealthServer) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	err := s.readiness.Check(ctx)
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		obs.Warn("readiness check failed", map[string]any{"error": err})
	}
	s.SetServingStatus("", status)
	s.SetServingStatus(LedgerServiceName, status)
	return err
}

// Run refreshes readiness every interval until ctx ends, then marks everything NOT_SERVING.
func (s *HealthServer) Run(ctx context.Context, interval time.Duration) {
	_ = s.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return
		case <-ticker.C:
			_ = s.Refresh(ctx)
		}
	}
}
