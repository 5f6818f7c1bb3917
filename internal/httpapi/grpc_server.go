package httpapi

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"consoleguard.io/internal/obs"
)

// GRPCServer publishes grpc.health.v1.Health with one service entry per
// component plus the overall "" entry.
type GRPCServer struct {
	health     *health.Server
	components map[string]Checker
	timeout    time.Duration
	logger     zerolog.Logger
}

// NewGRPCServer creates the health publisher. Statuses start NOT_SERVING
// until the first Refresh.
func NewGRPCServer(components map[string]Checker) *GRPCServer {
	s := &GRPCServer{
		health:     health.NewServer(),
		components: components,
		timeout:    2 * time.Second,
		logger:     obs.Component("grpc"),
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	for name := range components {
		s.health.SetServingStatus(serviceKey(name), healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return s
}

// Register attaches the health service to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.health)
}

// Refresh probes every component and publishes the results. It returns the
// names of failing components in order.
func (s *GRPCServer) Refresh(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var failing []string
	for name, c := range s.components {
		status := healthpb.HealthCheckResponse_SERVING
		if err := c.Check(ctx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			failing = append(failing, name)
			s.logger.Warn().Err(err).Str("component", name).Msg("component not ready")
		}
		s.health.SetServingStatus(serviceKey(name), status)
	}
	overall := healthpb.HealthCheckResponse_SERVING
	if len(failing) > 0 {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", overall)
	sort.Strings(failing)
	return failing
}

// Run refreshes on every tick until ctx is done, then marks everything
// NOT_SERVING so clients drain.
func (s *GRPCServer) Run(ctx context.Context, interval time.Duration) {
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

func serviceKey(component string) string {
	return "consoleguard." + component
}
