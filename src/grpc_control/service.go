package grpc_control

import (
	"fmt"
	"net"

	"coinstream/src/feed"
	"coinstream/src/logger"
	"coinstream/src/models"
	"coinstream/src/registry"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// -----------------------------------------------------------------------------

// ControlService exposes the operational surface over gRPC: the standard
// health service plus reflection, so grpcurl and probes work without a
// custom proto package. Health flips to NOT_SERVING when every upstream
// feed is gone while sessions still expect data.
type ControlService struct {
	Config   *models.MConfig
	Feeds    *feed.Manager
	Registry *registry.Registry
	Logger   *logger.Logger

	server *grpc.Server
	health *health.Server
}

// -----------------------------------------------------------------------------

// NewControlService creates a new instance of ControlService
func NewControlService(cfg *models.MConfig, feeds *feed.Manager, reg *registry.Registry, log *logger.Logger) *ControlService {
	return &ControlService{
		Config:   cfg,
		Feeds:    feeds,
		Registry: reg,
		Logger:   log,
	}
}

// -----------------------------------------------------------------------------

// Start listens on the configured gRPC address and serves until Stop.
func (s *ControlService) Start() error {
	addr := fmt.Sprintf("%s:%d", s.Config.GrpcHost, s.Config.GrpcPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen failed on %s: %w", addr, err)
	}

	s.server = grpc.NewServer()
	s.health = health.NewServer()
	grpc_health_v1.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)

	s.health.SetServingStatus(s.Config.Name, grpc_health_v1.HealthCheckResponse_SERVING)

	s.Logger.Info("gRPC control server listening on %s", addr)
	return s.server.Serve(listener)
}

// -----------------------------------------------------------------------------

// ReassessHealth recomputes serving status from the live state: the
// service is degraded when sessions expect data but no upstream feed is
// alive.
func (s *ControlService) ReassessHealth() {
	s.SetDegraded(s.Feeds.ActiveFeeds() == 0 && s.Registry.SessionCount() > 0)
}

// -----------------------------------------------------------------------------

// SetDegraded marks the service unhealthy, e.g. when all feeds are down.
func (s *ControlService) SetDegraded(degraded bool) {
	if s.health == nil {
		return
	}
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if degraded {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(s.Config.Name, status)
}

// -----------------------------------------------------------------------------

// Stop shuts the gRPC server down gracefully.
func (s *ControlService) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
	}
}
