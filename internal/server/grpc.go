package server

import (
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is reported by the gRPC health service.
const ServiceName = "opex.Approvals"

// NewGRPCServer exposes the standard health service so load balancers and
// the mesh can probe the process. The returned health server is flipped to
// NOT_SERVING on shutdown.
func NewGRPCServer(log zerolog.Logger) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	log.Debug().Str("service", ServiceName).Msg("grpc health registered")
	return srv, hs
}
