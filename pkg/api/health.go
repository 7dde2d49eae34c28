package api

import (
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the service reported by the gRPC health service
// alongside the overall ("") status.
const ServiceName = "pulse.Events"

// SetServing flips the gRPC health status of the server. The manager's
// readiness drives it: NOT_SERVING while the pipeline is stopped.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}
