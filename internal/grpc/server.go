// Package grpc mounts the standard gRPC health-checking and reflection
// services on the process's shared grpc.Server. The full CRUD/search/stream
// API is served over HTTP (see internal/plugin/route/*); it is not
// duplicated here because doing so requires protobuf-generated service
// stubs whose .proto source is not available in this build (see DESIGN.md).
package grpc

import (
	"context"
	"sync"

	registrystore "github.com/agentcore/memoryd/internal/registry/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthServer implements grpc_health_v1.HealthServer, reporting SERVING
// once SetServing(true) has been called and NOT_SERVING otherwise. It does
// not probe the datastore itself.
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer

	mu      sync.RWMutex
	serving bool
}

// SetServing flips the reported status. Called once after store
// initialization succeeds at startup.
func (s *HealthServer) SetServing(serving bool) {
	s.mu.Lock()
	s.serving = serving
	s.mu.Unlock()
}

func (s *HealthServer) Check(context.Context, *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	s.mu.RLock()
	serving := s.serving
	s.mu.RUnlock()
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	return &grpc_health_v1.HealthCheckResponse{Status: status}, nil
}

func (s *HealthServer) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	resp, err := s.Check(stream.Context(), req)
	if err != nil {
		return err
	}
	return stream.Send(resp)
}

// Register mounts the health and reflection services on server. The store
// argument is not used; health status comes only from SetServing.
func Register(server *grpc.Server, _ registrystore.MemoryStore) *HealthServer {
	health := &HealthServer{}
	grpc_health_v1.RegisterHealthServer(server, health)
	reflection.Register(server)
	return health
}
