// Package health exposes the standard gRPC health-checking service for
// infrastructure probes.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported for the tutor.
const ServiceName = "synapse.Tutor"

// Server serves grpc.health.v1.Health.
type Server struct {
	addr   string
	grpc   *grpc.Server
	health *health.Server
}

// NewServer creates a health server. serving sets the initial status of both
// the tutor service and the overall server.
func NewServer(addr string, serving bool) *Server {
	s := &Server{
		addr:   addr,
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.SetServing(serving)
	return s
}

// SetServing updates the reported status.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve listens on the configured address until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is done, then stops gracefully.
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	slog.Info("gRPC health server listening", "addr", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(lis) }()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}
