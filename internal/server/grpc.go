package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const healthInterval = 10 * time.Second

// SourceService is the health service name reported for an archive source.
func SourceService(source string) string {
	return "archive." + source
}

// startGRPC serves the standard health service on grpcAddr. The overall
// service is always SERVING; each source is NOT_SERVING while its circuit
// breaker is open.
func (s *Server) startGRPC(ctx context.Context) (func(), error) {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return nil, fmt.Errorf("grpc listen %s: %w", s.grpcAddr, err)
	}

	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	updateHealth(hs, s.sources)

	go func() {
		ticker := time.NewTicker(healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				hs.Shutdown()
				return
			case <-ticker.C:
				updateHealth(hs, s.sources)
			}
		}
	}()

	go func() {
		s.log.Info("grpc health starting", "addr", s.grpcAddr)
		if err := gs.Serve(lis); err != nil {
			s.log.Error("grpc server stopped", "error", err)
		}
	}()

	return gs.GracefulStop, nil
}

func updateHealth(hs *health.Server, sources SourceStatus) {
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	if sources == nil {
		return
	}
	for _, name := range sources.Sources() {
		status := healthpb.HealthCheckResponse_SERVING
		if !sources.Available(name) {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus(SourceService(name), status)
	}
}
