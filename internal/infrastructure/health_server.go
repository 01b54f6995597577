package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ForecastServiceName is the service name reported by the health endpoint.
const ForecastServiceName = "meteogram.ForecastService"

// HealthServer exposes grpc.health.v1.Health for the forecast service.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
}

// NewHealthServer returns a server that reports NOT_SERVING until SetServing(true) is called.
func NewHealthServer() *HealthServer {
	server := grpc.NewServer()
	status := health.NewServer()
	healthpb.RegisterHealthServer(server, status)

	h := &HealthServer{server: server, health: status}
	h.SetServing(false)
	return h
}

// SetServing updates the status of the forecast service and of the server as a whole.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(ForecastServiceName, status)
	h.health.SetServingStatus("", status)
}

// Serve accepts connections on lis until Stop is called.
func (h *HealthServer) Serve(lis net.Listener) error {
	if err := h.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve grpc health: %w", err)
	}
	return nil
}

// Stop marks the service NOT_SERVING and drains open connections.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}

// CheckHealth asks the health endpoint at address whether the forecast service is serving.
func CheckHealth(ctx context.Context, address string, opts ...grpc.DialOption) error {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to gRPC server: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{
		Service: ForecastServiceName,
	})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%s is %s", ForecastServiceName, resp.GetStatus())
	}
	return nil
}
