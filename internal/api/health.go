package api

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/annel0/blockcore/internal/logging"
)

// HealthService имя сервиса в gRPC health-check
const HealthService = "blockcore.Game"

// HealthServer gRPC health-check для балансировщиков и оркестраторов
type HealthServer struct {
	grpc   *grpc.Server
	health *health.Server
	logger *logging.Logger
}

// NewHealthServer создаёт сервер в состоянии NOT_SERVING
func NewHealthServer(logger *logging.Logger) *HealthServer {
	if logger == nil {
		logger = logging.NewNop()
	}
	hs := &HealthServer{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		logger: logger,
	}
	healthpb.RegisterHealthServer(hs.grpc, hs.health)
	hs.SetServing(false)
	return hs
}

// SetServing переключает статус сервиса и общего статуса сервера
func (hs *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	hs.health.SetServingStatus("", status)
	hs.health.SetServingStatus(HealthService, status)
}

// Serve обслуживает l до отмены ctx
func (hs *HealthServer) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		hs.health.Shutdown()
		hs.grpc.GracefulStop()
	})
	defer stop()

	hs.logger.Info("💓 gRPC health-check на %s", l.Addr())
	if err := hs.grpc.Serve(l); err != nil {
		return fmt.Errorf("gRPC health: %w", err)
	}
	return nil
}

// Run слушает addr и обслуживает до отмены ctx
func (hs *HealthServer) Run(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("не удалось слушать %s: %w", addr, err)
	}
	return hs.Serve(ctx, l)
}
