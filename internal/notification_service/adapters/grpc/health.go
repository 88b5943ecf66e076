package grpc

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/theraptrack/golang_services/internal/notification_service/domain"
)

// EngineServiceName is the service name reported through grpc.health.v1.
const EngineServiceName = "notification.Engine"

// StatusSource reports the engine status.
type StatusSource interface {
	Status() domain.EngineStatus
}

// HealthReporter mirrors the engine status into a grpc health server.
type HealthReporter struct {
	source   StatusSource
	server   *health.Server
	interval time.Duration
	logger   *slog.Logger
}

func NewHealthReporter(source StatusSource, interval time.Duration, logger *slog.Logger) *HealthReporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &HealthReporter{
		source:   source,
		server:   health.NewServer(),
		interval: interval,
		logger:   logger.With("component", "grpc_health"),
	}
}

// NewServer returns a grpc server with the health service and reflection
// registered.
func (h *HealthReporter) NewServer(opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, h.server)
	reflection.Register(s)
	return s
}

// Refresh sets the serving status from the current engine status. A
// disabled engine is reported as NOT_SERVING; the process itself stays up.
func (h *HealthReporter) Refresh() healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	if !h.source.Status().Enabled {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus(EngineServiceName, st)
	h.server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return st
}

// Run refreshes the status every interval until ctx is done, then marks
// everything NOT_SERVING.
func (h *HealthReporter) Run(ctx context.Context) error {
	last := h.Refresh()
	h.logger.InfoContext(ctx, "Health reporter started", "status", last.String())

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if st := h.Refresh(); st != last {
				h.logger.InfoContext(ctx, "Engine serving status changed", "from", last.String(), "to", st.String())
				last = st
			}
		case <-ctx.Done():
			h.server.Shutdown()
			return nil
		}
	}
}
