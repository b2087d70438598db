package httpapi

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"grievdesk.org/internal/obs"
)

// GRPCServiceName is the health-check service name clients may query in
// addition to the overall "" entry.
const GRPCServiceName = "grievdesk.v1.Grievances"

// HealthReporter mirrors store readiness into the standard gRPC health
// service.
type HealthReporter struct {
	health    *health.Server
	readiness readinessChecker
	interval  time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

func NewHealthReporter(r readinessChecker, interval time.Duration) *HealthReporter {
	if r == nil {
		r = ReadyProbe{}
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	h := &HealthReporter{
		health:    health.NewServer(),
		readiness: r,
		interval:  interval,
		stop:      make(chan struct{}),
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// NewGRPCServer builds a server exposing grpc.health.v1 and reflection.
func NewGRPCServer(h *HealthReporter, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, h.health)
	reflection.Register(s)
	return s
}

// Refresh runs one readiness check and publishes the result.
func (h *HealthReporter) Refresh(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	obs.SetReady(true)
	h.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Run refreshes on an interval until ctx is done or Shutdown is called.
func (h *HealthReporter) Run(ctx context.Context) {
	h.Refresh(ctx)
	t := time.NewTicker(h.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-t.C:
			h.Refresh(ctx)
		}
	}
}

// Shutdown marks every service NOT_SERVING so load balancers drain first.
func (h *HealthReporter) Shutdown() {
	h.stopOnce.Do(func() { close(h.stop) })
	h.health.Shutdown()
}

func (h *HealthReporter) set(st healthpb.HealthCheckResponse_ServingStatus) {
	h.health.SetServingStatus("", st)
	h.health.SetServingStatus(GRPCServiceName, st)
}
