package api

import (
	"fmt"
	"net"
	"sync"

	"github.com/banshee-data/pathguard/internal/monitoring"
	"github.com/banshee-data/pathguard/internal/replan"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var logf = monitoring.Prefixed("health")

// SafetyService is the gRPC health service name that tracks the safety
// flag. It reports SERVING while the vehicle can stop within the verified
// part of the trajectory and NOT_SERVING otherwise. The flight controller's
// companion watchdog polls it.
const SafetyService = "pathguard.Safety"

// HealthPublisher exposes the safety flag through the standard gRPC health
// protocol. It is an executor sink.
type HealthPublisher struct {
	health *health.Server

	mu       sync.Mutex
	server   *grpc.Server
	listener net.Listener
	wg       sync.WaitGroup
	have     bool
	lastSafe bool
}

// NewHealthPublisher starts with SafetyService NOT_SERVING.
func NewHealthPublisher() *HealthPublisher {
	h := &HealthPublisher{health: health.NewServer()}
	h.health.SetServingStatus(SafetyService, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Health returns the underlying health server.
func (h *HealthPublisher) Health() *health.Server { return h.health }

// Publish implements the executor sink interface. Only an evaluated, safe
// tick is SERVING; a tick the monitor could not evaluate (no plan, plan
// finished, stale telemetry) is NOT_SERVING.
func (h *HealthPublisher) Publish(st replan.Status) {
	safe := st.Evaluated && st.Safe
	h.mu.Lock()
	changed := !h.have || safe != h.lastSafe
	h.have, h.lastSafe = true, safe
	h.mu.Unlock()
	if !changed {
		return
	}

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if safe {
		status = healthpb.HealthCheckResponse_SERVING
	} else if !st.Evaluated {
		logf("safety not evaluated (%s), reporting NOT_SERVING", st.Reason)
	}
	h.health.SetServingStatus(SafetyService, status)
}

// Start serves the health service on addr.
func (h *HealthPublisher) Start(addr string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.server != nil {
		return fmt.Errorf("health server already running")
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, h.health)
	h.server, h.listener = srv, lis

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		logf("gRPC health listening on %s", lis.Addr())
		if err := srv.Serve(lis); err != nil {
			logf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (h *HealthPublisher) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Stop marks every service NOT_SERVING and stops the server.
func (h *HealthPublisher) Stop() {
	h.health.Shutdown()

	h.mu.Lock()
	srv := h.server
	h.server, h.listener = nil, nil
	h.mu.Unlock()

	if srv != nil {
		srv.GracefulStop()
	}
	h.wg.Wait()
}
