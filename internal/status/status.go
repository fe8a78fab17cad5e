package status

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/udev-recovery/internal/orchestrator"
	"github.com/ydb-platform/udev-recovery/internal/terminal"
)

const OutcomeService = "outcome"

func PhaseService(phase orchestrator.Phase) string {
	return "phase." + phase.String()
}

// Server publishes session progress through the gRPC health protocol on a
// unix socket. The current phase is SERVING, every other phase NOT_SERVING.
type Server struct {
	socketPath string
	health     *health.Server
	cancel     context.CancelFunc
}

func Serve(ctx context.Context, wg *sync.WaitGroup, socketPath string) (*Server, error) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		klog.Errorf("Failed to remove socket file %q: %v", socketPath, err)
		return nil, fmt.Errorf("failed to remove socket file %s: %w", socketPath, err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		klog.Errorf("Failed to listen on socket %q: %v", socketPath, err)
		return nil, fmt.Errorf("failed to listen on socket %s: %w", socketPath, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Server{
		socketPath: socketPath,
		health:     health.NewServer(),
		cancel:     cancel,
	}
	for _, phase := range orchestrator.Phases() {
		s.health.SetServingStatus(PhaseService(phase), healthpb.HealthCheckResponse_NOT_SERVING)
	}
	s.health.SetServingStatus(OutcomeService, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)

	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, s.health)
	go server.Serve(listener)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer listener.Close()
		defer server.Stop()
		klog.Infof("Serving session status on socket %q", socketPath)
		<-ctx.Done()
		s.health.Shutdown()
	}()

	return s, nil
}

func (s *Server) SocketPath() string {
	return s.socketPath
}

func (s *Server) Stop() {
	s.cancel()
}

func (s *Server) PhaseChanged(current orchestrator.Phase) {
	for _, phase := range orchestrator.Phases() {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if phase == current {
			st = healthpb.HealthCheckResponse_SERVING
		}
		s.health.SetServingStatus(PhaseService(phase), st)
	}
}

func (s *Server) Finished(outcome terminal.Outcome) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if outcome == terminal.Success {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(OutcomeService, st)
}

// Check asks the server listening on socketPath for the status of service.
func Check(ctx context.Context, socketPath, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	addr := "unix://" + socketPath
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to dial %q: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to check %q on %q: %w", service, addr, err)
	}
	return resp.GetStatus(), nil
}

// Probe checks that the server on socketPath answers and is serving.
func Probe(ctx context.Context, socketPath string) error {
	st, err := Check(ctx, socketPath, "")
	if err != nil {
		klog.Errorf("Status probe on %q failed: %v", socketPath, err)
		return err
	}
	if st != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("status server on %q is %s", socketPath, st)
	}
	return nil
}
