package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/1vbutkus/fish-sub000/internal/monitor"
)

// Overall is the service name reporting the process-wide status.
const Overall = ""

// StatusSource reports the trading decision for a market, in practice a
// monitor.Gate.
type StatusSource interface {
	Status(conditionID string) monitor.GateStatus
}

// Server exposes the standard gRPC health service. Each tracked market is a
// service named by its condition id; the empty service is SERVING only while
// every market may trade.
type Server struct {
	grpcServer *grpc.Server
	health     *grpchealth.Server
	listener   net.Listener
	socketPath string

	gate    StatusSource
	markets []string
	log     *zap.Logger
}

// Listen opens the listener for addr. An address of the form "unix:/path"
// binds a Unix domain socket restricted to the owner; anything else is TCP.
func Listen(addr string) (net.Listener, error) {
	path, ok := strings.CutPrefix(addr, "unix:")
	if !ok {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", addr, err)
		}
		return lis, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	// Remove any stale socket file from a previous run.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on unix socket %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		lis.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return lis, nil
}

// New registers the health service on a fresh gRPC server bound to lis.
// Every market starts NOT_SERVING until the first Update.
func New(lis net.Listener, gate StatusSource, markets []string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	hs := grpchealth.NewServer()
	hs.SetServingStatus(Overall, healthpb.HealthCheckResponse_NOT_SERVING)
	for _, m := range markets {
		hs.SetServingStatus(m, healthpb.HealthCheckResponse_NOT_SERVING)
	}

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &Server{
		grpcServer: gs,
		health:     hs,
		listener:   lis,
		gate:       gate,
		markets:    append([]string(nil), markets...),
		log:        log,
	}
	if lis.Addr().Network() == "unix" {
		s.socketPath = lis.Addr().String()
	}
	return s
}

// Update copies the current gate decisions into the health service.
func (s *Server) Update() {
	overall := healthpb.HealthCheckResponse_SERVING
	for _, m := range s.markets {
		st := s.gate.Status(m)
		status := healthpb.HealthCheckResponse_SERVING
		if !st.CanTrade {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.health.SetServingStatus(m, status)
	}
	s.health.SetServingStatus(Overall, overall)
}

// Run calls Update every interval until ctx is cancelled.
func (s *Server) Run(ctx context.Context, interval time.Duration) {
	s.Update()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Update()
		}
	}
}

// Serve starts accepting gRPC connections. It blocks until the server
// is stopped or an error occurs.
func (s *Server) Serve() error {
	s.log.Info("health server listening", zap.String("addr", s.listener.Addr().String()))
	return s.grpcServer.Serve(s.listener)
}

// GracefulStop marks everything NOT_SERVING, drains in-flight RPCs and
// removes the socket file if one was created.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	if s.socketPath != "" {
		os.Remove(s.socketPath)
	}
}
