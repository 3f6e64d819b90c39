package health_test

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/1vbutkus/fish-sub000/internal/health"
	"github.com/1vbutkus/fish-sub000/internal/monitor"
)

type fakeGate struct {
	mu       sync.Mutex
	statuses map[string]monitor.GateStatus
}

func (f *fakeGate) Status(id string) monitor.GateStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

func (f *fakeGate) set(id string, st monitor.GateStatus) {
	f.mu.Lock()
	f.statuses[id] = st
	f.mu.Unlock()
}

func startServer(t *testing.T, gate health.StatusSource, markets []string) (*health.Server, healthpb.HealthClient) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := health.New(lis, gate, markets, nil)
	go srv.Serve()
	t.Cleanup(srv.GracefulStop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return srv, healthpb.NewHealthClient(conn)
}

func check(t *testing.T, c healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := c.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.Status
}

func TestServer_ReflectsGate(t *testing.T) {
	gate := &fakeGate{statuses: map[string]monitor.GateStatus{
		"0xaaa": {CanTrade: true},
		"0xbbb": {Reason: monitor.ReasonStale},
	}}
	srv, client := startServer(t, gate, []string{"0xaaa", "0xbbb"})

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, "0xaaa"), "markets start not serving")

	srv.Update()
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, "0xaaa"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, "0xbbb"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, health.Overall))

	gate.set("0xbbb", monitor.GateStatus{CanTrade: true})
	srv.Update()
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, "0xbbb"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, health.Overall))
}

func TestServer_UnknownService(t *testing.T) {
	gate := &fakeGate{statuses: map[string]monitor.GateStatus{}}
	_, client := startServer(t, gate, []string{"0xaaa"})

	_, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "0xnope"})
	require.Error(t, err)
}

func TestListen_UnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sock", "health.sock")
	lis, err := health.Listen("unix:" + path)
	require.NoError(t, err)
	defer lis.Close()
	assert.Equal(t, "unix", lis.Addr().Network())
	assert.Equal(t, path, lis.Addr().String())
}
