package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func startServer(t *testing.T, reg *prometheus.Registry, health HealthFunc) *Server {
	t.Helper()
	server := NewServer("127.0.0.1:0", reg, health)
	errCh, err := server.Start()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		<-errCh
	})
	return server
}

func TestNewServer_Unbound(t *testing.T) {
	server := NewServer(":9090", prometheus.NewRegistry(), nil)
	require.Equal(t, ":9090", server.Addr())
	require.Nil(t, server.listener)
}

func TestServer_StartAndShutdown(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	server := NewServer("127.0.0.1:0", reg, nil)
	errCh, err := server.Start()
	require.NoError(t, err)
	require.NotEqual(t, "127.0.0.1:0", server.Addr())

	code, _ := get(t, "http://"+server.Addr()+"/health")
	require.Equal(t, http.StatusOK, code)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))

	// A clean shutdown closes the channel without an error.
	err, open := <-errCh
	require.NoError(t, err)
	require.False(t, open)
}

func TestServer_StartAddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = NewServer(ln.Addr().String(), prometheus.NewRegistry(), nil).Start()
	require.ErrorContains(t, err, "metrics server listen on "+ln.Addr().String())
}

func TestServer_MetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	m.SetCheckpointPosition(100)
	m.IncError(ErrTypeParse)

	server := startServer(t, reg, nil)

	code, body := get(t, "http://"+server.Addr()+"/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "ledgersync_checkpoint_position")
	require.Contains(t, body, "ledgersync_errors_total")
}

func TestServer_HealthEndpoint(t *testing.T) {
	server := startServer(t, prometheus.NewRegistry(), func() error { return nil })

	code, body := get(t, "http://"+server.Addr()+"/health")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body)
}

func TestServer_HealthEndpointUnhealthy(t *testing.T) {
	server := startServer(t, prometheus.NewRegistry(), func() error { return errors.New("subscription down") })

	code, body := get(t, "http://"+server.Addr()+"/health")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "subscription down", body)
}
