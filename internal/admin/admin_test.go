package admin_test

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"distributed-register/internal/admin"
	"distributed-register/internal/adminclient"
	"distributed-register/internal/metrics"
)

func TestHealthEndpoint(t *testing.T) {
	reg := metrics.New()
	status := func() admin.Status {
		return admin.Status{SelfRank: 1, ProcessCount: 3, MaxSector: 4096}
	}
	router := admin.NewRouter(status, reg)
	srv := httptest.NewServer(router)
	defer srv.Close()

	client := adminclient.New(srv.URL, 0)
	health, err := client.Health(t.Context())
	require.NoError(t, err)
	require.Equal(t, "ok", health.Status)
	require.Equal(t, 1, health.SelfRank)
	require.Equal(t, 3, health.ProcessCount)
	require.Equal(t, uint64(4096), health.MaxSector)
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	reg := metrics.New()
	reg.IncAuthFailure()
	status := func() admin.Status { return admin.Status{} }
	router := admin.NewRouter(status, reg)
	srv := httptest.NewServer(router)
	defer srv.Close()

	client := adminclient.New(srv.URL, 0)
	body, err := client.Metrics(t.Context())
	require.NoError(t, err)
	require.Contains(t, body, "wire_auth_failures_total")
}
