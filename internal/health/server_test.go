package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrisv1180/envoy-logger/internal/lib/logger/sl"
)

func get(t *testing.T, s *Server, path string) (*http.Response, HealthResponse) {
	t.Helper()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body HealthResponse
	if path == "/health" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	}
	return resp, body
}

func TestHealthAllHealthy(t *testing.T) {
	s := NewServer(sl.Discard(), ":0")
	s.AddChecker(NewInfluxHealthChecker(func(context.Context) error { return nil }))
	s.AddChecker(NewBufferHealthChecker(func(context.Context) (int64, error) { return 3, nil }))
	s.AddChecker(NewSamplerHealthChecker(time.Now, 10*time.Second))

	resp, body := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StatusHealthy, body.Status)
	require.Len(t, body.Components, 3)
	assert.Equal(t, "influxdb", body.Components[0].Name)
	assert.Equal(t, "buffer", body.Components[1].Name)
	assert.Equal(t, "sampler", body.Components[2].Name)
}

func TestHealthDegradedAndUnhealthy(t *testing.T) {
	s := NewServer(sl.Discard(), ":0")
	s.AddChecker(NewInfluxHealthChecker(func(context.Context) error { return errors.New("ping failed") }))

	resp, body := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StatusDegraded, body.Status)
	assert.Equal(t, "ping failed", body.Components[0].Message)

	s.AddChecker(NewBufferHealthChecker(func(context.Context) (int64, error) { return 0, errors.New("database is locked") }))
	resp, body = get(t, s, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, StatusUnhealthy, body.Status)
}

func TestLiveAndReady(t *testing.T) {
	s := NewServer(sl.Discard(), ":0")
	for _, path := range []string{"/live", "/ready"} {
		resp, _ := get(t, s, path)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestReadyWaitsForFirstSample(t *testing.T) {
	var sampled atomic.Bool
	s := NewServer(sl.Discard(), ":0")
	s.SetReadyCheck(sampled.Load)

	resp, _ := get(t, s, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	sampled.Store(true)
	resp, _ = get(t, s, "/ready")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Liveness does not depend on sampling.
	sampled.Store(false)
	resp, _ = get(t, s, "/live")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBufferHealthChecker(t *testing.T) {
	status, msg := NewBufferHealthChecker(func(context.Context) (int64, error) { return 1001, nil }).Check(context.Background())
	assert.Equal(t, StatusDegraded, status)
	assert.Equal(t, "high buffer count: 1001", msg)
}

func TestSamplerHealthChecker(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var last time.Time

	c := NewSamplerHealthChecker(func() time.Time { return last }, 10*time.Second)
	c.now = func() time.Time { return now }

	status, msg := c.Check(context.Background())
	assert.Equal(t, StatusDegraded, status)
	assert.Equal(t, "no sample yet", msg)

	last = now.Add(-30 * time.Second)
	status, _ = c.Check(context.Background())
	assert.Equal(t, StatusHealthy, status)

	last = now.Add(-2 * time.Minute)
	status, msg = c.Check(context.Background())
	assert.Equal(t, StatusDegraded, status)
	assert.Equal(t, "last sample 2m0s ago", msg)
}
