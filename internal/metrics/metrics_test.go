package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmalink/internal/health"
)

func TestRecordOperation(t *testing.T) {
	OperationsTotal.Reset()
	BytesTotal.Reset()

	RecordOperation("rdma", "send", true, time.Millisecond, 4096)
	RecordOperation("rdma", "send", false, time.Millisecond, 4096)
	RecordOperation("rdma", "read", true, time.Millisecond, 512)

	assert.Equal(t, float64(1), testutil.ToFloat64(OperationsTotal.WithLabelValues("rdma", "send", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(OperationsTotal.WithLabelValues("rdma", "send", "failure")))

	// Failed operations do not count towards bytes moved.
	assert.Equal(t, float64(4096), testutil.ToFloat64(BytesTotal.WithLabelValues("rdma", "out")))
	assert.Equal(t, float64(512), testutil.ToFloat64(BytesTotal.WithLabelValues("rdma", "in")))
}

func TestRecordConnections(t *testing.T) {
	ActiveConnections.Reset()

	RecordConnectionOpened("tcp")
	RecordConnectionOpened("tcp")
	RecordConnectionClosed("tcp")

	assert.Equal(t, float64(1), testutil.ToFloat64(ActiveConnections.WithLabelValues("tcp")))
}

func TestRecordMemoryRegistration(t *testing.T) {
	MemoryRegistrationsTotal.Reset()
	RegisteredBytes.Set(0)

	RecordMemoryRegistration("register", true, 8192)
	RecordMemoryRegistration("register", false, 0)
	RecordMemoryRegistration("deregister", true, -4096)

	assert.Equal(t, float64(4096), testutil.ToFloat64(RegisteredBytes))
	assert.Equal(t, float64(1), testutil.ToFloat64(MemoryRegistrationsTotal.WithLabelValues("register", "failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(MemoryRegistrationsTotal.WithLabelValues("deregister", "success")))
}

func TestRecordHandshakeAndTransitions(t *testing.T) {
	HandshakesTotal.Reset()
	QPTransitionsTotal.Reset()

	RecordHandshake(true)
	RecordHandshake(false)
	RecordQPTransition("RTR", true)
	RecordQPTransition("RTR", true)

	assert.Equal(t, float64(1), testutil.ToFloat64(HandshakesTotal.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(HandshakesTotal.WithLabelValues("failure")))
	assert.Equal(t, float64(2), testutil.ToFloat64(QPTransitionsTotal.WithLabelValues("RTR", "success")))
}

func TestRecordCompletionPolls(t *testing.T) {
	CompletionPollsTotal.Reset()

	RecordCompletionPolls(5, true)
	RecordCompletionPolls(0, true)
	RecordCompletionPolls(3, false)

	assert.Equal(t, float64(8), testutil.ToFloat64(CompletionPollsTotal.WithLabelValues("empty")))
	assert.Equal(t, float64(2), testutil.ToFloat64(CompletionPollsTotal.WithLabelValues("hit")))
	assert.Equal(t, float64(1), testutil.ToFloat64(CompletionPollsTotal.WithLabelValues("abandoned")))
}

func TestSetBenchBandwidth(t *testing.T) {
	SetBenchBandwidth("rdma", "client", 812.5)
	assert.Equal(t, 812.5, testutil.ToFloat64(BenchBandwidth.WithLabelValues("rdma", "client")))
}

func TestServerRoutes(t *testing.T) {
	Init("simulated")

	checker := health.NewChecker(0)
	checker.Register("verbs", func(context.Context) health.Check {
		return health.Check{Status: health.StatusHealthy}
	})

	srv := httptest.NewServer(NewServer("", checker).Handler())
	defer srv.Close()

	tests := []struct {
		path     string
		contains string
	}{
		{"/metrics", "rdmalink_build_info"},
		{"/healthz", `"healthy"`},
		{"/healthz/live", `"ok"`},
		{"/healthz/ready", `"ready"`},
		{"/healthz/detail", `"verbs"`},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			require.NoError(t, err)

			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Contains(t, string(body), tt.contains)
		})
	}
}

func TestServerServeAndShutdown(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil)
	require.NoError(t, s.Listen())

	done := make(chan error, 1)
	go func() { done <- s.Serve() }()

	resp, err := http.Get("http://" + s.Addr() + "/healthz/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, <-done)
}

func TestServerDefaultAddress(t *testing.T) {
	assert.Equal(t, DefaultAddress, NewServer("", nil).Addr())
}
