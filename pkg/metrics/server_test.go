package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testStatus() Status {
	return Status{
		State:           "monitoring",
		ActiveEra:       412,
		LastReportedEra: 411,
		RelayEndpoint:   "wss://relay.example.io",
		ParaEndpoint:    "https://para.example.io",
	}
}

func newOpsServer(t *testing.T) *httptest.Server {
	t.Helper()
	set := New()
	set.ActiveEra.Set(412)
	srv := NewServer(":0", set, testStatus, zap.NewNop())
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthEndpoint(t *testing.T) {
	ts := newOpsServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "monitoring", string(body))
}

func TestStatusEndpoint(t *testing.T) {
	ts := newOpsServer(t)
	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var status Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, testStatus(), status)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newOpsServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "oracle_active_era_id 412")
}
