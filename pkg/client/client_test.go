package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Client, *[]string) {
	t.Helper()
	var seen []string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"api": map[string]any{"name": "api", "state": "running", "pid": 7, "port": 8001, "restart_count": 1},
		})
	})
	mux.HandleFunc("GET /api/status/{name}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("name") != "api" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "unknown service: " + r.PathValue("name")})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"name": "api", "state": "unhealthy",
			"last_result": map[string]any{"kind": "unhealthy", "reason": "status 503"}})
	})
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"overall_healthy": false,
			"services":        map[string]any{"api": map[string]any{"state": "running", "healthy": false}},
			"timestamp":       time.Now(),
		})
	})
	mux.HandleFunc("POST /api/services/{name}/{action}", func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.PathValue("action")+":"+r.PathValue("name"))
		if r.PathValue("action") == "restart" {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "restart budget exhausted"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "status": map[string]any{"name": r.PathValue("name"), "state": "running"}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL + "/api/"})
	require.NoError(t, err)
	return c, &seen
}

func TestStatus(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()
	assert.True(t, c.IsReachable(ctx))

	all, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "running", all["api"].State)
	assert.Equal(t, 7, all["api"].PID)
	assert.Equal(t, 1, all["api"].RestartCount)

	one, err := c.ServiceStatus(ctx, "api")
	require.NoError(t, err)
	require.NotNil(t, one.LastResult)
	assert.Equal(t, "unhealthy", one.LastResult.Kind)

	_, err = c.ServiceStatus(ctx, "ghost")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "unknown service: ghost")
}

func TestHealthDecodes503(t *testing.T) {
	c, _ := newTestServer(t)
	rep, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.OverallHealthy)
	assert.Contains(t, rep.Services, "api")
}

func TestActions(t *testing.T) {
	c, seen := newTestServer(t)
	ctx := context.Background()

	st, err := c.Start(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, "db", st.Name)
	_, err = c.Stop(ctx, "db")
	require.NoError(t, err)

	_, err = c.Restart(ctx, "db")
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusConflict, ae.StatusCode)
	assert.Equal(t, []string{"start:db", "stop:db", "restart:db"}, *seen)
}

func TestUnreachable(t *testing.T) {
	c, err := New(Config{BaseURL: "http://127.0.0.1:1/api", Timeout: 200 * time.Millisecond})
	require.NoError(t, err)
	assert.False(t, c.IsReachable(context.Background()))
	_, err = c.Status(context.Background())
	assert.Error(t, err)
}

func TestTLSConfigErrors(t *testing.T) {
	_, err := New(Config{TLS: &TLSClientConfig{CACert: "/no/such/ca.pem"}})
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a cert"), 0o600))
	_, err = New(Config{TLS: &TLSClientConfig{CACert: bad}})
	assert.Error(t, err)

	c, err := New(Config{Insecure: true})
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, c.baseURL)
}
