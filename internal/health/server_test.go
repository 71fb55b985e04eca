package health

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/shadow-tunnel/internal/metrics"
)

// mockStatsProvider implements StatsProvider for testing.
type mockStatsProvider struct {
	running bool
	count   int64
}

func (m *mockStatsProvider) IsRunning() bool {
	return m.running
}

func (m *mockStatsProvider) ConnectionCount() int64 {
	return m.count
}

func serveRequest(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_handleHealth(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: true})

	rec := serveRequest(s, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if body := rec.Body.String(); body != "OK\n" {
		t.Errorf("expected body 'OK\\n', got %q", body)
	}
}

func TestServer_handleHealth_MethodNotAllowed(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: true})

	rec := serveRequest(s, http.MethodPost, "/health")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestServer_handleHealthz_Running(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Side = metrics.SideRemote
	s := NewServer(cfg, &mockStatsProvider{running: true, count: 7})

	rec := serveRequest(s, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var resp struct {
		Status   string `json:"status"`
		Side     string `json:"side"`
		Running  bool   `json:"running"`
		Sessions int64  `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "healthy" || !resp.Running {
		t.Errorf("status = %q running = %v, want healthy/true", resp.Status, resp.Running)
	}
	if resp.Side != metrics.SideRemote {
		t.Errorf("side = %q, want %q", resp.Side, metrics.SideRemote)
	}
	if resp.Sessions != 7 {
		t.Errorf("sessions = %d, want 7", resp.Sessions)
	}
}

func TestServer_handleHealthz_NotRunning(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: false})

	rec := serveRequest(s, http.MethodGet, "/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func TestServer_handleReady(t *testing.T) {
	provider := &mockStatsProvider{running: true}
	s := NewServer(DefaultServerConfig(), provider)

	if rec := serveRequest(s, http.MethodGet, "/ready"); rec.Code != http.StatusOK || rec.Body.String() != "READY\n" {
		t.Errorf("ready: got %d %q", rec.Code, rec.Body.String())
	}

	provider.running = false
	if rec := serveRequest(s, http.MethodGet, "/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("not ready: got %d", rec.Code)
	}
}

func TestServer_NilProvider(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)

	if rec := serveRequest(s, http.MethodGet, "/healthz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	m.RecordSessionOpen(metrics.SideLocal)

	cfg := DefaultServerConfig()
	cfg.MetricsPath = "/prom"
	cfg.Gatherer = reg
	s := NewServer(cfg, &mockStatsProvider{running: true})

	rec := serveRequest(s, http.MethodGet, "/prom")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `shadow_tunnel_sessions_active{side="local"} 1`) {
		t.Errorf("metrics output missing sessions_active:\n%s", rec.Body.String())
	}
}

func TestServer_PprofDisabledByDefault(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: true})
	if rec := serveRequest(s, http.MethodGet, "/debug/pprof/"); rec.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}

	cfg := DefaultServerConfig()
	cfg.Pprof = true
	s = NewServer(cfg, &mockStatsProvider{running: true})
	if rec := serveRequest(s, http.MethodGet, "/debug/pprof/"); rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestServer_StartStop(t *testing.T) {
	cfg := ServerConfig{
		Address:      "127.0.0.1:0", // Dynamic port
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	s := NewServer(cfg, &mockStatsProvider{running: true})

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if !s.IsRunning() {
		t.Error("expected server to be running")
	}

	addr := s.Address()
	if addr == nil {
		t.Fatal("expected non-nil address")
	}

	// Use retry loop to handle race between Start() and Serve()
	var resp *http.Response
	var err error
	for i := 0; i < 10; i++ {
		time.Sleep(10 * time.Millisecond)
		resp, err = http.Get("http://" + addr.String() + "/health")
		if err == nil {
			break
		}
	}
	if err != nil {
		t.Fatalf("request failed after retries: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "OK\n" {
		t.Errorf("got %d %q", resp.StatusCode, body)
	}

	if err := s.Stop(); err != nil {
		t.Errorf("failed to stop: %v", err)
	}
	if s.IsRunning() {
		t.Error("expected server to be stopped")
	}
	// Stop twice should not error
	if err := s.Stop(); err != nil {
		t.Errorf("second stop failed: %v", err)
	}
}
