package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/websoft9/tunneld/internal/tunnel"
)

func TestHealth_ReportsServerIDAndUptime(t *testing.T) {
	reg := tunnel.NewRegistry(10)
	startedAt := time.Now().Add(-5 * time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	Health("server-1", startedAt, reg)(w, req)

	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ServerID != "server-1" {
		t.Errorf("ServerID = %q, want server-1", resp.ServerID)
	}
	if resp.UptimeSeconds < 290 {
		t.Errorf("UptimeSeconds = %v, want >= ~300s", resp.UptimeSeconds)
	}
	if resp.ActiveConnections != 0 {
		t.Errorf("ActiveConnections = %d, want 0 on an empty registry", resp.ActiveConnections)
	}
}

func TestMetrics_ReportsPortUtilization(t *testing.T) {
	reg := tunnel.NewRegistry(10)
	alloc := tunnel.NewPortAllocator(40000, 40009) // 10 ports
	if _, err := alloc.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Metrics("server-1", time.Now(), reg, alloc)(w, req)

	var resp MetricsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.PortUtilization != 0.1 {
		t.Errorf("PortUtilization = %v, want 0.1 (1/10)", resp.PortUtilization)
	}
}
