// Package handlers holds the admin HTTP surface's route handlers: the
// health and metrics endpoints named in spec.md §6, reporting on the
// in-process Tunnel Registry and Port Allocator rather than the app/
// deployment domain the teacher's handlers package covers.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/websoft9/tunneld/internal/tunnel"
)

// HealthResponse is the body of GET /health (spec.md §6).
type HealthResponse struct {
	ServerID          string  `json:"server_id"`
	ActiveConnections int     `json:"active_connections"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
	TotalRequests     int64   `json:"total_requests"`
	FailedRequests    int64   `json:"failed_requests"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
}

// MetricsResponse is the body of GET /metrics: everything /health reports,
// plus port_utilization (spec.md §6).
type MetricsResponse struct {
	HealthResponse
	PortUtilization float64 `json:"port_utilization"`
}

// aggregate sums per-session counters across every live session in reg, and
// reports a weighted average response time across them.
func aggregate(reg *tunnel.Registry) (total, failed int64, avgMs float64) {
	sessions := reg.All()
	var sumMs float64
	for _, sess := range sessions {
		st := sess.Stats()
		total += st.TotalRequests
		failed += st.FailedRequests
		sumMs += st.AvgResponseTimeMs * float64(st.TotalRequests)
	}
	if total > 0 {
		avgMs = sumMs / float64(total)
	}
	return total, failed, avgMs
}

// Health returns a handler for GET /health reporting serverID, the
// registry's live session count, process uptime since startedAt, and
// aggregate request counters (spec.md §6).
func Health(serverID string, startedAt time.Time, reg *tunnel.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		total, failed, avgMs := aggregate(reg)
		resp := HealthResponse{
			ServerID:          serverID,
			ActiveConnections: reg.Count(),
			UptimeSeconds:     time.Since(startedAt).Seconds(),
			TotalRequests:     total,
			FailedRequests:    failed,
			AvgResponseTimeMs: avgMs,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// Metrics returns a handler for GET /metrics: /health's body plus
// port_utilization = leased/(END-START+1) (spec.md §6).
func Metrics(serverID string, startedAt time.Time, reg *tunnel.Registry, alloc *tunnel.PortAllocator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		total, failed, avgMs := aggregate(reg)
		rangeSize := alloc.RangeSize()
		utilization := 0.0
		if rangeSize > 0 {
			utilization = float64(alloc.LeasedCount()) / float64(rangeSize)
		}
		resp := MetricsResponse{
			HealthResponse: HealthResponse{
				ServerID:          serverID,
				ActiveConnections: reg.Count(),
				UptimeSeconds:     time.Since(startedAt).Seconds(),
				TotalRequests:     total,
				FailedRequests:    failed,
				AvgResponseTimeMs: avgMs,
			},
			PortUtilization: utilization,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
