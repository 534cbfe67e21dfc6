package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Runtime       RuntimeMetrics  `json:"runtime"`
	WebSocket     WSMetrics       `json:"websocket"`
	Receivers     ReceiverMetrics `json:"receivers"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int    `json:"connected_clients"`
	DroppedMessages  uint64 `json:"dropped_messages"`
}

// ReceiverMetrics aggregates per-protocol client counters across receivers.
type ReceiverMetrics struct {
	Total            int    `json:"total"`
	Connected        int    `json:"connected"`
	CommandsSent     uint64 `json:"commands_sent"`
	FramesReceived   uint64 `json:"frames_received"`
	EventsDispatched uint64 `json:"events_dispatched"`
	Errors           uint64 `json:"errors"`
	Connects         uint64 `json:"connects"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
	}
	if s.hub != nil {
		metrics.WebSocket.ConnectedClients = s.hub.ClientCount()
		metrics.WebSocket.DroppedMessages = s.hub.Dropped()
	}

	for _, rh := range s.receivers.ReceiverHealth() {
		metrics.Receivers.Total++
		if rh.Connected {
			metrics.Receivers.Connected++
		}
		for _, st := range rh.Protocols {
			metrics.Receivers.CommandsSent += st.CommandsSent
			metrics.Receivers.FramesReceived += st.FramesReceived
			metrics.Receivers.EventsDispatched += st.EventsDispatched
			metrics.Receivers.Errors += st.Errors
			metrics.Receivers.Connects += st.Connects
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
