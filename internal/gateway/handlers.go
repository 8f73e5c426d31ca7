package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/courtflow/courtflow/internal/apperr"
	"github.com/courtflow/courtflow/internal/realtime"
)

// handleHealth is the liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondData(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealthDetailed aggregates adapter, cache, store and hub health.
func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	venues := make(map[string]bool, len(s.venues))
	degraded := false
	for _, venue := range s.venues {
		healthy := venue.Healthy()
		venues[venue.Name()] = healthy
		if !healthy {
			degraded = true
		}
	}

	cacheOK := s.cache != nil && s.cache.Ping(ctx) == nil
	storeOK := s.store != nil && s.store.PingContext(ctx) == nil
	if !cacheOK || !storeOK {
		degraded = true
	}

	total, _ := s.hub.Stats()
	status := "ok"
	if degraded {
		status = "degraded"
	}

	respondData(w, http.StatusOK, map[string]interface{}{
		"status": status,
		"venues": venues,
		"cache":  cacheOK,
		"store":  storeOK,
		"websocket": map[string]interface{}{
			"connections": total,
		},
	})
}

// handleStatus reports uptime and version.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondData(w, http.StatusOK, map[string]interface{}{
		"version":       s.cfg.Server.Version,
		"uptimeSeconds": int(time.Since(s.started).Seconds()),
		"startedAt":     s.started.UTC().Format(time.RFC3339),
	})
}

// queryInt reads an integer query parameter with a default.
func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// queryTimeframe reads the timeframe parameter as a duration.
func queryTimeframe(r *http.Request) time.Duration {
	if v := r.URL.Query().Get("timeframe"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return 0
}

// handleMetrics serves the most recent ring records.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	records := s.ring.Snapshot()
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	respondData(w, http.StatusOK, map[string]interface{}{
		"records":  records,
		"count":    len(records),
		"capacity": s.ring.Capacity(),
	})
}

// handlePerformance serves the derived rolling view.
func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, s.ring.Summarize(queryInt(r, "limit", 10), queryTimeframe(r)))
}

// handleWSStatus reports hub connection counts per user.
func (s *Server) handleWSStatus(w http.ResponseWriter, _ *http.Request) {
	total, perUser := s.hub.Stats()
	respondData(w, http.StatusOK, map[string]interface{}{
		"totalConnections": total,
		"userConnections":  perUser,
	})
}

// handleWSTestMessage injects a broadcast, or a targeted message when
// userId is set. Operational tooling.
func (s *Server) handleWSTestMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type   string      `json:"type"`
		UserID string      `json:"userId,omitempty"`
		Data   interface{} `json:"data,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, apperr.Validation("invalid message body"))
		return
	}
	if req.Type == "" {
		req.Type = "system_notification"
	}

	msg := realtime.Message{Type: req.Type, Data: req.Data}
	if req.UserID != "" {
		s.hub.SendToUser(req.UserID, msg)
	} else {
		s.hub.Broadcast(msg)
	}
	respondData(w, http.StatusOK, map[string]string{"delivered": "queued"})
}
