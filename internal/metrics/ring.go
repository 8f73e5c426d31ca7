// Package metrics keeps the in-memory request-metrics ring and the
// Prometheus registry exposed by the gateway.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Record is one completed ingress request.
type Record struct {
	RequestID  string        `json:"requestId"`
	Method     string        `json:"method"`
	Path       string        `json:"path"`
	StatusCode int           `json:"statusCode"`
	Latency    time.Duration `json:"latencyMs"`
	UserID     string        `json:"userId,omitempty"`
	ClientAddr string        `json:"clientAddr"`
	UserAgent  string        `json:"userAgent,omitempty"`
	ReceivedAt time.Time     `json:"receivedAt"`
}

// Ring is a bounded buffer of request records. Appends are O(1); oldest
// records are silently discarded once capacity is reached. Readers always
// see a consistent snapshot.
type Ring struct {
	mu       sync.Mutex
	records  []Record
	capacity int
	head     int // next write position
	size     int
}

// DefaultCapacity matches the platform default of 1000 records.
const DefaultCapacity = 1000

// NewRing creates a ring with the given capacity (DefaultCapacity if <= 0).
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		records:  make([]Record, capacity),
		capacity: capacity,
	}
}

// Append adds a record, evicting the oldest when full.
func (r *Ring) Append(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[r.head] = rec
	r.head = (r.head + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	}
}

// Len returns the number of stored records.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity returns the fixed capacity.
func (r *Ring) Capacity() int { return r.capacity }

// Snapshot returns the stored records in insertion order, oldest first.
func (r *Ring) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, r.size)
	start := r.head - r.size
	if start < 0 {
		start += r.capacity
	}
	for i := 0; i < r.size; i++ {
		out = append(out, r.records[(start+i)%r.capacity])
	}
	return out
}

// window returns records received at or after the cutoff.
func (r *Ring) window(timeframe time.Duration) []Record {
	all := r.Snapshot()
	if timeframe <= 0 {
		return all
	}
	cutoff := time.Now().Add(-timeframe)
	out := all[:0:0]
	for _, rec := range all {
		if !rec.ReceivedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out
}

// AverageLatency returns the mean latency over the timeframe (default 5m).
func (r *Ring) AverageLatency(timeframe time.Duration) time.Duration {
	if timeframe <= 0 {
		timeframe = 5 * time.Minute
	}
	recs := r.window(timeframe)
	if len(recs) == 0 {
		return 0
	}
	var total time.Duration
	for _, rec := range recs {
		total += rec.Latency
	}
	return total / time.Duration(len(recs))
}

// ErrorRate returns the fraction of requests with status >= 400.
func (r *Ring) ErrorRate(timeframe time.Duration) float64 {
	recs := r.window(timeframe)
	if len(recs) == 0 {
		return 0
	}
	errors := 0
	for _, rec := range recs {
		if rec.StatusCode >= 400 {
			errors++
		}
	}
	return float64(errors) / float64(len(recs))
}

// RequestsPerMinute derives the request rate over the timeframe.
func (r *Ring) RequestsPerMinute(timeframe time.Duration) float64 {
	if timeframe <= 0 {
		timeframe = 5 * time.Minute
	}
	recs := r.window(timeframe)
	minutes := timeframe.Minutes()
	if minutes <= 0 {
		return 0
	}
	return float64(len(recs)) / minutes
}

// EndpointStat aggregates one method+path key.
type EndpointStat struct {
	Endpoint   string        `json:"endpoint"`
	Count      int           `json:"count"`
	AvgLatency time.Duration `json:"avgLatencyMs"`
}

// TopEndpoints returns the N busiest endpoints by count, with mean latency
// as the tiebreaker.
func (r *Ring) TopEndpoints(n int, timeframe time.Duration) []EndpointStat {
	recs := r.window(timeframe)

	type agg struct {
		count int
		total time.Duration
	}
	byKey := make(map[string]*agg)
	for _, rec := range recs {
		key := rec.Method + " " + rec.Path
		a, ok := byKey[key]
		if !ok {
			a = &agg{}
			byKey[key] = a
		}
		a.count++
		a.total += rec.Latency
	}

	stats := make([]EndpointStat, 0, len(byKey))
	for key, a := range byKey {
		stats = append(stats, EndpointStat{
			Endpoint:   key,
			Count:      a.count,
			AvgLatency: a.total / time.Duration(a.count),
		})
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].AvgLatency < stats[j].AvgLatency
	})

	if n > 0 && len(stats) > n {
		stats = stats[:n]
	}
	return stats
}

// Summary is the derived view served by /api/performance.
type Summary struct {
	Records          int            `json:"records"`
	AvgLatencyMs     float64        `json:"avgLatencyMs"`
	ErrorRate        float64        `json:"errorRate"`
	RequestsPerMin   float64        `json:"requestsPerMinute"`
	TopEndpoints     []EndpointStat `json:"topEndpoints"`
	WindowSeconds    float64        `json:"windowSeconds"`
}

// Summarize derives the rolling view over the timeframe (default 5m).
func (r *Ring) Summarize(topN int, timeframe time.Duration) Summary {
	if timeframe <= 0 {
		timeframe = 5 * time.Minute
	}
	return Summary{
		Records:        len(r.window(timeframe)),
		AvgLatencyMs:   float64(r.AverageLatency(timeframe)) / float64(time.Millisecond),
		ErrorRate:      r.ErrorRate(timeframe),
		RequestsPerMin: r.RequestsPerMinute(timeframe),
		TopEndpoints:   r.TopEndpoints(topN, timeframe),
		WindowSeconds:  timeframe.Seconds(),
	}
}
