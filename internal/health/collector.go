package health

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const latencyRingSize = 512

// Snapshot is the point-in-time view served by /healthz.
type Snapshot struct {
	Status            string  `json:"status"`
	ActiveConnections int     `json:"active_connections"`
	ActiveSessions    int     `json:"active_sessions"`
	CacheHitRatio     float64 `json:"cache_hit_ratio"`
	ThrottleRatio     float64 `json:"throttle_ratio"`
	GenerationP95Ms   float64 `json:"generation_p95_ms"`
	GenerationP99Ms   float64 `json:"generation_p99_ms"`
	UptimeSeconds     int64   `json:"uptime_seconds"`
}

// Collector aggregates live counters without touching the hot path.
// Connection and session counts come from provider funcs so the
// collector never holds registry or store locks itself.
type Collector struct {
	connections func() int
	sessions    func() int

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
	admitted    atomic.Int64
	throttled   atomic.Int64

	mu        sync.Mutex
	latencies [latencyRingSize]float64 // milliseconds
	latIdx    int
	latCount  int

	started time.Time
}

func NewCollector(connections, sessions func() int) *Collector {
	if connections == nil {
		connections = func() int { return 0 }
	}
	if sessions == nil {
		sessions = func() int { return 0 }
	}
	return &Collector{
		connections: connections,
		sessions:    sessions,
		started:     time.Now(),
	}
}

func (c *Collector) CacheHit()  { c.cacheHits.Add(1) }
func (c *Collector) CacheMiss() { c.cacheMisses.Add(1) }
func (c *Collector) Admitted()  { c.admitted.Add(1) }
func (c *Collector) Throttled() { c.throttled.Add(1) }

// ObserveGeneration records one generation duration into the ring.
func (c *Collector) ObserveGeneration(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	c.mu.Lock()
	c.latencies[c.latIdx] = ms
	c.latIdx = (c.latIdx + 1) % latencyRingSize
	if c.latCount < latencyRingSize {
		c.latCount++
	}
	c.mu.Unlock()
}

// Snapshot computes the current health view.
func (c *Collector) Snapshot() Snapshot {
	hits := c.cacheHits.Load()
	misses := c.cacheMisses.Load()
	admitted := c.admitted.Load()
	throttled := c.throttled.Load()

	s := Snapshot{
		Status:            "ok",
		ActiveConnections: c.connections(),
		ActiveSessions:    c.sessions(),
		UptimeSeconds:     int64(time.Since(c.started).Seconds()),
	}
	if hits+misses > 0 {
		s.CacheHitRatio = float64(hits) / float64(hits+misses)
	}
	if admitted+throttled > 0 {
		s.ThrottleRatio = float64(throttled) / float64(admitted+throttled)
	}
	s.GenerationP95Ms, s.GenerationP99Ms = c.percentiles()
	return s
}

func (c *Collector) percentiles() (p95, p99 float64) {
	c.mu.Lock()
	n := c.latCount
	buf := make([]float64, n)
	copy(buf, c.latencies[:n])
	c.mu.Unlock()

	if n == 0 {
		return 0, 0
	}
	sort.Float64s(buf)
	return buf[percentileIndex(n, 0.95)], buf[percentileIndex(n, 0.99)]
}

func percentileIndex(n int, q float64) int {
	idx := int(float64(n)*q) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}
