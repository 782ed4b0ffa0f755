package traffic

import (
	"sync"
	"time"

	"github.com/pinwarden/pinwarden/internal/models"
)

// Counter accumulates per-backend transfer statistics. Counters only grow,
// except through Reset.
type Counter struct {
	mu           sync.Mutex
	backends     map[string]*models.BackendTraffic
	sessionStart time.Time
}

// NewCounter creates a counter with the session clock started now.
func NewCounter() *Counter {
	return &Counter{
		backends:     make(map[string]*models.BackendTraffic),
		sessionStart: time.Now().UTC(),
	}
}

// Record accounts one operation against a backend. Bytes and file count are
// credited only on success; failures increment the error counter instead.
func (c *Counter) Record(backend string, bytes int64, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.backends[backend]
	if !ok {
		t = &models.BackendTraffic{}
		c.backends[backend] = t
	}
	t.Operations++
	if success {
		t.TrafficBytes += bytes
		t.FileCount++
	} else {
		t.Errors++
	}
}

// Snapshot returns a copy of all counters.
func (c *Counter) Snapshot() models.TrafficSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := models.TrafficSnapshot{
		Backends:     make(map[string]models.BackendTraffic, len(c.backends)),
		SessionStart: c.sessionStart,
	}
	for name, t := range c.backends {
		out.Backends[name] = *t
	}
	return out
}

// Summary aggregates all backends into session-wide totals.
type Summary struct {
	TotalBytes      int64     `json:"total_bytes"`
	TotalFiles      int64     `json:"total_files"`
	TotalOperations int64     `json:"total_operations"`
	TotalErrors     int64     `json:"total_errors"`
	SessionStart    time.Time `json:"session_start"`
}

// Summarize returns totals across every backend.
func (c *Counter) Summarize() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{SessionStart: c.sessionStart}
	for _, t := range c.backends {
		s.TotalBytes += t.TrafficBytes
		s.TotalFiles += t.FileCount
		s.TotalOperations += t.Operations
		s.TotalErrors += t.Errors
	}
	return s
}

// Reset clears all counters and restarts the session clock.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backends = make(map[string]*models.BackendTraffic)
	c.sessionStart = time.Now().UTC()
}
