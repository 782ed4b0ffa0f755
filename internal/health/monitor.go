// Package health keeps a periodically refreshed health snapshot of every
// backend in the catalog.
package health

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pinwarden/pinwarden/internal/catalog"
	"github.com/pinwarden/pinwarden/internal/logging"
	"github.com/pinwarden/pinwarden/internal/models"
)

// Monitor probes backend health endpoints on a fixed interval and serves
// the latest snapshot to the replication manager. Backends without a
// health endpoint are recorded healthy; a probe failure marks the backend
// unhealthy until the next successful probe.
type Monitor struct {
	catalog  *catalog.Catalog
	interval time.Duration
	client   *http.Client
	logger   logging.Logger

	mu       sync.RWMutex
	snapshot map[string]models.BackendHealth

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor over the catalog. A zero interval defaults
// to 30s.
func NewMonitor(cat *catalog.Catalog, interval time.Duration, logger logging.Logger) *Monitor {
	if interval == 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Monitor{
		catalog:  cat,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
		snapshot: make(map[string]models.BackendHealth),
		stopCh:   make(chan struct{}),
	}
}

// Start performs an initial sweep and launches the refresh loop.
func (m *Monitor) Start(ctx context.Context) {
	m.sweep(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop terminates the refresh loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	for _, desc := range m.catalog.All() {
		health := m.probe(ctx, desc)
		m.SetHealth(desc.Name, health)
		if health != models.BackendHealthy {
			m.logger.Warn(ctx, "backend health degraded",
				zap.String("backend", desc.Name),
				zap.String("health", string(health)))
		}
	}
}

func (m *Monitor) probe(ctx context.Context, desc models.BackendDescriptor) models.BackendHealth {
	if desc.HealthEndpoint == "" {
		return models.BackendHealthy
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.HealthEndpoint, nil)
	if err != nil {
		return models.BackendUnhealthy
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return models.BackendUnhealthy
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return models.BackendHealthy
	case resp.StatusCode >= 500:
		return models.BackendUnhealthy
	default:
		return models.BackendDegraded
	}
}

// SetHealth records one backend's health in the snapshot.
func (m *Monitor) SetHealth(backend string, health models.BackendHealth) {
	m.mu.Lock()
	m.snapshot[backend] = health
	m.mu.Unlock()
}

// Health returns the last observed health of a backend. The second return
// is false when the backend has never been observed.
func (m *Monitor) Health(ctx context.Context, backend string) (models.BackendHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.snapshot[backend]
	return h, ok
}

// Snapshot returns a copy of the full health map.
func (m *Monitor) Snapshot() map[string]models.BackendHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]models.BackendHealth, len(m.snapshot))
	for k, v := range m.snapshot {
		out[k] = v
	}
	return out
}
