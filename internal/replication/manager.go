// Package replication reconciles desired vs. actual pin placement across the
// backend catalog and keeps traffic and registry state in step with every
// replication call.
package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pinwarden/pinwarden/internal/catalog"
	"github.com/pinwarden/pinwarden/internal/eventbus"
	"github.com/pinwarden/pinwarden/internal/logging"
	"github.com/pinwarden/pinwarden/internal/models"
	"github.com/pinwarden/pinwarden/internal/policy"
	"github.com/pinwarden/pinwarden/internal/registry"
	"github.com/pinwarden/pinwarden/internal/telemetry"
	"github.com/pinwarden/pinwarden/internal/traffic"
)

const eventSource = "replication-manager"

// HealthSnapshotProvider reports the last observed health of a backend. A
// backend with no entry is treated as unavailable for selection.
type HealthSnapshotProvider interface {
	Health(ctx context.Context, backend string) (models.BackendHealth, bool)
}

// Options carries the optional collaborators.
type Options struct {
	Policy  policy.Engine
	Archive registry.Archive
	Bus     eventbus.Publisher
	Logger  logging.Logger
}

// Manager owns the pin registry and traffic counters and drives all
// replication, backup and reporting operations.
type Manager struct {
	catalog     *catalog.Catalog
	registry    *registry.Registry
	traffic     *traffic.Counter
	health      HealthSnapshotProvider
	replicators map[models.BackendClass]Replicator

	policy  policy.Engine
	archive registry.Archive
	bus     eventbus.Publisher
	logger  logging.Logger

	settingsMu sync.RWMutex
	settings   models.ReplicationSettings

	pinLocks keyedMutex
}

// NewManager wires a manager from its collaborators. Policy, archive and bus
// may be left unset in Options.
func NewManager(
	cat *catalog.Catalog,
	reg *registry.Registry,
	counter *traffic.Counter,
	health HealthSnapshotProvider,
	replicators map[models.BackendClass]Replicator,
	settings models.ReplicationSettings,
	opts Options,
) (*Manager, error) {
	if !settings.Valid() {
		return nil, fmt.Errorf("invalid replication settings: min=%d target=%d max=%d",
			settings.MinReplicas, settings.TargetReplicas, settings.MaxReplicas)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	bus := opts.Bus
	if bus == nil {
		bus = eventbus.Noop{}
	}
	return &Manager{
		catalog:     cat,
		registry:    reg,
		traffic:     counter,
		health:      health,
		replicators: replicators,
		policy:      opts.Policy,
		archive:     opts.Archive,
		bus:         bus,
		logger:      logger,
		settings:    settings,
	}, nil
}

// Settings returns the current replication policy.
func (m *Manager) Settings() models.ReplicationSettings {
	m.settingsMu.RLock()
	defer m.settingsMu.RUnlock()
	return m.settings
}

// SetSettings replaces the replication policy wholesale. It takes effect on
// the next reconciliation.
func (m *Manager) SetSettings(s models.ReplicationSettings) error {
	if !s.Valid() {
		return fmt.Errorf("invalid replication settings: min=%d target=%d max=%d",
			s.MinReplicas, s.TargetReplicas, s.MaxReplicas)
	}
	m.settingsMu.Lock()
	m.settings = s
	m.settingsMu.Unlock()
	return nil
}

// PinStatus is the per-CID view returned by Status.
type PinStatus struct {
	CID          string                   `json:"cid"`
	Backends     []string                 `json:"backends"`
	ReplicaCount int                      `json:"replica_count"`
	Metadata     map[string]interface{}   `json:"metadata"`
	LastCheck    time.Time                `json:"last_check"`
	Health       models.ReplicationHealth `json:"health"`
}

// SummaryReport aggregates replication health over all pins.
type SummaryReport struct {
	TotalPins       int     `json:"total_pins"`
	UnderReplicated int     `json:"under_replicated"`
	OverReplicated  int     `json:"over_replicated"`
	EfficiencyScore float64 `json:"efficiency_score"`
}

// Status returns the placement and health classification for one CID.
func (m *Manager) Status(cid string) (PinStatus, error) {
	rec, ok := m.registry.Get(cid)
	if !ok {
		return PinStatus{}, fmt.Errorf("pin %s not found", cid)
	}
	return PinStatus{
		CID:          rec.CID,
		Backends:     rec.Backends,
		ReplicaCount: len(rec.Backends),
		Metadata:     rec.Metadata,
		LastCheck:    rec.LastCheck,
		Health:       classifyHealth(len(rec.Backends), m.Settings()),
	}, nil
}

// Summary classifies every pin and reports the under/over counts plus an
// efficiency score. An empty registry scores 100.
func (m *Manager) Summary() SummaryReport {
	settings := m.Settings()
	pins := m.registry.List()

	report := SummaryReport{TotalPins: len(pins)}
	for _, rec := range pins {
		switch classifyHealth(len(rec.Backends), settings) {
		case models.ReplicationCritical, models.ReplicationWarning:
			report.UnderReplicated++
		case models.ReplicationExcess:
			report.OverReplicated++
		}
	}
	if report.TotalPins == 0 {
		report.EfficiencyScore = 100
		return report
	}
	healthy := report.TotalPins - report.UnderReplicated - report.OverReplicated
	report.EfficiencyScore = float64(healthy) / float64(report.TotalPins) * 100
	return report
}

func classifyHealth(count int, s models.ReplicationSettings) models.ReplicationHealth {
	switch {
	case count < s.MinReplicas:
		return models.ReplicationCritical
	case count < s.TargetReplicas:
		return models.ReplicationWarning
	case count > s.MaxReplicas:
		return models.ReplicationExcess
	default:
		return models.ReplicationHealthy
	}
}

// ReplicateRequest names one reconciliation call.
type ReplicateRequest struct {
	CID          string   `json:"cid"`
	Targets      []string `json:"targets,omitempty"`
	Force        bool     `json:"force"`
	ExternalLink string   `json:"external_link,omitempty"`
}

// BackendResult holds the outcome for a single target backend.
type BackendResult struct {
	Success  bool                   `json:"success"`
	Error    string                 `json:"error,omitempty"`
	Skipped  bool                   `json:"skipped,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// TrafficSummary aggregates a single fan-out.
type TrafficSummary struct {
	SuccessfulBackends int     `json:"successful_backends"`
	FailedBackends     int     `json:"failed_backends"`
	SuccessRate        float64 `json:"success_rate"`
}

// ReplicateResult is the composite outcome of one ReplicatePin call.
type ReplicateResult struct {
	CID     string                   `json:"cid"`
	Success bool                     `json:"success"`
	Results map[string]BackendResult `json:"replication_results"`
	Traffic TrafficSummary           `json:"traffic_summary"`
}

// ReplicatePin fans the pin out to the target backends. Without explicit
// targets the healthy, policy-eligible backends are selected by ascending
// priority up to target_replicas. Fan-out is best-effort: one backend
// failing never aborts the others, and the call succeeds when any backend
// succeeded. Calls for the same CID are serialized; distinct CIDs proceed
// in parallel.
func (m *Manager) ReplicatePin(ctx context.Context, req ReplicateRequest) (*ReplicateResult, error) {
	if req.CID == "" {
		return nil, fmt.Errorf("cid is required")
	}

	unlock := m.pinLocks.lock(req.CID)
	defer unlock()

	ctx, span := telemetry.StartSpan(ctx, "replication.replicate_pin")
	defer span.End()
	start := time.Now()

	existing, _ := m.registry.Get(req.CID)
	sizeBytes := existing.SizeBytes()

	targets := req.Targets
	if len(targets) == 0 {
		selected, err := m.selectBackends(ctx, req.CID, sizeBytes)
		if err != nil {
			return nil, err
		}
		for _, d := range selected {
			targets = append(targets, d.Name)
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no eligible backends for %s", req.CID)
	}

	result := &ReplicateResult{
		CID:     req.CID,
		Results: make(map[string]BackendResult, len(targets)),
	}

	for _, name := range targets {
		if !req.Force && existing.HasBackend(name) {
			result.Results[name] = BackendResult{Success: true, Skipped: true}
			result.Traffic.SuccessfulBackends++
			continue
		}
		br := m.replicateToBackend(ctx, req.CID, name, sizeBytes, req.ExternalLink)
		result.Results[name] = br
		if br.Success {
			result.Traffic.SuccessfulBackends++
		} else {
			result.Traffic.FailedBackends++
		}
	}

	attempted := result.Traffic.SuccessfulBackends + result.Traffic.FailedBackends
	if attempted > 0 {
		result.Traffic.SuccessRate = float64(result.Traffic.SuccessfulBackends) / float64(attempted) * 100
	}
	result.Success = result.Traffic.SuccessfulBackends > 0

	telemetry.RecordDuration(ctx, "pinwarden_replication", start,
		attribute.String("cid", req.CID))
	m.publishReplicationEvent(ctx, req.CID, result)

	m.logger.Info(ctx, "replication finished",
		zap.String("cid", req.CID),
		zap.Bool("success", result.Success),
		zap.Int("succeeded", result.Traffic.SuccessfulBackends),
		zap.Int("failed", result.Traffic.FailedBackends))
	return result, nil
}

func (m *Manager) replicateToBackend(ctx context.Context, cid, backend string, sizeBytes int64, externalLink string) BackendResult {
	desc, ok := m.catalog.Get(backend)
	if !ok {
		m.traffic.Record(backend, 0, false)
		return BackendResult{Error: fmt.Sprintf("unknown backend %s", backend)}
	}
	replicator, ok := m.replicators[desc.Class]
	if !ok {
		m.traffic.Record(backend, 0, false)
		return BackendResult{Error: fmt.Sprintf("no replicator for class %s", desc.Class)}
	}

	res, err := replicator.Replicate(ctx, cid, sizeBytes)
	if err != nil || !res.Success {
		if err == nil {
			err = fmt.Errorf("backend reported failure")
		}
		rerr := &ReplicationError{CID: cid, Backend: backend, Err: err}
		m.traffic.Record(backend, 0, false)
		telemetry.IncrementCounter(ctx, "pinwarden_replication_errors_total",
			attribute.String("backend", backend))
		m.logger.Warn(ctx, "backend replication failed",
			zap.String("cid", cid),
			zap.String("backend", backend),
			zap.Error(err))
		return BackendResult{Error: rerr.Error()}
	}

	m.traffic.Record(backend, sizeBytes, true)
	telemetry.IncrementCounter(ctx, "pinwarden_replications_total",
		attribute.String("backend", backend))

	rec := m.registry.MergeBackend(cid, backend, sizeBytes, externalLink)
	m.persist(ctx, rec)

	return BackendResult{Success: true, Metadata: res.Metadata}
}

// selectBackends filters the catalog to backends the snapshot reports as
// healthy (missing entries are excluded) and the policy engine accepts,
// then takes the first target_replicas in ascending priority order.
func (m *Manager) selectBackends(ctx context.Context, cid string, sizeBytes int64) ([]models.BackendDescriptor, error) {
	settings := m.Settings()
	var selected []models.BackendDescriptor

	for _, desc := range m.catalog.All() {
		health, ok := m.health.Health(ctx, desc.Name)
		if !ok || health != models.BackendHealthy {
			continue
		}
		if m.policy != nil {
			eligible, err := m.policy.Eligible(ctx, desc, policy.PinInput{CID: cid, SizeBytes: sizeBytes})
			if err != nil {
				return nil, fmt.Errorf("evaluating placement policy for %s: %w", desc.Name, err)
			}
			if !eligible {
				continue
			}
		}
		selected = append(selected, desc)
		if len(selected) == settings.TargetReplicas {
			break
		}
	}
	return selected, nil
}

// UnreplicatePin removes a backend from a pin's placement. The record itself
// is never destroyed implicitly, even when its backend set becomes empty.
func (m *Manager) UnreplicatePin(ctx context.Context, cid, backend string) (PinStatus, error) {
	unlock := m.pinLocks.lock(cid)
	defer unlock()

	rec, ok := m.registry.Get(cid)
	if !ok {
		return PinStatus{}, fmt.Errorf("pin %s not found", cid)
	}
	if !rec.HasBackend(backend) {
		return PinStatus{}, fmt.Errorf("pin %s has no replica on %s", cid, backend)
	}

	if desc, ok := m.catalog.Get(backend); ok {
		if un, ok := m.replicators[desc.Class].(Unreplicator); ok {
			if err := un.Unreplicate(ctx, cid); err != nil {
				m.logger.Warn(ctx, "backend unreplicate failed",
					zap.String("cid", cid),
					zap.String("backend", backend),
					zap.Error(err))
			}
		}
	}

	rec, _ = m.registry.RemoveBackend(cid, backend)
	m.persist(ctx, rec)

	m.publishEvent(ctx, eventbus.EventUnreplicated, cid, map[string]interface{}{
		"cid":     cid,
		"backend": backend,
	})

	return PinStatus{
		CID:          rec.CID,
		Backends:     rec.Backends,
		ReplicaCount: len(rec.Backends),
		Metadata:     rec.Metadata,
		LastCheck:    rec.LastCheck,
		Health:       classifyHealth(len(rec.Backends), m.Settings()),
	}, nil
}

// MappingEntry is one row of the CID-to-backend mapping report.
type MappingEntry struct {
	CID       string   `json:"cid"`
	Backends  []string `json:"backends"`
	SizeBytes int64    `json:"size_bytes"`
}

// Mappings returns the read-only CID placement table.
func (m *Manager) Mappings() []MappingEntry {
	pins := m.registry.List()
	out := make([]MappingEntry, 0, len(pins))
	for _, rec := range pins {
		out = append(out, MappingEntry{
			CID:       rec.CID,
			Backends:  rec.Backends,
			SizeBytes: rec.SizeBytes(),
		})
	}
	return out
}

// TrafficReport pairs the per-backend counters with session totals.
type TrafficReport struct {
	Backends models.TrafficSnapshot `json:"backends"`
	Totals   traffic.Summary        `json:"totals"`
}

// Traffic returns a read-only traffic report. No side effects.
func (m *Manager) Traffic() TrafficReport {
	return TrafficReport{
		Backends: m.traffic.Snapshot(),
		Totals:   m.traffic.Summarize(),
	}
}

func (m *Manager) persist(ctx context.Context, rec models.PinRecord) {
	if m.archive == nil {
		return
	}
	if err := m.archive.SavePin(ctx, rec); err != nil {
		m.logger.Warn(ctx, "archiving pin record failed",
			zap.String("cid", rec.CID),
			zap.Error(err))
	}
}

func (m *Manager) publishReplicationEvent(ctx context.Context, cid string, result *ReplicateResult) {
	eventType := eventbus.EventReplicationCompleted
	if !result.Success {
		eventType = eventbus.EventReplicationFailed
	}
	m.publishEvent(ctx, eventType, cid, map[string]interface{}{
		"cid":          cid,
		"successful":   result.Traffic.SuccessfulBackends,
		"failed":       result.Traffic.FailedBackends,
		"success_rate": result.Traffic.SuccessRate,
	})
}

func (m *Manager) publishEvent(ctx context.Context, eventType eventbus.EventType, subject string, data map[string]interface{}) {
	event := eventbus.NewEvent(eventType, eventSource, subject, data)
	if err := m.bus.PublishEvent(ctx, event); err != nil {
		m.logger.Warn(ctx, "publishing event failed",
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}

// keyedMutex serializes operations per CID while letting distinct CIDs run
// concurrently.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*lockEntry)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
