package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pinwarden/pinwarden/internal/models"
)

// Archive persists pin records outside the process. Implementations live in
// internal/storage; a nil archive disables persistence.
type Archive interface {
	SavePin(ctx context.Context, record models.PinRecord) error
	LoadPins(ctx context.Context) ([]models.PinRecord, error)
	DeletePin(ctx context.Context, cid string) error
}

// Registry is the in-memory pin placement store. It is owned by the
// replication manager and guarded internally, so callers never see the raw
// map. Reads return copies.
type Registry struct {
	mu   sync.RWMutex
	pins map[string]*models.PinRecord
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{pins: make(map[string]*models.PinRecord)}
}

// Get returns a copy of the record for cid.
func (r *Registry) Get(cid string) (models.PinRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.pins[cid]
	if !ok {
		return models.PinRecord{}, false
	}
	return copyRecord(rec), true
}

// Upsert stores a full record, replacing any existing one.
func (r *Registry) Upsert(record models.PinRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := copyRecord(&record)
	r.pins[record.CID] = &stored
}

// MergeBackend adds backend to cid's record, creating the record on the
// first successful replication. Size is stored in metadata when known, and
// the backend set is mirrored into the backend_locations metadata key.
func (r *Registry) MergeBackend(cid, backend string, sizeBytes int64, externalLink string) models.PinRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.pins[cid]
	if !ok {
		rec = &models.PinRecord{
			CID:      cid,
			Metadata: make(map[string]interface{}),
		}
		r.pins[cid] = rec
	}
	if !rec.HasBackend(backend) {
		rec.Backends = append(rec.Backends, backend)
		sort.Strings(rec.Backends)
	}
	if sizeBytes > 0 {
		rec.Metadata["size_bytes"] = sizeBytes
	}
	rec.Metadata["backend_locations"] = append([]string(nil), rec.Backends...)
	if externalLink != "" {
		rec.ExternalLink = externalLink
	}
	rec.LastCheck = time.Now().UTC()
	return copyRecord(rec)
}

// RemoveBackend drops backend from cid's record. The record itself survives
// even when its backend set becomes empty; removal of pins is explicit.
func (r *Registry) RemoveBackend(cid, backend string) (models.PinRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.pins[cid]
	if !ok {
		return models.PinRecord{}, false
	}
	kept := rec.Backends[:0]
	for _, b := range rec.Backends {
		if b != backend {
			kept = append(kept, b)
		}
	}
	rec.Backends = kept
	rec.Metadata["backend_locations"] = append([]string(nil), rec.Backends...)
	rec.LastCheck = time.Now().UTC()
	return copyRecord(rec), true
}

// Delete removes a pin record entirely.
func (r *Registry) Delete(cid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pins[cid]
	delete(r.pins, cid)
	return ok
}

// List returns copies of all records, ordered by CID for stable output.
func (r *Registry) List() []models.PinRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.PinRecord, 0, len(r.pins))
	for _, rec := range r.pins {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CID < out[j].CID })
	return out
}

// ForBackend returns copies of all records that list the given backend.
func (r *Registry) ForBackend(backend string) []models.PinRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.PinRecord
	for _, rec := range r.pins {
		if rec.HasBackend(backend) {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CID < out[j].CID })
	return out
}

// Len returns the number of tracked pins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pins)
}

func copyRecord(rec *models.PinRecord) models.PinRecord {
	out := models.PinRecord{
		CID:          rec.CID,
		Backends:     append([]string(nil), rec.Backends...),
		Metadata:     make(map[string]interface{}, len(rec.Metadata)),
		LastCheck:    rec.LastCheck,
		ExternalLink: rec.ExternalLink,
	}
	for k, v := range rec.Metadata {
		if locs, ok := v.([]string); ok {
			out.Metadata[k] = append([]string(nil), locs...)
			continue
		}
		out.Metadata[k] = v
	}
	return out
}
