package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/pinwarden/pinwarden/internal/eventbus"
	"github.com/pinwarden/pinwarden/internal/models"
)

// Backup is the on-disk backup document: a header plus the flat record list.
type Backup struct {
	BackendName string             `json:"backend_name"`
	ExportedAt  time.Time          `json:"exported_at"`
	PinCount    int                `json:"pin_count"`
	Pins        []models.PinRecord `json:"pins"`
}

// ImportSummary reports how an import went. Per-pin failures never abort
// the rest of the file.
type ImportSummary struct {
	BackendName string `json:"backend_name"`
	Imported    int    `json:"imported"`
	Failed      int    `json:"failed"`
}

// ExportBackup writes every pin referencing the backend to a JSON file.
func (m *Manager) ExportBackup(ctx context.Context, backend, path string) (Backup, error) {
	if !m.catalog.Contains(backend) {
		return Backup{}, fmt.Errorf("unknown backend %s", backend)
	}

	pins := m.registry.ForBackend(backend)
	backup := Backup{
		BackendName: backend,
		ExportedAt:  time.Now().UTC(),
		PinCount:    len(pins),
		Pins:        pins,
	}

	payload, err := json.MarshalIndent(backup, "", "  ")
	if err != nil {
		return Backup{}, &BackupIOError{Path: path, Op: "encode", Err: err}
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return Backup{}, &BackupIOError{Path: path, Op: "write", Err: err}
	}

	m.publishEvent(ctx, eventbus.EventBackupExported, backend, map[string]interface{}{
		"backend":   backend,
		"path":      path,
		"pin_count": len(pins),
	})
	m.logger.Info(ctx, "exported pin backup",
		zap.String("backend", backend),
		zap.String("path", path),
		zap.Int("pin_count", len(pins)))
	return backup, nil
}

// ImportBackup restores the records from a backup file. When targetBackend
// is set, each restored CID is additionally re-replicated to it. Import
// continues past per-pin failures and counts them. Backend names the
// catalog does not know are never installed: a record carrying them counts
// as failed, and only its catalog-member backends are restored.
func (m *Manager) ImportBackup(ctx context.Context, path, targetBackend string) (ImportSummary, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return ImportSummary{}, &BackupIOError{Path: path, Op: "read", Err: err}
	}
	var backup Backup
	if err := json.Unmarshal(payload, &backup); err != nil {
		return ImportSummary{}, &BackupIOError{Path: path, Op: "decode", Err: err}
	}
	if targetBackend != "" && !m.catalog.Contains(targetBackend) {
		return ImportSummary{}, fmt.Errorf("unknown target backend %s", targetBackend)
	}

	summary := ImportSummary{BackendName: backup.BackendName}
	for _, rec := range backup.Pins {
		if rec.CID == "" {
			summary.Failed++
			continue
		}
		known, unknown := m.splitCatalogBackends(rec.Backends)
		if len(unknown) > 0 {
			summary.Failed++
			m.logger.Warn(ctx, "dropping backup backends not in catalog",
				zap.String("cid", rec.CID),
				zap.Strings("backends", unknown))
			if len(known) > 0 {
				rec.Backends = known
				m.restoreRecord(rec)
			}
			continue
		}
		m.restoreRecord(rec)
		if targetBackend != "" {
			res, err := m.ReplicatePin(ctx, ReplicateRequest{
				CID:     rec.CID,
				Targets: []string{targetBackend},
				Force:   true,
			})
			if err != nil || !res.Success {
				summary.Failed++
				m.logger.Warn(ctx, "re-replication during import failed",
					zap.String("cid", rec.CID),
					zap.String("backend", targetBackend),
					zap.Error(err))
				continue
			}
		}
		summary.Imported++
	}

	m.publishEvent(ctx, eventbus.EventBackupImported, backup.BackendName, map[string]interface{}{
		"path":     path,
		"imported": summary.Imported,
		"failed":   summary.Failed,
	})
	m.logger.Info(ctx, "imported pin backup",
		zap.String("path", path),
		zap.Int("imported", summary.Imported),
		zap.Int("failed", summary.Failed))
	return summary, nil
}

// splitCatalogBackends separates backend names into catalog members and
// unknown names. Only members may enter the registry.
func (m *Manager) splitCatalogBackends(names []string) (known, unknown []string) {
	for _, name := range names {
		if m.catalog.Contains(name) {
			known = append(known, name)
		} else {
			unknown = append(unknown, name)
		}
	}
	return known, unknown
}

// restoreRecord merges one backup record into the registry, unioning the
// backend sets when the CID already exists.
func (m *Manager) restoreRecord(rec models.PinRecord) {
	unlock := m.pinLocks.lock(rec.CID)
	defer unlock()

	existing, ok := m.registry.Get(rec.CID)
	if !ok {
		m.registry.Upsert(rec)
		return
	}
	for _, b := range rec.Backends {
		if !existing.HasBackend(b) {
			existing.Backends = append(existing.Backends, b)
		}
	}
	if existing.Metadata == nil {
		existing.Metadata = make(map[string]interface{})
	}
	for k, v := range rec.Metadata {
		if _, found := existing.Metadata[k]; !found {
			existing.Metadata[k] = v
		}
	}
	if existing.ExternalLink == "" {
		existing.ExternalLink = rec.ExternalLink
	}
	m.registry.Upsert(existing)
}
