package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/ydb-platform/ydb-go-sdk/v3"
	"github.com/ydb-platform/ydb-go-sdk/v3/table"
	"github.com/ydb-platform/ydb-go-sdk/v3/table/result/named"
	"github.com/ydb-platform/ydb-go-sdk/v3/table/types"
	"go.uber.org/zap"

	"github.com/pinwarden/pinwarden/internal/models"
)

// YDBArchive persists pin records in a YDB table so the registry can be
// warm-started and records can carry an external metadata link. It
// implements registry.Archive.
type YDBArchive struct {
	driver *ydb.Driver
	table  string
	logger *zap.Logger
}

// Config holds archive connection settings.
type Config struct {
	Endpoint    string
	Database    string
	TablePrefix string
}

// Open connects to YDB and returns an archive rooted at the configured
// table prefix.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*YDBArchive, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	driver, err := ydb.Open(ctx, cfg.Endpoint, ydb.WithDatabase(cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to YDB: %w", err)
	}
	prefix := cfg.TablePrefix
	if prefix == "" {
		prefix = "pinwarden"
	}
	return &YDBArchive{
		driver: driver,
		table:  path.Join(cfg.Database, prefix+"_pins"),
		logger: logger,
	}, nil
}

// Close releases the underlying driver.
func (a *YDBArchive) Close(ctx context.Context) error {
	return a.driver.Close(ctx)
}

// EnsureSchema creates the pin table when it does not exist yet.
func (a *YDBArchive) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			cid Utf8 NOT NULL,
			backends Json,
			metadata Json,
			last_check Timestamp,
			external_link Utf8,
			PRIMARY KEY (cid)
		)`, "`"+a.table+"`")

	err := a.driver.Table().Do(ctx, func(ctx context.Context, s table.Session) error {
		return s.ExecuteSchemeQuery(ctx, ddl)
	})
	if err != nil {
		return fmt.Errorf("failed to create pin table: %w", err)
	}
	a.logger.Info("pin archive schema ensured", zap.String("table", a.table))
	return nil
}

// SavePin upserts one pin record.
func (a *YDBArchive) SavePin(ctx context.Context, record models.PinRecord) error {
	backends, err := json.Marshal(record.Backends)
	if err != nil {
		return fmt.Errorf("failed to encode backends for %s: %w", record.CID, err)
	}
	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata for %s: %w", record.CID, err)
	}

	query := fmt.Sprintf(`
		DECLARE $cid AS Utf8;
		DECLARE $backends AS Json;
		DECLARE $metadata AS Json;
		DECLARE $last_check AS Timestamp;
		DECLARE $external_link AS Utf8;
		UPSERT INTO %s (cid, backends, metadata, last_check, external_link)
		VALUES ($cid, $backends, $metadata, $last_check, $external_link)`,
		"`"+a.table+"`")

	err = a.driver.Table().Do(ctx, func(ctx context.Context, s table.Session) error {
		_, _, err := s.Execute(ctx, table.DefaultTxControl(), query,
			table.NewQueryParameters(
				table.ValueParam("$cid", types.UTF8Value(record.CID)),
				table.ValueParam("$backends", types.JSONValue(string(backends))),
				table.ValueParam("$metadata", types.JSONValue(string(metadata))),
				table.ValueParam("$last_check", types.TimestampValueFromTime(record.LastCheck)),
				table.ValueParam("$external_link", types.UTF8Value(record.ExternalLink)),
			))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upsert pin %s: %w", record.CID, err)
	}
	return nil
}

// LoadPins reads every archived pin record.
func (a *YDBArchive) LoadPins(ctx context.Context) ([]models.PinRecord, error) {
	query := fmt.Sprintf(
		"SELECT cid, backends, metadata, last_check, external_link FROM %s",
		"`"+a.table+"`")

	var records []models.PinRecord
	err := a.driver.Table().Do(ctx, func(ctx context.Context, s table.Session) error {
		_, res, err := s.Execute(ctx, table.DefaultTxControl(), query, nil)
		if err != nil {
			return err
		}
		defer res.Close()

		records = records[:0]
		for res.NextResultSet(ctx) {
			for res.NextRow() {
				var (
					cid          string
					backendsJSON string
					metadataJSON string
					lastCheck    time.Time
					externalLink string
				)
				if err := res.ScanNamed(
					named.OptionalWithDefault("cid", &cid),
					named.OptionalWithDefault("backends", &backendsJSON),
					named.OptionalWithDefault("metadata", &metadataJSON),
					named.OptionalWithDefault("last_check", &lastCheck),
					named.OptionalWithDefault("external_link", &externalLink),
				); err != nil {
					return err
				}

				rec := models.PinRecord{
					CID:          cid,
					Metadata:     make(map[string]interface{}),
					LastCheck:    lastCheck,
					ExternalLink: externalLink,
				}
				if backendsJSON != "" {
					if err := json.Unmarshal([]byte(backendsJSON), &rec.Backends); err != nil {
						a.logger.Warn("skipping pin with malformed backends column",
							zap.String("cid", cid), zap.Error(err))
						continue
					}
				}
				if metadataJSON != "" {
					if err := json.Unmarshal([]byte(metadataJSON), &rec.Metadata); err != nil {
						a.logger.Warn("skipping pin with malformed metadata column",
							zap.String("cid", cid), zap.Error(err))
						continue
					}
				}
				records = append(records, rec)
			}
		}
		return res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load pins: %w", err)
	}
	return records, nil
}

// DeletePin removes one archived record.
func (a *YDBArchive) DeletePin(ctx context.Context, cid string) error {
	query := fmt.Sprintf(`
		DECLARE $cid AS Utf8;
		DELETE FROM %s WHERE cid = $cid`, "`"+a.table+"`")

	err := a.driver.Table().Do(ctx, func(ctx context.Context, s table.Session) error {
		_, _, err := s.Execute(ctx, table.DefaultTxControl(), query,
			table.NewQueryParameters(
				table.ValueParam("$cid", types.UTF8Value(cid)),
			))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete pin %s: %w", cid, err)
	}
	return nil
}
