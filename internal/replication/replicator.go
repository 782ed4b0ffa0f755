package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/pinwarden/pinwarden/internal/execx"
)

// Result is the outcome of one backend-specific replication call.
type Result struct {
	Success  bool                   `json:"success"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Replicator performs the backend-specific copy of a pin. Implementations
// must be idempotent and safe to retry.
type Replicator interface {
	Replicate(ctx context.Context, cid string, sizeBytes int64) (Result, error)
}

// Unreplicator is implemented by replicators that support explicit removal.
type Unreplicator interface {
	Unreplicate(ctx context.Context, cid string) error
}

// ClusterPinReplicator pins content through a cluster HTTP API. Used for
// distributed-class backends.
type ClusterPinReplicator struct {
	BaseURL string
	Client  *http.Client
}

func (r *ClusterPinReplicator) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// Replicate issues POST /pins/<cid> against the cluster API.
func (r *ClusterPinReplicator) Replicate(ctx context.Context, cid string, sizeBytes int64) (Result, error) {
	endpoint := fmt.Sprintf("%s/pins/%s", r.BaseURL, url.PathEscape(cid))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("pinning %s: %w", cid, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("pinning %s: status %d", cid, resp.StatusCode)
	}
	return Result{
		Success: true,
		Metadata: map[string]interface{}{
			"api":    r.BaseURL,
			"method": "cluster_pin",
		},
	}, nil
}

// Unreplicate issues DELETE /pins/<cid>.
func (r *ClusterPinReplicator) Unreplicate(ctx context.Context, cid string) error {
	endpoint := fmt.Sprintf("%s/pins/%s", r.BaseURL, url.PathEscape(cid))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return fmt.Errorf("unpinning %s: %w", cid, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unpinning %s: status %d", cid, resp.StatusCode)
	}
	return nil
}

// CARArchiveReplicator exports a pin as a CAR archive on local disk, the
// handoff format for blockchain-class backends.
type CARArchiveReplicator struct {
	Binary    string
	OutputDir string
	Exec      execx.Executor
}

// Replicate runs `<binary> dag export <cid>` and stores the archive under
// OutputDir.
func (r *CARArchiveReplicator) Replicate(ctx context.Context, cid string, sizeBytes int64) (Result, error) {
	if err := os.MkdirAll(r.OutputDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("creating car output dir: %w", err)
	}
	out, err := r.Exec.Run(ctx, r.Binary, "dag", "export", cid)
	if err != nil {
		return Result{}, fmt.Errorf("exporting %s: %w", cid, err)
	}
	carPath := filepath.Join(r.OutputDir, cid+".car")
	if err := os.WriteFile(carPath, out, 0o644); err != nil {
		return Result{}, fmt.Errorf("writing %s: %w", carPath, err)
	}
	return Result{
		Success: true,
		Metadata: map[string]interface{}{
			"car_path": carPath,
			"car_size": len(out),
			"method":   "car_export",
		},
	}, nil
}

// Unreplicate removes the exported archive.
func (r *CARArchiveReplicator) Unreplicate(ctx context.Context, cid string) error {
	carPath := filepath.Join(r.OutputDir, cid+".car")
	if err := os.Remove(carPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", carPath, err)
	}
	return nil
}

// ColumnarSpoolReplicator appends pin rows to a newline-delimited JSON spool
// consumed by a downstream columnar-store loader. Used for cloud-class
// backends where the actual upload happens out of band.
type ColumnarSpoolReplicator struct {
	Dir string
}

type spoolRow struct {
	CID       string    `json:"cid"`
	SizeBytes int64     `json:"size_bytes"`
	Timestamp time.Time `json:"timestamp"`
}

// Replicate appends one row to the current spool file.
func (r *ColumnarSpoolReplicator) Replicate(ctx context.Context, cid string, sizeBytes int64) (Result, error) {
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("creating spool dir: %w", err)
	}
	spoolPath := filepath.Join(r.Dir, "pins.ndjson")
	f, err := os.OpenFile(spoolPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Result{}, fmt.Errorf("opening spool: %w", err)
	}
	defer f.Close()

	row := spoolRow{CID: cid, SizeBytes: sizeBytes, Timestamp: time.Now().UTC()}
	payload, err := json.Marshal(row)
	if err != nil {
		return Result{}, err
	}
	if _, err := f.Write(append(payload, '\n')); err != nil {
		return Result{}, fmt.Errorf("appending spool row: %w", err)
	}
	return Result{
		Success: true,
		Metadata: map[string]interface{}{
			"spool_path": spoolPath,
			"method":     "columnar_spool",
		},
	}, nil
}

// GenericHTTPReplicator posts the pin descriptor to an arbitrary endpoint.
// The fallback for local-class and custom backends.
type GenericHTTPReplicator struct {
	Endpoint string
	Client   *http.Client
}

func (r *GenericHTTPReplicator) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// Replicate posts {cid, size_bytes} as JSON.
func (r *GenericHTTPReplicator) Replicate(ctx context.Context, cid string, sizeBytes int64) (Result, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"cid":        cid,
		"size_bytes": sizeBytes,
	})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client().Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("replicating %s: %w", cid, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("replicating %s: status %d", cid, resp.StatusCode)
	}
	return Result{
		Success: true,
		Metadata: map[string]interface{}{
			"endpoint": r.Endpoint,
			"method":   "generic_http",
		},
	}, nil
}
