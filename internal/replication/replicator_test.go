package replication

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExec struct {
	calls  [][]string
	output []byte
	err    error
}

func (r *recordingExec) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	return r.output, r.err
}

func TestClusterPinReplicator_PinAndUnpin(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rep := &ClusterPinReplicator{BaseURL: srv.URL}

	res, err := rep.Replicate(context.Background(), "QmTest", 0)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/pins/QmTest", gotPath)
	assert.Equal(t, "cluster_pin", res.Metadata["method"])

	require.NoError(t, rep.Unreplicate(context.Background(), "QmTest"))
	assert.Equal(t, http.MethodDelete, gotMethod)
}

func TestClusterPinReplicator_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	rep := &ClusterPinReplicator{BaseURL: srv.URL}
	_, err := rep.Replicate(context.Background(), "QmTest", 0)
	assert.Error(t, err)
	assert.Error(t, rep.Unreplicate(context.Background(), "QmTest"))
}

func TestCARArchiveReplicator_WritesArchive(t *testing.T) {
	dir := t.TempDir()
	exec := &recordingExec{output: []byte("car-bytes")}
	rep := &CARArchiveReplicator{Binary: "ipfs", OutputDir: dir, Exec: exec}

	res, err := rep.Replicate(context.Background(), "QmCar", 0)
	require.NoError(t, err)
	assert.True(t, res.Success)

	require.Len(t, exec.calls, 1)
	assert.Equal(t, []string{"ipfs", "dag", "export", "QmCar"}, exec.calls[0])

	carPath := filepath.Join(dir, "QmCar.car")
	assert.Equal(t, carPath, res.Metadata["car_path"])
	data, err := os.ReadFile(carPath)
	require.NoError(t, err)
	assert.Equal(t, "car-bytes", string(data))

	require.NoError(t, rep.Unreplicate(context.Background(), "QmCar"))
	_, err = os.Stat(carPath)
	assert.True(t, os.IsNotExist(err))

	// Removing an already-removed archive is not an error.
	assert.NoError(t, rep.Unreplicate(context.Background(), "QmCar"))
}

func TestColumnarSpoolReplicator_AppendsRows(t *testing.T) {
	dir := t.TempDir()
	rep := &ColumnarSpoolReplicator{Dir: dir}

	for _, cid := range []string{"QmA", "QmB"} {
		res, err := rep.Replicate(context.Background(), cid, 512)
		require.NoError(t, err)
		assert.True(t, res.Success)
	}

	f, err := os.Open(filepath.Join(dir, "pins.ndjson"))
	require.NoError(t, err)
	defer f.Close()

	var cids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var row struct {
			CID       string `json:"cid"`
			SizeBytes int64  `json:"size_bytes"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &row))
		assert.Equal(t, int64(512), row.SizeBytes)
		cids = append(cids, row.CID)
	}
	assert.Equal(t, []string{"QmA", "QmB"}, cids)
}

func TestGenericHTTPReplicator_PostsDescriptor(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rep := &GenericHTTPReplicator{Endpoint: srv.URL}
	res, err := rep.Replicate(context.Background(), "QmGeneric", 2048)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "QmGeneric", got["cid"])
	assert.Equal(t, float64(2048), got["size_bytes"])
}

func TestGenericHTTPReplicator_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	rep := &GenericHTTPReplicator{Endpoint: srv.URL}
	_, err := rep.Replicate(context.Background(), "QmGeneric", 0)
	assert.Error(t, err)
}
