package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinwarden/pinwarden/internal/models"
)

func TestMergeBackend_CreatesRecordOnFirstReplication(t *testing.T) {
	r := New()

	rec := r.MergeBackend("QmTest", "ipfs_cluster", 2048, "ipfs://QmTest")
	assert.Equal(t, "QmTest", rec.CID)
	assert.Equal(t, []string{"ipfs_cluster"}, rec.Backends)
	assert.Equal(t, int64(2048), rec.SizeBytes())
	assert.Equal(t, "ipfs://QmTest", rec.ExternalLink)
	assert.False(t, rec.LastCheck.IsZero())

	locations, ok := rec.Metadata["backend_locations"].([]string)
	require.True(t, ok)
	assert.Equal(t, []string{"ipfs_cluster"}, locations)
}

func TestMergeBackend_IsIdempotentPerBackend(t *testing.T) {
	r := New()
	r.MergeBackend("QmTest", "s3", 100, "")
	rec := r.MergeBackend("QmTest", "s3", 100, "")

	assert.Equal(t, []string{"s3"}, rec.Backends)
}

func TestMergeBackend_KeepsBackendsSorted(t *testing.T) {
	r := New()
	r.MergeBackend("QmTest", "s3", 0, "")
	rec := r.MergeBackend("QmTest", "ipfs_cluster", 0, "")

	assert.Equal(t, []string{"ipfs_cluster", "s3"}, rec.Backends)
}

func TestRemoveBackend_RecordSurvivesEmptyBackendSet(t *testing.T) {
	r := New()
	r.MergeBackend("QmTest", "s3", 0, "")

	rec, ok := r.RemoveBackend("QmTest", "s3")
	require.True(t, ok)
	assert.Empty(t, rec.Backends)

	_, stillThere := r.Get("QmTest")
	assert.True(t, stillThere, "removing the last backend must not delete the record")
}

func TestRemoveBackend_UnknownCID(t *testing.T) {
	r := New()
	_, ok := r.RemoveBackend("QmMissing", "s3")
	assert.False(t, ok)
}

func TestGet_ReturnsACopy(t *testing.T) {
	r := New()
	r.MergeBackend("QmTest", "s3", 0, "")

	rec, ok := r.Get("QmTest")
	require.True(t, ok)
	rec.Backends[0] = "mutated"
	rec.Metadata["injected"] = true

	fresh, _ := r.Get("QmTest")
	assert.Equal(t, []string{"s3"}, fresh.Backends)
	assert.NotContains(t, fresh.Metadata, "injected")
}

func TestForBackend_FiltersAndSorts(t *testing.T) {
	r := New()
	r.MergeBackend("QmB", "s3", 0, "")
	r.MergeBackend("QmA", "s3", 0, "")
	r.MergeBackend("QmC", "filecoin", 0, "")

	pins := r.ForBackend("s3")
	require.Len(t, pins, 2)
	assert.Equal(t, "QmA", pins[0].CID)
	assert.Equal(t, "QmB", pins[1].CID)
}

func TestUpsertAndDelete(t *testing.T) {
	r := New()
	r.Upsert(models.PinRecord{CID: "QmTest", Backends: []string{"s3"}})

	rec, ok := r.Get("QmTest")
	require.True(t, ok)
	assert.Equal(t, []string{"s3"}, rec.Backends)

	assert.True(t, r.Delete("QmTest"))
	assert.False(t, r.Delete("QmTest"))
	assert.Equal(t, 0, r.Len())
}
