package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func newTestManifest(t *testing.T) (*Manifest, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.manifest.json")
	m := New(path)
	require.NoError(t, m.Configure("events", "jsonl", "zstd", "digest-1", map[string]any{"partitions": 4}))
	return m, path
}

func TestConfigurePersistsAtomically(t *testing.T) {
	m, path := newTestManifest(t)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(data, &parsed))
	require.Equal(t, "events", parsed["collection"])
	require.Equal(t, float64(1), parsed["version"])
	require.NotEmpty(t, parsed["run_id"])

	// No temp file may linger after a successful save.
	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
	require.NotEmpty(t, m.RunID())
}

func TestLoadRoundTrip(t *testing.T) {
	m, path := newTestManifest(t)
	require.NoError(t, m.EnsurePartitions(3))
	require.NoError(t, m.UpdatePartitionCheckpoint(1, int64(77)))
	require.NoError(t, m.MarkPartitionComplete(0))

	idx, err := m.OpenPart("events-part-000000.jsonl.zst")
	require.NoError(t, err)
	require.NoError(t, m.CompletePart(idx, 12345, "abc"))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, m.RunID(), loaded.RunID())
	require.Equal(t, 3, loaded.PartitionCount())
	require.True(t, loaded.PartitionCompleted(0))
	require.False(t, loaded.PartitionCompleted(1))

	cp, err := loaded.Checkpoint(1)
	require.NoError(t, err)
	require.Equal(t, int64(77), cp)

	parts := loaded.Parts()
	require.Len(t, parts, 1)
	require.True(t, parts[0].Complete)
	require.Equal(t, int64(12345), parts[0].Bytes)
	require.Equal(t, "abc", parts[0].Checksum)
}

func TestLoadToleratesUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.manifest.json")
	payload := `{"version":1,"run_id":"r","collection":"c","format":"jsonl","compression":"none","query_digest":"d","future_field":{"a":1},"partitions":[],"parts":[]}`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0644))

	m, err := Load(path)
	require.NoError(t, err)
	require.True(t, m.CompatibleWith("c", "jsonl", "none", "d"))
}

func TestCompatibleWith(t *testing.T) {
	m, _ := newTestManifest(t)

	require.True(t, m.CompatibleWith("events", "jsonl", "zstd", "digest-1"))
	require.False(t, m.CompatibleWith("events", "csv", "zstd", "digest-1"))
	require.False(t, m.CompatibleWith("events", "jsonl", "gzip", "digest-1"))
	require.False(t, m.CompatibleWith("other", "jsonl", "zstd", "digest-1"))
	require.False(t, m.CompatibleWith("events", "jsonl", "zstd", "digest-2"))
}

func TestEnsurePartitionsIdempotent(t *testing.T) {
	m, _ := newTestManifest(t)
	require.NoError(t, m.EnsurePartitions(4))
	require.NoError(t, m.UpdatePartitionCheckpoint(2, "k"))

	// A second call must not clobber existing state.
	require.NoError(t, m.EnsurePartitions(8))
	require.Equal(t, 4, m.PartitionCount())
	cp, err := m.Checkpoint(2)
	require.NoError(t, err)
	require.Equal(t, "k", cp)
}

func TestCheckpointObjectIDRoundTrip(t *testing.T) {
	m, path := newTestManifest(t)
	require.NoError(t, m.EnsurePartitions(1))

	oid := primitive.NewObjectID()
	require.NoError(t, m.UpdatePartitionCheckpoint(0, oid))

	loaded, err := Load(path)
	require.NoError(t, err)
	cp, err := loaded.Checkpoint(0)
	require.NoError(t, err)
	require.Equal(t, oid, cp)
}

func TestProgressCoalescedButCompletionImmediate(t *testing.T) {
	m, path := newTestManifest(t)
	idx, err := m.OpenPart("p0")
	require.NoError(t, err)

	// The first progress write after open lands (interval elapsed since
	// zero time); subsequent ones coalesce.
	require.NoError(t, m.AddProgressToPart(idx, 10, 100))
	require.NoError(t, m.AddProgressToPart(idx, 5, 50))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, int64(10), loaded.Parts()[0].Rows, "second progress write should have been coalesced")

	// Completion flushes exact totals immediately.
	require.NoError(t, m.CompletePart(idx, 999, ""))
	loaded, err = Load(path)
	require.NoError(t, err)
	require.Equal(t, int64(15), loaded.Parts()[0].Rows)
	require.Equal(t, int64(999), loaded.Parts()[0].Bytes)
	require.True(t, loaded.Parts()[0].Complete)
}

func TestTotalRows(t *testing.T) {
	m, _ := newTestManifest(t)
	i0, err := m.OpenPart("p0")
	require.NoError(t, err)
	i1, err := m.OpenPart("p1")
	require.NoError(t, err)

	require.NoError(t, m.AddProgressToPart(i0, 10, 1))
	require.NoError(t, m.AddProgressToPart(i1, 32, 1))
	require.Equal(t, int64(42), m.TotalRows())
}

func TestOutOfRangeOperations(t *testing.T) {
	m, _ := newTestManifest(t)
	require.Error(t, m.AddProgressToPart(5, 1, 1))
	require.Error(t, m.CompletePart(5, 1, ""))
	require.Error(t, m.UpdatePartitionCheckpoint(0, "x"))
	require.Error(t, m.MarkPartitionComplete(0))
}
