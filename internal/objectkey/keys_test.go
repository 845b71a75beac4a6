package objectkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/wal-replicator/pkg/types"
)

func TestGenerationPrefix(t *testing.T) {
	assert.Equal(t, "app-gen1/", GenerationPrefix("app", "gen1"))
}

func TestTombstone(t *testing.T) {
	assert.Equal(t, "app.tombstone", Tombstone("app"))
}

func TestMetaDepChangeCounter(t *testing.T) {
	assert.Equal(t, "app-gen1/.meta", Meta("app", "gen1"))
	assert.Equal(t, "app-gen1/.dep", Dep("app", "gen1"))
	assert.Equal(t, "app-gen1/.changecounter", ChangeCounter("app", "gen1"))
}

func TestSnapshotKey(t *testing.T) {
	assert.Equal(t, "app-gen1/db.db", Snapshot("app", "gen1", types.CompressionRaw))
	assert.Equal(t, "app-gen1/db.gz", Snapshot("app", "gen1", types.CompressionGzip))
}

func TestBatchKeyRoundTrip(t *testing.T) {
	key := Batch("app", "gen1", 1, 500, 1700000000000, types.CompressionGzip)
	assert.Equal(t, "app-gen1/0000000001-0000000500-1700000000000.gz", key)

	bn, err := ParseBatchName(Basename(key))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), bn.First)
	assert.Equal(t, uint32(500), bn.Last)
	assert.Equal(t, int64(1700000000000), bn.EpochMillis)
	assert.Equal(t, types.CompressionGzip, bn.Compression)
}

func TestParseBatchNameRejectsLegacyForm(t *testing.T) {
	_, err := ParseBatchName("0000000001-0000000500.gz")
	assert.Error(t, err)
}

func TestParseBatchNameRejectsUnknownCompression(t *testing.T) {
	_, err := ParseBatchName("1-2-3.zst")
	assert.Error(t, err)
}

func TestParseBatchNameRejectsNoExtension(t *testing.T) {
	_, err := ParseBatchName("no-extension")
	assert.Error(t, err)
}

func TestClassifiers(t *testing.T) {
	assert.True(t, IsMeta(".meta"))
	assert.True(t, IsDep(".dep"))
	assert.True(t, IsChangeCounter(".changecounter"))

	comp, ok := IsSnapshot("db.gz")
	assert.True(t, ok)
	assert.Equal(t, types.CompressionGzip, comp)

	_, ok = IsSnapshot("0000000001-0000000500-1.gz")
	assert.False(t, ok)
}

func TestBasename(t *testing.T) {
	assert.Equal(t, ".meta", Basename("app-gen1/.meta"))
	assert.Equal(t, "app.tombstone", Basename("app.tombstone"))
}
