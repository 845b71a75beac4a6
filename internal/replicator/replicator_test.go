package replicator

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/wal-replicator/internal/generation"
	"github.com/ChuLiYu/wal-replicator/internal/metrics"
	"github.com/ChuLiYu/wal-replicator/internal/objectkey"
	"github.com/ChuLiYu/wal-replicator/internal/store"
	"github.com/ChuLiYu/wal-replicator/pkg/types"
)

const replTestPageSize = 16

func writeTestWAL(t *testing.T, path string, pageSize uint32, frames int) {
	t.Helper()
	header := make([]byte, types.WalHeaderSize)
	binary.BigEndian.PutUint32(header[8:12], pageSize)
	binary.BigEndian.PutUint32(header[24:28], 1)
	binary.BigEndian.PutUint32(header[28:32], 2)

	data := header
	for i := 0; i < frames; i++ {
		data = append(data, make([]byte, types.FrameHeaderSize+int(pageSize))...)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func baseTestConfig(stagingDir string) types.Config {
	cfg := types.Config{
		DbID:              "app",
		UseCompression:    types.CompressionRaw,
		MaxFramesPerBatch: 2,
		MaxBatchInterval:  time.Hour, // never fires on its own during the test
		StagingDir:        stagingDir,
	}
	return cfg.WithDefaults()
}

func newTestReplicator(t *testing.T, cfg types.Config, client store.Client, dbPath, initialGen string) *Replicator {
	t.Helper()
	r, err := New(context.Background(), cfg, client, dbPath, initialGen, metrics.NewCollector())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestNewMintsGenerationWhenNoneProvided(t *testing.T) {
	dir := t.TempDir()
	client := store.NewMemClient()
	r := newTestReplicator(t, baseTestConfig(filepath.Join(dir, "staging")), client, filepath.Join(dir, "app.db"), "")

	assert.NotEmpty(t, r.activeGen())
}

func TestNewUsesProvidedInitialGeneration(t *testing.T) {
	dir := t.TempDir()
	client := store.NewMemClient()
	gen, err := generation.New()
	require.NoError(t, err)

	r := newTestReplicator(t, baseTestConfig(filepath.Join(dir, "staging")), client, filepath.Join(dir, "app.db"), gen)
	assert.Equal(t, gen, r.activeGen())
}

func TestSetPageSizeIdempotentAndConflict(t *testing.T) {
	dir := t.TempDir()
	client := store.NewMemClient()
	r := newTestReplicator(t, baseTestConfig(filepath.Join(dir, "staging")), client, filepath.Join(dir, "app.db"), "")

	require.NoError(t, r.SetPageSize(16))
	require.NoError(t, r.SetPageSize(16)) // same value, fine

	err := r.SetPageSize(32)
	require.Error(t, err)
	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.KindPageSizeConflict, e.Kind)
}

func TestSubmitFramesBatchesAndUploads(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "app.db")
	walPath := dbPath + "-wal"
	writeTestWAL(t, walPath, replTestPageSize, 3)

	client := store.NewMemClient()
	r := newTestReplicator(t, baseTestConfig(filepath.Join(dir, "staging")), client, dbPath, "")
	require.NoError(t, r.SetPageSize(replTestPageSize))

	r.SubmitFrames(3) // crosses MaxFramesPerBatch=2, auto-triggers a flush

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	last, err := r.WaitUntilCommitted(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), last)

	prefix := objectkey.GenerationPrefix("app", r.activeGen())
	require.Eventually(t, func() bool {
		res, err := client.List(context.Background(), prefix, "", 0)
		if err != nil {
			return false
		}
		for _, k := range res.Keys {
			if _, err := objectkey.ParseBatchName(objectkey.Basename(k)); err == nil {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "expected the batch to reach the store")
}

func TestSubmitFramesSplitsIntoMaxFramesPerBatchChunks(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "app.db")
	walPath := dbPath + "-wal"
	writeTestWAL(t, walPath, replTestPageSize, 7)

	cfg := baseTestConfig(filepath.Join(dir, "staging"))
	cfg.MaxFramesPerBatch = 3
	client := store.NewMemClient()
	r := newTestReplicator(t, cfg, client, dbPath, "")
	require.NoError(t, r.SetPageSize(replTestPageSize))

	r.SubmitFrames(3) // frames [1,3]
	r.SubmitFrames(4) // frames [4,7]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	last, err := r.WaitUntilCommitted(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), last)

	prefix := objectkey.GenerationPrefix("app", r.activeGen())
	var ranges [][2]uint32
	require.Eventually(t, func() bool {
		res, err := client.List(context.Background(), prefix, "", 0)
		if err != nil {
			return false
		}
		ranges = nil
		for _, k := range res.Keys {
			bn, err := objectkey.ParseBatchName(objectkey.Basename(k))
			if err != nil {
				continue
			}
			ranges = append(ranges, [2]uint32{bn.First, bn.Last})
		}
		return len(ranges) == 3
	}, 2*time.Second, 10*time.Millisecond, "expected exactly 3 batch objects")

	sort.Slice(ranges, func(i, j int) bool { return ranges[i][0] < ranges[j][0] })
	assert.Equal(t, [][2]uint32{{1, 3}, {4, 6}, {7, 7}}, ranges)
}

func TestNewGenerationResetsCounters(t *testing.T) {
	dir := t.TempDir()
	client := store.NewMemClient()
	r := newTestReplicator(t, baseTestConfig(filepath.Join(dir, "staging")), client, filepath.Join(dir, "app.db"), "")

	r.nextFrameNo.Store(10)
	r.lastSentFrameNo.Store(9)
	r.committed.Publish(9)

	previous, err := r.NewGeneration(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, previous, r.activeGen())

	assert.Equal(t, uint32(1), r.nextFrameNo.Load())
	assert.Equal(t, uint32(0), r.lastSentFrameNo.Load())
	v, _ := r.committed.Value()
	assert.Equal(t, uint32(0), v)
}

func TestSnapshotUploadsBodyAndChangeCounter(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "app.db")

	body := make([]byte, 64)
	binary.BigEndian.PutUint32(body[24:28], 7)
	require.NoError(t, os.WriteFile(dbPath, body, 0o644))

	client := store.NewMemClient()
	r := newTestReplicator(t, baseTestConfig(filepath.Join(dir, "staging")), client, dbPath, "")

	require.NoError(t, r.Snapshot(context.Background()))

	gen := r.activeGen()
	rc, err := client.Get(context.Background(), objectkey.Snapshot("app", gen, types.CompressionRaw))
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	ccRC, err := client.Get(context.Background(), objectkey.ChangeCounter("app", gen))
	require.NoError(t, err)
	defer ccRC.Close()
	ccBytes, err := io.ReadAll(ccRC)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), binary.BigEndian.Uint32(ccBytes))
}

func TestSnapshotSkipsEmptyDbFile(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "app.db")
	require.NoError(t, os.WriteFile(dbPath, nil, 0o644))

	client := store.NewMemClient()
	r := newTestReplicator(t, baseTestConfig(filepath.Join(dir, "staging")), client, dbPath, "")

	require.NoError(t, r.Snapshot(context.Background()))

	ok, err := client.Head(context.Background(), objectkey.Snapshot("app", r.activeGen(), types.CompressionRaw))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshotRespectsInterval(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "app.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("v1------------------------------"), 0o644))

	cfg := baseTestConfig(filepath.Join(dir, "staging"))
	cfg.SnapshotInterval = time.Hour

	client := store.NewMemClient()
	r := newTestReplicator(t, cfg, client, dbPath, "")

	require.NoError(t, r.Snapshot(context.Background()))
	gen := r.activeGen()

	require.NoError(t, os.WriteFile(dbPath, []byte("v2------------------------------"), 0o644))
	require.NoError(t, r.Snapshot(context.Background())) // interval not elapsed, should be a no-op

	rc, err := client.Get(context.Background(), objectkey.Snapshot("app", gen, types.CompressionRaw))
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "v1------------------------------", string(got))
}

func TestDeleteAllWritesTombstone(t *testing.T) {
	dir := t.TempDir()
	client := store.NewMemClient()
	r := newTestReplicator(t, baseTestConfig(filepath.Join(dir, "staging")), client, filepath.Join(dir, "app.db"), "")

	threshold := time.Unix(1_700_000_000, 0)
	require.NoError(t, r.DeleteAll(context.Background(), threshold))

	rc, err := client.Get(context.Background(), objectkey.Tombstone("app"))
	require.NoError(t, err)
	defer rc.Close()
	buf, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, uint64(threshold.Unix()), binary.BigEndian.Uint64(buf))
}

func TestMaybeReplicateWALNoFileIsNoop(t *testing.T) {
	dir := t.TempDir()
	client := store.NewMemClient()
	r := newTestReplicator(t, baseTestConfig(filepath.Join(dir, "staging")), client, filepath.Join(dir, "app.db"), "")

	assert.NoError(t, r.MaybeReplicateWAL(context.Background()))
}

func TestRegisterLastValidFrameAndRollback(t *testing.T) {
	dir := t.TempDir()
	client := store.NewMemClient()
	r := newTestReplicator(t, baseTestConfig(filepath.Join(dir, "staging")), client, filepath.Join(dir, "app.db"), "")

	r.RegisterLastValidFrame(5)
	assert.Equal(t, uint32(6), r.nextFrameNo.Load())
	assert.Equal(t, uint32(5), r.lastSentFrameNo.Load())

	r.RollbackToFrame(2)
	assert.Equal(t, uint32(3), r.nextFrameNo.Load())
	assert.Equal(t, uint32(2), r.lastSentFrameNo.Load())
}

func TestNewSweepsLeftoverBatchFilesOnStartup(t *testing.T) {
	dir := t.TempDir()
	stagingDir := filepath.Join(dir, "staging")
	client := store.NewMemClient()

	gen, err := generation.New()
	require.NoError(t, err)

	// Simulate a crash between the Copier writing the local batch file and
	// the upload pool picking it up: the file already sits in the
	// generation's staging directory when the replicator starts.
	genDir := filepath.Join(stagingDir, "app-"+gen)
	require.NoError(t, os.MkdirAll(genDir, 0o755))
	body := []byte("leftover batch bytes")
	name := objectkey.Basename(objectkey.Batch("app", gen, 1, 1, 1000, types.CompressionRaw))
	localPath := filepath.Join(genDir, name)
	require.NoError(t, os.WriteFile(localPath, body, 0o644))

	newTestReplicator(t, baseTestConfig(stagingDir), client, filepath.Join(dir, "app.db"), gen)

	rc, err := client.Get(context.Background(), objectkey.Batch("app", gen, 1, 1, 1000, types.CompressionRaw))
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	_, err = os.Stat(localPath)
	assert.True(t, os.IsNotExist(err), "leftover batch file should be removed after re-upload")
}

func TestRestoreAdoptsReuseGeneration(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "app.db")

	body := make([]byte, 32)
	binary.BigEndian.PutUint32(body[24:28], 42)
	require.NoError(t, os.WriteFile(dbPath, body, 0o644))

	client := store.NewMemClient()
	gen, err := generation.New()
	require.NoError(t, err)

	var cc [types.ChangeCounterSize]byte
	binary.BigEndian.PutUint32(cc[:], 42)
	require.NoError(t, client.Put(context.Background(), objectkey.ChangeCounter("app", gen), bytes.NewReader(cc[:])))

	r := newTestReplicator(t, baseTestConfig(filepath.Join(dir, "staging")), client, dbPath, "")

	res, err := r.Restore(context.Background(), gen, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, types.ActionReuseGeneration, res.Action)
	assert.Equal(t, gen, res.Generation)
	assert.Equal(t, uint32(1), res.NextFrameNo)

	assert.Equal(t, gen, r.activeGen())
	assert.Equal(t, uint32(1), r.nextFrameNo.Load())
	assert.Equal(t, uint32(0), r.lastSentFrameNo.Load())
}
