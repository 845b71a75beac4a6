// ============================================================================
// Bottomless Replicator - Replicator Controller (C8)
// ============================================================================
//
// Package: internal/replicator
// File: replicator.go
// Purpose: Orchestrate the whole frame pipeline: accept submitted frame
// counts from the host engine, drive batching by size/interval, schedule
// snapshots, delegate restore, and expose commit-progress waiters.
//
// Scheduling model: the batching task and the upload task each run on
// their own goroutine for the lifetime of the Replicator; both are
// cancelled by Close. submit_frames/request_flush/wait_until_committed are
// safe to call from any goroutine.
//
// ============================================================================

package replicator

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/wal-replicator/internal/copier"
	"github.com/ChuLiYu/wal-replicator/internal/generation"
	"github.com/ChuLiYu/wal-replicator/internal/metrics"
	"github.com/ChuLiYu/wal-replicator/internal/objectkey"
	"github.com/ChuLiYu/wal-replicator/internal/restore"
	"github.com/ChuLiYu/wal-replicator/internal/store"
	"github.com/ChuLiYu/wal-replicator/internal/uploadpool"
	"github.com/ChuLiYu/wal-replicator/internal/walfile"
	"github.com/ChuLiYu/wal-replicator/internal/watch"
	"github.com/ChuLiYu/wal-replicator/pkg/types"
)

// Replicator orchestrates one database's continuous backup pipeline. One
// instance is created per database on process start and lives until Close.
type Replicator struct {
	cfg     types.Config
	client  store.Client
	gens    *generation.Manager
	copier  *copier.Copier
	pool    *uploadpool.Pool
	planner *restore.Planner
	metrics *metrics.Collector
	log     *slog.Logger

	dbPath  string
	walPath string

	nextFrameNo     atomic.Uint32
	lastSentFrameNo atomic.Uint32
	pageSize        atomic.Uint32

	genMu            sync.Mutex
	activeGeneration string
	lastSnapshotAt   time.Time

	committed *watch.Broadcaster
	snapshots *watch.Broadcaster

	flushTrigger chan struct{}
	outbox       chan copier.Descriptor

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Replicator and starts its background batching and upload
// tasks. dbPath is the path to the live database file; "<dbPath>-wal" is
// the live WAL file. initialGeneration pins the active generation (the
// caller typically supplies the generation returned by a prior Restore
// call); an empty string mints a fresh one.
func New(ctx context.Context, cfg types.Config, client store.Client, dbPath string, initialGeneration string, mc *metrics.Collector) (*Replicator, error) {
	gens := generation.NewManager(client, cfg.DbID, dbPath+".last-snapshot")

	gen := initialGeneration
	if gen == "" {
		var err error
		gen, err = generation.New()
		if err != nil {
			return nil, fmt.Errorf("replicator: mint initial generation: %w", err)
		}
	}

	if mc == nil {
		mc = metrics.NewCollector()
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &Replicator{
		cfg:              cfg,
		client:           client,
		gens:             gens,
		copier:           copier.New(dbPath+"-wal", cfg.DbID, cfg.StagingDir, cfg.UseCompression),
		pool:             uploadpool.New(client, cfg.S3UploadMaxParallelism),
		planner:          restore.New(client, gens, cfg.DbID, cfg),
		metrics:          mc,
		log:              slog.Default().With("component", "replicator", "db_id", cfg.DbID),
		dbPath:           dbPath,
		walPath:          dbPath + "-wal",
		activeGeneration: gen,
		committed:        watch.New(),
		snapshots:        watch.New(),
		flushTrigger:     make(chan struct{}, 1),
		outbox:           make(chan copier.Descriptor, 64),
		cancel:           cancel,
	}

	r.pool.Observer = uploadpool.Observer{
		OnStart:   func(d copier.Descriptor) { r.metrics.RecordUploadStart() },
		OnSuccess: func(d copier.Descriptor, latency time.Duration) { r.metrics.RecordUploadSuccess(latency) },
		OnFailure: func(d copier.Descriptor, err error) { r.metrics.RecordUploadFailure() },
	}

	if err := r.uploadRemainingSweep(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("replicator: startup upload sweep: %w", err)
	}

	r.wg.Add(2)
	go r.batchingTask(runCtx)
	go r.uploadTask(runCtx)

	return r, nil
}

// ----------------------------------------------------------------------
// Host-engine operations
// ----------------------------------------------------------------------

// SubmitFrames records n newly appended WAL frames and signals a flush if
// the pending range has reached max_frames_per_batch frames.
func (r *Replicator) SubmitFrames(n uint32) {
	if n == 0 {
		return
	}
	next := r.nextFrameNo.Add(n)
	r.metrics.RecordSubmit(n)
	if next-1-r.lastSentFrameNo.Load() >= uint32(r.cfg.MaxFramesPerBatch) {
		r.RequestFlush()
	}
}

// RequestFlush wakes the batching task on its next iteration.
func (r *Replicator) RequestFlush() {
	select {
	case r.flushTrigger <- struct{}{}:
	default:
	}
}

// WaitUntilCommitted blocks until last_committed_frame_no >= frameNo, a
// batching error is published, or ctx is cancelled.
func (r *Replicator) WaitUntilCommitted(ctx context.Context, frameNo uint32) (uint32, error) {
	return r.committed.Wait(ctx, frameNo)
}

// SetPageSize pins the WAL page size. It is idempotent; a second call with
// a different value fails with KindPageSizeConflict.
func (r *Replicator) SetPageSize(n uint32) error {
	if r.pageSize.CompareAndSwap(0, n) {
		return nil
	}
	if existing := r.pageSize.Load(); existing != n {
		return types.NewError(types.KindPageSizeConflict, fmt.Sprintf("page size already set to %d, got %d", existing, n))
	}
	return nil
}

// RegisterLastValidFrame sanity-sets next_frame_no/last_sent_frame_no to n,
// logging if the controller's view disagreed (a bug elsewhere).
func (r *Replicator) RegisterLastValidFrame(n uint32) {
	if current := r.nextFrameNo.Load() - 1; current != n {
		r.log.Warn("register_last_valid_frame disagrees with controller state", "registered", n, "controller_next_minus_one", current)
	}
	r.nextFrameNo.Store(n + 1)
	r.lastSentFrameNo.Store(n)
}

// RollbackToFrame drops any uncommitted tail past n.
func (r *Replicator) RollbackToFrame(n uint32) {
	r.nextFrameNo.Store(n + 1)
	r.lastSentFrameNo.Store(n)
}

// NewGeneration mints a fresh generation, records the dependency on the
// previous one (best-effort, asynchronous), swaps it in as active, and
// resets the frame counters and committed watcher (frame numbers restart
// at 1 within a generation). It returns the previous generation ID.
func (r *Replicator) NewGeneration(ctx context.Context) (string, error) {
	next, err := generation.New()
	if err != nil {
		return "", fmt.Errorf("replicator: mint generation: %w", err)
	}

	r.genMu.Lock()
	previous := r.activeGeneration
	r.activeGeneration = next
	r.genMu.Unlock()

	go func() {
		depCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.gens.StoreDependency(depCtx, previous, next); err != nil {
			r.log.Warn("failed to record generation dependency", "parent", previous, "child", next, "err", err)
		}
	}()

	r.nextFrameNo.Store(1)
	r.lastSentFrameNo.Store(0)
	r.committed.Reset()

	return previous, nil
}

func (r *Replicator) activeGen() string {
	r.genMu.Lock()
	defer r.genMu.Unlock()
	return r.activeGeneration
}

// Snapshot takes a full snapshot of the database file into the active
// generation, if the file is nonempty and snapshot_interval has elapsed.
// The interval is measured from the creation time of the generation
// recorded in the last-snapshot sentinel, not from the moment that
// snapshot was taken.
func (r *Replicator) Snapshot(ctx context.Context) error {
	info, err := os.Stat(r.dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("replicator: stat db file: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}

	if r.cfg.SnapshotInterval > 0 {
		if lastGen, ok, err := r.gens.LoadLastSnapshot(); err == nil && ok {
			if lastTime, err := generation.DecodeTimestamp(lastGen); err == nil {
				if time.Since(lastTime) < r.cfg.SnapshotInterval {
					return nil
				}
			}
		}
	}

	gen := r.activeGen()
	if err := r.uploadSnapshotBody(ctx, gen); err != nil {
		r.snapshots.PublishError(err)
		return err
	}
	if err := r.uploadChangeCounter(ctx, gen); err != nil {
		r.snapshots.PublishError(err)
		return err
	}
	if err := r.gens.SaveLastSnapshot(gen); err != nil {
		r.log.Warn("failed to persist last-snapshot sentinel", "err", err)
	}

	r.genMu.Lock()
	r.lastSnapshotAt = time.Now()
	r.genMu.Unlock()

	v, _ := r.snapshots.Value()
	r.snapshots.Publish(v + 1)
	return nil
}

func (r *Replicator) uploadSnapshotBody(ctx context.Context, gen string) error {
	f, err := os.Open(r.dbPath)
	if err != nil {
		return fmt.Errorf("replicator: open db file for snapshot: %w", err)
	}
	defer f.Close()

	key := objectkey.Snapshot(r.cfg.DbID, gen, r.cfg.UseCompression)

	if r.cfg.UseCompression != types.CompressionGzip {
		return r.client.Put(ctx, key, f)
	}

	pr, pw := io.Pipe()
	go func() {
		gz := gzip.NewWriter(pw)
		_, copyErr := io.Copy(gz, f)
		closeErr := gz.Close()
		if copyErr == nil {
			copyErr = closeErr
		}
		pw.CloseWithError(copyErr)
	}()
	return r.client.Put(ctx, key, pr)
}

func (r *Replicator) uploadChangeCounter(ctx context.Context, gen string) error {
	f, err := os.Open(r.dbPath)
	if err != nil {
		return fmt.Errorf("replicator: open db file for change counter: %w", err)
	}
	defer f.Close()

	var buf [types.ChangeCounterSize]byte
	if _, err := f.ReadAt(buf[:], 24); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil // db file shorter than the header; nothing to record yet
		}
		return fmt.Errorf("replicator: read change counter: %w", err)
	}

	return r.client.Put(ctx, objectkey.ChangeCounter(r.cfg.DbID, gen), bytes.NewReader(buf[:]))
}

// Restore delegates to the restore planner, then adopts its outcome: on
// ReuseGeneration it pins the active generation and resumes frame
// numbering from the planner's reported frame count.
func (r *Replicator) Restore(ctx context.Context, gen string, ts time.Time) (types.RestoreResult, error) {
	r.metrics.RecordRestoreAttempt()

	res, err := r.planner.Restore(ctx, restore.Options{
		Generation: gen,
		Timestamp:  ts,
		DBPath:     r.dbPath,
		WALPath:    r.walPath,
	})
	if err != nil {
		return types.RestoreResult{}, err
	}

	if res.Action == types.ActionReuseGeneration {
		r.genMu.Lock()
		r.activeGeneration = res.Generation
		r.genMu.Unlock()
		r.nextFrameNo.Store(res.NextFrameNo)
		r.lastSentFrameNo.Store(res.NextFrameNo - 1)
	}

	r.metrics.RecordRestoreSuccess()
	return res, nil
}

// MaybeReplicateWAL checks for a live WAL file and, if present, records its
// .meta, submits its full frame count, requests a flush, and waits for it
// to land. Intended to be called once after Restore on process start, to
// capture any WAL frames that predate this process's observation of them.
func (r *Replicator) MaybeReplicateWAL(ctx context.Context) error {
	wf, err := walfile.Open(r.walPath)
	if err != nil {
		if e, ok := types.AsError(err); ok && e.Kind == types.KindWalAbsent {
			return nil
		}
		return err
	}

	if err := r.SetPageSize(wf.PageSize); err != nil {
		return err
	}

	if err := r.storeMeta(ctx, r.activeGen(), wf); err != nil {
		return err
	}

	n := wf.FrameCount()
	if n == 0 {
		return nil
	}

	r.SubmitFrames(n)
	r.RequestFlush()
	_, err = r.WaitUntilCommitted(ctx, n)
	return err
}

func (r *Replicator) storeMeta(ctx context.Context, gen string, wf *walfile.Reader) error {
	var buf [types.MetaObjectSize]byte
	binary.BigEndian.PutUint32(buf[0:4], wf.PageSize)
	binary.BigEndian.PutUint32(buf[4:8], wf.InitialChecksum1)
	binary.BigEndian.PutUint32(buf[8:12], wf.InitialChecksum2)
	return r.client.Put(ctx, objectkey.Meta(r.cfg.DbID, gen), bytes.NewReader(buf[:]))
}

// DeleteAll writes a tombstone at threshold: any generation whose creation
// time is strictly before threshold is no longer restorable.
func (r *Replicator) DeleteAll(ctx context.Context, threshold time.Time) error {
	var buf [types.TombstoneObjectSize]byte
	binary.BigEndian.PutUint64(buf[:], uint64(threshold.Unix()))
	return r.client.Put(ctx, objectkey.Tombstone(r.cfg.DbID), bytes.NewReader(buf[:]))
}

// Close cancels the batching and upload tasks and waits for them to drain.
func (r *Replicator) Close() {
	r.cancel()
	close(r.outbox)
	r.wg.Wait()
}

// ----------------------------------------------------------------------
// Background tasks
// ----------------------------------------------------------------------

func (r *Replicator) batchingTask(ctx context.Context) {
	defer r.wg.Done()
	timer := time.NewTimer(r.cfg.MaxBatchInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.flushTrigger:
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(r.cfg.MaxBatchInterval)

		r.drainOneBatch(ctx)
	}
}

// drainOneBatch copies every frame pending since the last drain into one
// or more batch files, splitting the range into chunks of at most
// cfg.MaxFramesPerBatch frames each (mirrors WalCopier's per-batch frame
// cap in the original replicator).
func (r *Replicator) drainOneBatch(ctx context.Context) {
	next := r.nextFrameNo.Load()
	lastSent := r.lastSentFrameNo.Load()
	if lastSent+1 >= next {
		return
	}

	pageSize := r.pageSize.Load()
	if pageSize == 0 {
		return // page size not yet pinned; nothing to copy safely
	}

	maxFrames := uint32(r.cfg.MaxFramesPerBatch)
	for first := lastSent + 1; first < next; first = lastSent + 1 {
		last := first + maxFrames - 1
		if last > next-1 {
			last = next - 1
		}

		desc, err := r.copier.Copy(r.activeGen(), pageSize, first, last, time.Now().UnixMilli())
		if err != nil {
			r.committed.PublishError(err)
			r.log.Error("batch copy failed", "err", err)
			return
		}

		lastSent = desc.Last
		r.lastSentFrameNo.Store(lastSent)
		r.committed.Publish(desc.Last)
		r.metrics.SetLastCommittedFrame(desc.Last)

		select {
		case r.outbox <- desc:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Replicator) uploadTask(ctx context.Context) {
	defer r.wg.Done()
	if err := r.pool.Run(ctx, r.outbox); err != nil {
		r.log.Error("upload pool exited with error", "err", err)
	}
}

// uploadRemainingSweep re-uploads every local batch file left over in the
// staging directory from a previous process's crash, regardless of which
// generation it belongs to (the standalone counterpart to the restore
// planner's generation-scoped R0 step).
func (r *Replicator) uploadRemainingSweep(ctx context.Context) error {
	entries, err := os.ReadDir(r.cfg.StagingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	prefix := r.cfg.DbID + "-"
	for _, entry := range entries {
		if !entry.IsDir() || len(entry.Name()) <= len(prefix) || entry.Name()[:len(prefix)] != prefix {
			continue
		}
		gen := entry.Name()[len(prefix):]
		dir := filepath.Join(r.cfg.StagingDir, entry.Name())

		files, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			if err := r.reuploadOne(ctx, dir, gen, f.Name()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Replicator) reuploadOne(ctx context.Context, dir, gen, name string) error {
	bn, err := objectkey.ParseBatchName(name)
	if err != nil {
		return nil // not a batch file
	}
	path := filepath.Join(dir, name)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("replicator: open leftover batch %q: %w", path, err)
	}
	defer f.Close()

	key := objectkey.Batch(r.cfg.DbID, gen, bn.First, bn.Last, bn.EpochMillis, bn.Compression)
	if err := r.client.Put(ctx, key, f); err != nil {
		return fmt.Errorf("replicator: re-upload leftover batch %q: %w", path, err)
	}
	f.Close()
	return os.Remove(path)
}
