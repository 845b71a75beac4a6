// ============================================================================
// Bottomless Replicator - Restore Planner (C9)
// ============================================================================
//
// Package: internal/restore
// File: restore.go
// Purpose: Walk the generation chain back to a snapshot (bounded depth),
// then forward-replay WAL batches subject to frame-no and timestamp
// bounds.
//
// Steps R0-R5 below are named to match the restore algorithm's own
// numbering so the mapping from design to code stays mechanical.
//
// ============================================================================

package restore

import (
	"compress/gzip"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/wal-replicator/internal/batchreader"
	"github.com/ChuLiYu/wal-replicator/internal/generation"
	"github.com/ChuLiYu/wal-replicator/internal/objectkey"
	"github.com/ChuLiYu/wal-replicator/internal/pagecache"
	"github.com/ChuLiYu/wal-replicator/internal/store"
	"github.com/ChuLiYu/wal-replicator/internal/walcrc"
	"github.com/ChuLiYu/wal-replicator/internal/walfile"
	"github.com/ChuLiYu/wal-replicator/pkg/types"
)

// Options parameterizes one Restore call.
type Options struct {
	// Generation, if set, pins the generation to restore from. If empty,
	// the planner asks the Generation Manager for the latest generation
	// at-or-before Timestamp (R1).
	Generation string
	// Timestamp, if non-zero, bounds both generation selection (R1) and
	// WAL replay (R5c).
	Timestamp time.Time

	DBPath  string // local database file to (re)build
	WALPath string // local "<db>-wal", used by the R4 fast path
}

// Planner implements the restore algorithm end to end.
type Planner struct {
	client store.Client
	gens   *generation.Manager
	dbName string
	cfg    types.Config
}

// New builds a Planner.
func New(client store.Client, gens *generation.Manager, dbName string, cfg types.Config) *Planner {
	return &Planner{client: client, gens: gens, dbName: dbName, cfg: cfg}
}

// Restore runs the full algorithm and returns the outcome the host engine
// acts on.
func (p *Planner) Restore(ctx context.Context, opts Options) (types.RestoreResult, error) {
	gen := opts.Generation
	if gen != "" {
		if err := p.uploadRemaining(ctx, gen); err != nil { // R0
			return types.RestoreResult{}, err
		}
	}

	// R1. Select generation.
	if gen == "" {
		found, ok, err := p.gens.LatestGenerationBefore(ctx, opts.Timestamp)
		if err != nil {
			return types.RestoreResult{}, err
		}
		if !ok {
			return types.RestoreResult{Action: types.ActionSnapshotMainDb, Recovered: false}, nil
		}
		gen = found
		if err := p.uploadRemaining(ctx, gen); err != nil { // R0, now that gen is known
			return types.RestoreResult{}, err
		}
	}

	// R2. Tombstone check.
	tombstoned, err := p.isTombstoned(ctx, gen)
	if err != nil {
		return types.RestoreResult{}, err
	}
	if tombstoned {
		return types.RestoreResult{}, types.NewError(types.KindTombstoned, "generation "+gen+" is older than the tombstone")
	}

	// R3. Last consistent frame.
	fLast, err := p.lastConsistentFrame(ctx, gen)
	if err != nil {
		return types.RestoreResult{}, err
	}

	// R4. Fast-path compare.
	fast, err := p.fastPathCompare(ctx, opts.DBPath, opts.WALPath, gen, fLast)
	if err != nil {
		return types.RestoreResult{}, err
	}
	switch fast.outcome {
	case fastReuse:
		return types.RestoreResult{Action: types.ActionReuseGeneration, Recovered: true, Generation: gen, NextFrameNo: fast.localFrameCount + 1}, nil
	case fastSnapshot:
		return types.RestoreResult{Action: types.ActionSnapshotMainDb, Recovered: true}, nil
	case fastContinue:
		// fall through to full restore
	}

	// R5. Full restore.
	applied, err := p.fullRestore(ctx, gen, fLast, opts)
	if err != nil {
		return types.RestoreResult{}, err
	}
	if applied {
		return types.RestoreResult{Action: types.ActionSnapshotMainDb, Recovered: true}, nil
	}
	return types.RestoreResult{Action: types.ActionReuseGeneration, Recovered: true, Generation: gen, NextFrameNo: 1}, nil
}

// ----------------------------------------------------------------------
// R0 - reclaim local staging
// ----------------------------------------------------------------------

// uploadRemaining uploads every leftover local batch file under
// {staging_dir}/{db-name}-{generation}/ before anything else touches that
// generation (the durability hook for a crash between Copier writing a
// file and the Upload Pool uploading it).
func (p *Planner) uploadRemaining(ctx context.Context, gen string) error {
	dir := stagingDir(p.cfg.StagingDir, p.dbName, gen)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("restore: read staging dir %q: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		bn, err := objectkey.ParseBatchName(name)
		if err != nil {
			continue // not a batch file; ignore
		}
		key := objectkey.Batch(p.dbName, gen, bn.First, bn.Last, bn.EpochMillis, bn.Compression)
		path := filepath.Join(dir, name)

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("restore: open leftover batch %q: %w", path, err)
		}
		err = p.client.Put(ctx, key, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("restore: re-upload leftover batch %q: %w", path, err)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("restore: remove re-uploaded batch %q: %w", path, err)
		}
	}
	return nil
}

func stagingDir(root, dbName, gen string) string {
	return filepath.Join(root, fmt.Sprintf("%s-%s", dbName, gen))
}

// ----------------------------------------------------------------------
// R2 - tombstone check
// ----------------------------------------------------------------------

func (p *Planner) isTombstoned(ctx context.Context, gen string) (bool, error) {
	rc, err := p.client.Get(ctx, objectkey.Tombstone(p.dbName))
	if err != nil {
		if err == store.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	defer rc.Close()

	var buf [types.TombstoneObjectSize]byte
	if _, err := io.ReadFull(rc, buf[:]); err != nil {
		return false, types.WrapError(types.KindStore, "read tombstone", err)
	}
	threshold := time.Unix(int64(binary.BigEndian.Uint64(buf[:])), 0)

	genTime, err := generation.DecodeTimestamp(gen)
	if err != nil {
		return false, err
	}
	return genTime.Before(threshold), nil
}

// ----------------------------------------------------------------------
// R3 - last consistent frame
// ----------------------------------------------------------------------

func (p *Planner) lastConsistentFrame(ctx context.Context, gen string) (uint32, error) {
	names, _, err := p.listBatches(ctx, gen)
	if err != nil {
		return 0, err
	}
	var last uint32
	for _, n := range names {
		if n.Last > last {
			last = n.Last
		}
	}
	return last, nil
}

// listBatches lists and parses every batch object under a generation's
// prefix, in lexicographic (== numeric, thanks to zero-padding) order.
func (p *Planner) listBatches(ctx context.Context, gen string) ([]types.BatchName, []string, error) {
	prefix := objectkey.GenerationPrefix(p.dbName, gen)
	var names []types.BatchName
	var keys []string
	marker := ""
	for {
		res, err := p.client.List(ctx, prefix, marker, 1000)
		if err != nil {
			return nil, nil, err
		}
		for _, key := range res.Keys {
			base := objectkey.Basename(key)
			if objectkey.IsMeta(base) || objectkey.IsDep(base) || objectkey.IsChangeCounter(base) {
				continue
			}
			if _, ok := objectkey.IsSnapshot(base); ok {
				continue
			}
			bn, err := objectkey.ParseBatchName(base)
			if err != nil {
				continue
			}
			names = append(names, bn)
			keys = append(keys, key)
		}
		if !res.Truncated {
			break
		}
		marker = res.NextMarker
	}
	// store.Client.List already returns keys in lexicographic order, which
	// equals numeric order thanks to zero-padded frame numbers.
	return names, keys, nil
}

// ----------------------------------------------------------------------
// R4 - fast-path compare
// ----------------------------------------------------------------------

type fastOutcome int

const (
	fastContinue fastOutcome = iota
	fastReuse
	fastSnapshot
)

type fastResult struct {
	outcome         fastOutcome
	localFrameCount uint32
}

func (p *Planner) fastPathCompare(ctx context.Context, dbPath, walPath, gen string, fLast uint32) (fastResult, error) {
	localCounter, haveLocal, err := readLocalChangeCounter(dbPath)
	if err != nil {
		return fastResult{}, err
	}
	if !haveLocal {
		return fastResult{outcome: fastContinue}, nil
	}

	remoteCounter, haveRemote, err := p.readRemoteChangeCounter(ctx, gen)
	if err != nil {
		return fastResult{}, err
	}
	if !haveRemote {
		return fastResult{outcome: fastContinue}, nil
	}

	var w uint32
	if wf, err := walfile.Open(walPath); err == nil {
		w = wf.FrameCount()
	}

	switch {
	case localCounter == remoteCounter && w == fLast:
		return fastResult{outcome: fastReuse, localFrameCount: w}, nil
	case localCounter == remoteCounter && w > fLast:
		return fastResult{outcome: fastSnapshot}, nil
	case localCounter > remoteCounter:
		return fastResult{outcome: fastSnapshot}, nil
	default:
		return fastResult{outcome: fastContinue}, nil
	}
}

func readLocalChangeCounter(dbPath string) (uint32, bool, error) {
	f, err := os.Open(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	defer f.Close()

	var buf [4]byte
	if _, err := f.ReadAt(buf[:], 24); err != nil {
		return 0, false, nil
	}
	return binary.BigEndian.Uint32(buf[:]), true, nil
}

func (p *Planner) readRemoteChangeCounter(ctx context.Context, gen string) (uint32, bool, error) {
	rc, err := p.client.Get(ctx, objectkey.ChangeCounter(p.dbName, gen))
	if err != nil {
		if err == store.ErrNotFound {
			return 0, false, nil
		}
		return 0, false, err
	}
	defer rc.Close()

	var buf [types.ChangeCounterSize]byte
	if _, err := io.ReadFull(rc, buf[:]); err != nil {
		return 0, false, err
	}
	return binary.BigEndian.Uint32(buf[:]), true, nil
}

// ----------------------------------------------------------------------
// R5 - full restore
// ----------------------------------------------------------------------

// fullRestore performs R5a-R5d and reports whether any WAL frame was
// applied.
func (p *Planner) fullRestore(ctx context.Context, targetGen string, fLast uint32, opts Options) (bool, error) {
	backupPath := opts.DBPath + ".bottomless.backup"
	hadExisting := false
	if _, err := os.Stat(opts.DBPath); err == nil {
		hadExisting = true
		if err := os.Rename(opts.DBPath, backupPath); err != nil {
			return false, fmt.Errorf("restore: rename existing db file aside: %w", err)
		}
	}

	dbFile, err := os.OpenFile(opts.DBPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		p.restoreBackup(opts.DBPath, backupPath, hadExisting)
		return false, fmt.Errorf("restore: open fresh db file: %w", err)
	}
	defer dbFile.Close()

	applied, err := p.replay(ctx, dbFile, targetGen, fLast, opts.Timestamp)
	if err != nil {
		dbFile.Close()
		if hadExisting {
			// A prior db existed; an aborted restore must not leave the
			// caller worse off than before, so discard the partial file
			// and put the original back.
			os.Remove(opts.DBPath)
			p.restoreBackup(opts.DBPath, backupPath, hadExisting)
		}
		// With no prior db, there is nothing to roll back to: leave the
		// partially replayed file in place, reflecting frames applied
		// before the gap.
		return false, err
	}

	if hadExisting {
		os.Remove(backupPath)
	}
	return applied, nil
}

func (p *Planner) restoreBackup(dbPath, backupPath string, hadExisting bool) {
	if hadExisting {
		os.Rename(backupPath, dbPath)
	}
}

// replay walks R5b (build the generation stack) then R5c (pop and replay
// oldest-first), returning whether any frame was applied.
func (p *Planner) replay(ctx context.Context, dbFile *os.File, targetGen string, fLast uint32, tsBound time.Time) (bool, error) {
	chain, baseGen, err := p.walkToSnapshot(ctx, targetGen)
	if err != nil {
		return false, err
	}

	if err := p.applySnapshot(ctx, dbFile, baseGen); err != nil {
		return false, err
	}

	order := append([]string{baseGen}, reversed(chain)...)

	appliedAny := false
	for i, gen := range order {
		isNewest := i == len(order)-1
		var boundFrame uint32
		if isNewest {
			boundFrame = fLast
		}
		n, err := p.replayGeneration(ctx, dbFile, gen, boundFrame, tsBound)
		if err != nil {
			return appliedAny, err
		}
		if n > 0 {
			appliedAny = true
		}
	}
	return appliedAny, nil
}

// walkToSnapshot implements R5b: walk from targetGen through .dep parents
// until a generation with a snapshot is found. chain holds every
// generation walked over (newest-first, NOT including baseGen).
func (p *Planner) walkToSnapshot(ctx context.Context, targetGen string) (chain []string, baseGen string, err error) {
	g := targetGen
	for depth := 0; ; depth++ {
		if depth > types.MaxRestoreStackDepth {
			return nil, "", types.NewError(types.KindRestoreDepth, "no snapshot found within max restore stack depth")
		}
		_, hasSnap, err := p.snapshotCompression(ctx, g)
		if err != nil {
			return nil, "", err
		}
		if hasSnap {
			return chain, g, nil
		}
		chain = append(chain, g)

		parent, ok, err := p.gens.GetDependency(ctx, g)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			return nil, "", types.NewError(types.KindFatal, "generation "+g+" has no snapshot and no parent")
		}
		g = parent
	}
}

func reversed(s []string) []string {
	out := make([]string, len(s))
	for i, v := range s {
		out[len(s)-1-i] = v
	}
	return out
}

func (p *Planner) snapshotCompression(ctx context.Context, gen string) (types.Compression, bool, error) {
	for _, c := range []types.Compression{types.CompressionRaw, types.CompressionGzip} {
		key := objectkey.Snapshot(p.dbName, gen, c)
		ok, err := p.client.Head(ctx, key)
		if err != nil {
			return "", false, err
		}
		if ok {
			return c, true, nil
		}
	}
	return "", false, nil
}

func (p *Planner) applySnapshot(ctx context.Context, dbFile *os.File, gen string) error {
	comp, ok, err := p.snapshotCompression(ctx, gen)
	if err != nil {
		return err
	}
	if !ok {
		return types.NewError(types.KindFatal, "generation "+gen+" is missing its snapshot")
	}

	rc, err := p.client.Get(ctx, objectkey.Snapshot(p.dbName, gen, comp))
	if err != nil {
		return types.WrapError(types.KindStore, "download snapshot", err)
	}
	defer rc.Close()

	var body io.Reader = rc
	if comp == types.CompressionGzip {
		gz, err := gzip.NewReader(rc)
		if err != nil {
			return types.WrapError(types.KindWalCorrupt, "open gzip snapshot", err)
		}
		defer gz.Close()
		body = gz
	}

	if _, err := io.Copy(&offsetWriter{f: dbFile}, body); err != nil {
		return fmt.Errorf("restore: write snapshot body: %w", err)
	}
	return dbFile.Sync()
}

// offsetWriter adapts an *os.File into a plain io.Writer starting at
// offset 0, so snapshot bytes land at the start of a freshly truncated
// file regardless of the file's current seek position.
type offsetWriter struct {
	f   *os.File
	pos int64
}

func (w *offsetWriter) Write(p []byte) (int, error) {
	n, err := w.f.WriteAt(p, w.pos)
	w.pos += int64(n)
	return n, err
}

// loadMeta reads a generation's ".meta" object: page size + initial
// checksum seed.
func (p *Planner) loadMeta(ctx context.Context, gen string) (pageSize uint32, seed walcrc.Sum, err error) {
	rc, err := p.client.Get(ctx, objectkey.Meta(p.dbName, gen))
	if err != nil {
		return 0, walcrc.Sum{}, types.WrapError(types.KindStore, "read .meta for "+gen, err)
	}
	defer rc.Close()

	var buf [types.MetaObjectSize]byte
	if _, err := io.ReadFull(rc, buf[:]); err != nil {
		return 0, walcrc.Sum{}, types.WrapError(types.KindStore, "short .meta for "+gen, err)
	}
	pageSize = binary.BigEndian.Uint32(buf[0:4])
	seed = walcrc.Seed(binary.BigEndian.Uint32(buf[4:8]), binary.BigEndian.Uint32(buf[8:12]))
	return pageSize, seed, nil
}

// replayGeneration streams every batch of one generation, in order,
// flushing pages to dbFile at each commit boundary. boundFrame, if
// nonzero, stops replay once frames up to and including boundFrame have
// been applied (used for the newest/target generation, bounded to
// F_last). tsBound, if non-zero, stops replay at the first batch whose
// embedded timestamp exceeds it. Returns the number of frames applied.
func (p *Planner) replayGeneration(ctx context.Context, dbFile *os.File, gen string, boundFrame uint32, tsBound time.Time) (int, error) {
	pageSize, seed, err := p.loadMeta(ctx, gen)
	if err != nil {
		return 0, err
	}

	names, keys, err := p.listBatches(ctx, gen)
	if err != nil {
		return 0, err
	}

	cache := pagecache.New(int64(pageSize), p.cfg.RestoreTransactionPageSwapAfter, p.cfg.RestoreTransactionCacheFpath)
	defer cache.Drop()

	var lastApplied uint32
	checksum := seed
	applied := 0

	for i, bn := range names {
		if boundFrame > 0 && bn.First > boundFrame {
			break
		}
		if lastApplied != 0 && bn.First != lastApplied+1 {
			return applied, types.NewError(types.KindBatchGap, fmt.Sprintf("generation %s: batch gap before frame %d", gen, bn.First))
		}
		if lastApplied == 0 && bn.First != 1 {
			return applied, types.NewError(types.KindBatchGap, fmt.Sprintf("generation %s: first batch does not start at frame 1", gen))
		}
		if !tsBound.IsZero() && time.UnixMilli(bn.EpochMillis).After(tsBound) {
			break
		}

		n, newChecksum, err := p.replayBatch(ctx, dbFile, keys[i], bn, pageSize, checksum, cache)
		if err != nil {
			return applied, err
		}
		checksum = newChecksum
		applied += n
		lastApplied = bn.Last

		if boundFrame > 0 && lastApplied >= boundFrame {
			break
		}
	}
	return applied, nil
}

func (p *Planner) replayBatch(ctx context.Context, dbFile *os.File, key string, bn types.BatchName, pageSize uint32, seed walcrc.Sum, cache *pagecache.Cache) (int, walcrc.Sum, error) {
	rc, err := p.client.Get(ctx, key)
	if err != nil {
		return 0, seed, types.WrapError(types.KindStore, "download batch "+key, err)
	}
	defer rc.Close()

	reader, err := batchreader.New(rc, bn.Compression, int(pageSize), p.cfg.VerifyChecksums(), seed)
	if err != nil {
		return 0, seed, err
	}
	defer reader.Close()

	n := 0
	buf := make([]byte, pageSize)
	for {
		hdr, err := reader.NextFrameHeader()
		if err != nil {
			if err == batchreader.ErrEOF {
				break
			}
			return n, reader.Checksum(), err
		}
		if err := reader.NextPage(buf); err != nil {
			return n, reader.Checksum(), err
		}
		if err := cache.Insert(hdr.PageNo, buf); err != nil {
			return n, reader.Checksum(), fmt.Errorf("restore: cache insert: %w", err)
		}
		n++

		if hdr.IsCommit() {
			if err := cache.Flush(dbFile); err != nil {
				return n, reader.Checksum(), fmt.Errorf("restore: flush page cache: %w", err)
			}
		}
	}
	return n, reader.Checksum(), nil
}
