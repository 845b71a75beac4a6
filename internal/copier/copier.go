// ============================================================================
// Bottomless Replicator - Frame Batch Writer / Copier (C3)
// ============================================================================
//
// Package: internal/copier
// File: copier.go
// Purpose: Read a contiguous WAL frame range off the local WAL file and
// write it, optionally gzip-compressed, to a local staging file under
// {staging_dir}/{db-name}-{generation}/.
//
// Ordering guarantee upheld by the caller (internal/replicator's batching
// task): frame ranges handed to Copy are strictly increasing and
// contiguous within one generation, and Copy is only ever called serially
// from that one task.
//
// ============================================================================

package copier

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/wal-replicator/internal/objectkey"
	"github.com/ChuLiYu/wal-replicator/pkg/types"
)

// Descriptor identifies one local batch file awaiting upload.
type Descriptor struct {
	Generation  string
	First, Last uint32
	EpochMillis int64
	Compression types.Compression
	LocalPath   string
	Key         string // destination object key
}

// Copier reads frame ranges out of one live WAL file.
type Copier struct {
	walPath     string
	dbName      string
	stagingDir  string
	compression types.Compression
}

// New builds a Copier. walPath is the path to "<db>-wal"; stagingDir is
// the root of the local staging tree.
func New(walPath, dbName, stagingDir string, compression types.Compression) *Copier {
	return &Copier{walPath: walPath, dbName: dbName, stagingDir: stagingDir, compression: compression}
}

// Copy reads frames [first, last] (inclusive, 1-based within the
// generation) from the WAL file and writes them to a new local staging
// file. nowMillis is the epoch-ms embedded in the batch filename.
func (c *Copier) Copy(generation string, pageSize uint32, first, last uint32, nowMillis int64) (Descriptor, error) {
	if last < first {
		return Descriptor{}, fmt.Errorf("copier: invalid frame range [%d,%d]", first, last)
	}

	wal, err := os.Open(c.walPath)
	if err != nil {
		return Descriptor{}, types.WrapError(types.KindWalAbsent, "open wal for copy", err)
	}
	defer wal.Close()

	dir := filepath.Join(c.stagingDir, fmt.Sprintf("%s-%s", c.dbName, generation))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Descriptor{}, fmt.Errorf("copier: mkdir staging dir: %w", err)
	}

	ext := string(c.compression)
	localName := fmt.Sprintf("%010d-%010d-%d.%s", first, last, nowMillis, ext)
	localPath := filepath.Join(dir, localName)

	out, err := os.Create(localPath)
	if err != nil {
		return Descriptor{}, fmt.Errorf("copier: create staging file: %w", err)
	}
	defer out.Close()

	var w io.Writer = out
	var gz *gzip.Writer
	if c.compression == types.CompressionGzip {
		gz = gzip.NewWriter(out)
		w = gz
	}

	frameSpan := int64(types.FrameHeaderSize) + int64(pageSize)
	offset := types.WalHeaderSize + int64(first-1)*frameSpan
	n := int64(last-first+1) * frameSpan

	if _, err := io.Copy(w, io.NewSectionReader(wal, offset, n)); err != nil {
		return Descriptor{}, fmt.Errorf("copier: copy frames [%d,%d]: %w", first, last, err)
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return Descriptor{}, fmt.Errorf("copier: close gzip encoder: %w", err)
		}
	}
	if err := out.Sync(); err != nil {
		return Descriptor{}, fmt.Errorf("copier: sync staging file: %w", err)
	}

	return Descriptor{
		Generation:  generation,
		First:       first,
		Last:        last,
		EpochMillis: nowMillis,
		Compression: c.compression,
		LocalPath:   localPath,
		Key:         objectkey.Batch(c.dbName, generation, first, last, nowMillis, c.compression),
	}, nil
}

// StagingDir returns the staging subdirectory for one generation, used by
// the "upload remaining files" sweep.
func (c *Copier) StagingDir(generation string) string {
	return filepath.Join(c.stagingDir, fmt.Sprintf("%s-%s", c.dbName, generation))
}
