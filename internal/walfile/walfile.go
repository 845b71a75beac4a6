// ============================================================================
// Bottomless Replicator - WAL File Reader
// ============================================================================
//
// Package: internal/walfile
// File: walfile.go
// Purpose: Open the live "<db>-wal" file and expose the handful of fields
// the replicator core needs: page size, checksum seed, and frame count.
//
// WAL Header Layout (32 bytes, SQLite-WAL-style, big-endian):
//   offset  0- 3: magic number (unused by the core beyond validating length)
//   offset  4- 7: file format version
//   offset  8-11: page size in bytes
//   offset 12-15: checkpoint sequence number (unused by the core)
//   offset 16-23: salt-1 / salt-2 (unused by the core)
//   offset 24-27: checksum-1 (initial rolling checksum, word 1)
//   offset 28-31: checksum-2 (initial rolling checksum, word 2)
//
// Frame layout on disk: 24-byte FrameHeader + page_size bytes, starting
// immediately after the 32-byte file header. frame_count = (len-32)/(24+page_size).
//
// ============================================================================

package walfile

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/ChuLiYu/wal-replicator/pkg/types"
)

// Reader exposes the header fields and frame count of a live WAL file.
// The core only ever needs these three values plus raw byte-range reads,
// which the Copier (internal/copier) performs directly against Path.
type Reader struct {
	Path             string
	PageSize         uint32
	InitialChecksum1 uint32
	InitialChecksum2 uint32
	fileLen          int64
}

// Open parses the WAL header at path. Returns a *types.Error with
// Kind == KindWalAbsent if the file does not exist, or KindWalCorrupt if
// the header is short or malformed.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.NewError(types.KindWalAbsent, fmt.Sprintf("wal file %q does not exist", path))
		}
		return nil, types.WrapError(types.KindFatal, "open wal file", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, types.WrapError(types.KindFatal, "stat wal file", err)
	}

	header := make([]byte, types.WalHeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		return nil, types.WrapError(types.KindWalCorrupt, "short wal header", err)
	}

	pageSize := binary.BigEndian.Uint32(header[8:12])
	if pageSize == 0 {
		return nil, types.NewError(types.KindWalCorrupt, "wal header declares zero page size")
	}

	frameSpan := int64(types.FrameHeaderSize) + int64(pageSize)
	remainder := info.Size() - types.WalHeaderSize
	if remainder < 0 || remainder%frameSpan != 0 {
		return nil, types.NewError(types.KindWalCorrupt, "wal file length is not frame-aligned")
	}

	return &Reader{
		Path:             path,
		PageSize:         pageSize,
		InitialChecksum1: binary.BigEndian.Uint32(header[24:28]),
		InitialChecksum2: binary.BigEndian.Uint32(header[28:32]),
		fileLen:          info.Size(),
	}, nil
}

// FrameCount returns the number of complete frames currently in the file.
func (r *Reader) FrameCount() uint32 {
	frameSpan := int64(types.FrameHeaderSize) + int64(r.PageSize)
	return uint32((r.fileLen - types.WalHeaderSize) / frameSpan)
}

// FrameOffset returns the byte offset of frame n (1-based) within the WAL
// file, per 32 + (n-1)*(page_size+24).
func (r *Reader) FrameOffset(n uint32) int64 {
	frameSpan := int64(types.FrameHeaderSize) + int64(r.PageSize)
	return types.WalHeaderSize + int64(n-1)*frameSpan
}

// Exists reports whether a file exists at path. It does not read or
// validate the WAL header; Open does that.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
