// ============================================================================
// Bottomless Replicator - Batch Reader (C6)
// ============================================================================
//
// Package: internal/batchreader
// File: batchreader.go
// Purpose: Stream a downloaded batch object, optionally decompressing,
// yielding frame-header/page pairs with optional CRC verification.
//
// ============================================================================

package batchreader

import (
	"compress/gzip"
	"encoding/binary"
	"errors"
	"io"

	"github.com/ChuLiYu/wal-replicator/internal/walcrc"
	"github.com/ChuLiYu/wal-replicator/pkg/types"
)

// ErrEOF is returned by NextFrameHeader at a clean end of the batch.
var ErrEOF = errors.New("batchreader: clean eof")

// Reader streams frame-header/page pairs out of one batch object's body.
type Reader struct {
	src      io.Reader
	gz       *gzip.Reader
	pageSize int

	verify  bool
	sum     walcrc.Sum
	lastHdr types.FrameHeader
}

// New constructs a Reader. seed is only meaningful when verify is true:
// it is the checksum carried over from the previous
// batch (or the WAL's initial checksum for the first batch in a
// generation).
func New(body io.Reader, compression types.Compression, pageSize int, verify bool, seed walcrc.Sum) (*Reader, error) {
	r := &Reader{src: body, pageSize: pageSize, verify: verify, sum: seed}
	if compression == types.CompressionGzip {
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, types.WrapError(types.KindWalCorrupt, "open gzip batch stream", err)
		}
		r.gz = gz
		r.src = gz
	}
	return r, nil
}

// Close releases the gzip reader, if any. It does not close the
// underlying body; the caller owns that.
func (r *Reader) Close() error {
	if r.gz != nil {
		return r.gz.Close()
	}
	return nil
}

// NextFrameHeader reads one 24-byte frame header, or returns ErrEOF at a
// clean end of stream (no bytes read at all). A partial header read is a
// corruption error, not EOF.
func (r *Reader) NextFrameHeader() (types.FrameHeader, error) {
	var buf [types.FrameHeaderSize]byte
	n, err := io.ReadFull(r.src, buf[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return types.FrameHeader{}, ErrEOF
		}
		return types.FrameHeader{}, types.WrapError(types.KindWalCorrupt, "short frame header", err)
	}

	hdr := types.FrameHeader{
		PageNo:    binary.BigEndian.Uint32(buf[0:4]),
		SizeAfter: binary.BigEndian.Uint32(buf[4:8]),
		Checksum1: binary.BigEndian.Uint32(buf[8:12]),
		Checksum2: binary.BigEndian.Uint32(buf[12:16]),
	}
	r.lastHdr = hdr
	return hdr, nil
}

// NextPage reads exactly pageSize bytes into buf, which must have length
// pageSize, and (if verification is enabled) updates and checks the
// rolling checksum against the header most recently returned by
// NextFrameHeader.
func (r *Reader) NextPage(buf []byte) error {
	if len(buf) != r.pageSize {
		return types.NewError(types.KindFatal, "batchreader: page buffer has wrong size")
	}
	if _, err := io.ReadFull(r.src, buf); err != nil {
		return types.WrapError(types.KindWalCorrupt, "short page read", err)
	}

	if !r.verify {
		return nil
	}

	var prefix [8]byte
	binary.BigEndian.PutUint32(prefix[0:4], r.lastHdr.PageNo)
	binary.BigEndian.PutUint32(prefix[4:8], r.lastHdr.SizeAfter)
	want := walcrc.Sum{S0: r.lastHdr.Checksum1, S1: r.lastHdr.Checksum2}

	next := r.sum.Next(prefix, buf)
	if next != want {
		return types.NewError(types.KindChecksumMismatch, "frame checksum mismatch")
	}
	r.sum = next
	return nil
}

// Checksum returns the current rolling checksum state, to be threaded as
// the seed into the next batch's Reader.
func (r *Reader) Checksum() walcrc.Sum { return r.sum }
