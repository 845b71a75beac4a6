// ============================================================================
// Bottomless Replicator - Object Key Layout
// ============================================================================
//
// Package: internal/objectkey
// File: keys.go
// Purpose: Build and parse the object keys of the backup store's wire format.
// Every other package that touches the object store's namespace goes
// through this package so the layout is defined in exactly one place.
//
// Layout:
//   {db-name}.tombstone
//   {db-name}-{generation}/db.db | db.gz
//   {db-name}-{generation}/.meta
//   {db-name}-{generation}/.changecounter
//   {db-name}-{generation}/.dep
//   {db-name}-{generation}/{first}-{last}-{ms}.gz|raw      (padded to 10 digits)
//
// Batch filenames are zero-padded to a fixed width so that lexicographic
// order equals numeric order. Only the timestamped form is accepted;
// ParseBatchName rejects the legacy un-timestamped "{first}-{last}.{ext}"
// pattern rather than guessing an epoch for it.
// ============================================================================

package objectkey

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ChuLiYu/wal-replicator/pkg/types"
)

const framePad = 10

// GenerationPrefix returns "{db-name}-{generation}/".
func GenerationPrefix(dbName, generation string) string {
	return fmt.Sprintf("%s-%s/", dbName, generation)
}

// Tombstone returns "{db-name}.tombstone".
func Tombstone(dbName string) string {
	return dbName + ".tombstone"
}

// Meta returns "{db-name}-{generation}/.meta".
func Meta(dbName, generation string) string {
	return GenerationPrefix(dbName, generation) + ".meta"
}

// ChangeCounter returns "{db-name}-{generation}/.changecounter".
func ChangeCounter(dbName, generation string) string {
	return GenerationPrefix(dbName, generation) + ".changecounter"
}

// Dep returns "{db-name}-{generation}/.dep".
func Dep(dbName, generation string) string {
	return GenerationPrefix(dbName, generation) + ".dep"
}

// Snapshot returns "{db-name}-{generation}/db.db" or ".../db.gz".
func Snapshot(dbName, generation string, compression types.Compression) string {
	ext := "db"
	if compression == types.CompressionGzip {
		ext = "gz"
	}
	return GenerationPrefix(dbName, generation) + "db." + ext
}

// Batch returns "{db-name}-{generation}/{first}-{last}-{ms}.{ext}" with
// first/last zero-padded to framePad digits.
func Batch(dbName, generation string, first, last uint32, epochMillis int64, compression types.Compression) string {
	return fmt.Sprintf("%s%0*d-%0*d-%d.%s",
		GenerationPrefix(dbName, generation), framePad, first, framePad, last, epochMillis, compression)
}

// ParseBatchName parses the filename portion (no directory prefix) of a
// batch object key. Returns an error for anything that doesn't match the
// mandated timestamped pattern, including the legacy
// "{first}-{last}.{ext}" form.
func ParseBatchName(name string) (types.BatchName, error) {
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 {
		return types.BatchName{}, fmt.Errorf("objectkey: %q has no extension", name)
	}
	ext := name[dot+1:]
	var comp types.Compression
	switch ext {
	case string(types.CompressionRaw):
		comp = types.CompressionRaw
	case string(types.CompressionGzip):
		comp = types.CompressionGzip
	default:
		return types.BatchName{}, fmt.Errorf("objectkey: %q has unknown compression extension %q", name, ext)
	}

	parts := strings.Split(name[:dot], "-")
	if len(parts) != 3 {
		return types.BatchName{}, fmt.Errorf("objectkey: %q is not in {first}-{last}-{ms}.{ext} form (legacy un-timestamped names are rejected)", name)
	}

	first, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return types.BatchName{}, fmt.Errorf("objectkey: %q has invalid first-frame: %w", name, err)
	}
	last, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return types.BatchName{}, fmt.Errorf("objectkey: %q has invalid last-frame: %w", name, err)
	}
	ms, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return types.BatchName{}, fmt.Errorf("objectkey: %q has invalid timestamp: %w", name, err)
	}

	return types.BatchName{First: uint32(first), Last: uint32(last), EpochMillis: ms, Compression: comp}, nil
}

// IsMeta, IsDep, IsChangeCounter, IsSnapshot classify the filename portion
// of a key found under a generation prefix during a directory listing.
func IsMeta(name string) bool           { return name == ".meta" }
func IsDep(name string) bool            { return name == ".dep" }
func IsChangeCounter(name string) bool  { return name == ".changecounter" }
func IsSnapshot(name string) (types.Compression, bool) {
	switch name {
	case "db.db":
		return types.CompressionRaw, true
	case "db.gz":
		return types.CompressionGzip, true
	default:
		return "", false
	}
}

// Basename returns the filename portion of a full key under a generation
// prefix ("{db-name}-{generation}/").
func Basename(key string) string {
	if idx := strings.LastIndexByte(key, '/'); idx >= 0 {
		return key[idx+1:]
	}
	return key
}
