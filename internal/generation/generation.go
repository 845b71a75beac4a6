// ============================================================================
// Bottomless Replicator - Generation Manager (C7)
// ============================================================================
//
// Package: internal/generation
// File: generation.go
// Purpose: Issue time-sortable generation IDs, persist parent->child
// dependency, and track the last snapshot.
//
// ID Layout (REVERSED time):
//   16 bytes total, rendered as a UUID (lower-hex, dashes):
//     bytes 0-7: big-endian (math.MaxUint64 - unixNano), so that ASCENDING
//                lexicographic/byte order puts the NEWEST generation first.
//     bytes 8-15: random, for uniqueness among generations minted in the
//                same nanosecond.
//   This is deliberate, not guessed: it makes "find the most recent
//   generation" a bounded prefix list (first key wins) instead of an
//   unbounded scan for the maximum.
//
// ============================================================================

package generation

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/wal-replicator/internal/objectkey"
	"github.com/ChuLiYu/wal-replicator/internal/store"
	"github.com/ChuLiYu/wal-replicator/pkg/types"
)

// Manager mints generation IDs and tracks their metadata in the object
// store plus one local sentinel file.
type Manager struct {
	client             store.Client
	dbName             string
	lastSnapshotSentinel string
}

// NewManager builds a Manager. lastSnapshotSentinel is the local path used
// by SaveLastSnapshot/LoadLastSnapshot, conventionally "<db-path>.last-snapshot".
func NewManager(client store.Client, dbName, lastSnapshotSentinel string) *Manager {
	return &Manager{client: client, dbName: dbName, lastSnapshotSentinel: lastSnapshotSentinel}
}

// New mints a new generation ID with the reversed-time layout above.
func New() (string, error) {
	var b [16]byte
	reversed := math.MaxUint64 - uint64(time.Now().UnixNano())
	binary.BigEndian.PutUint64(b[0:8], reversed)
	if _, err := rand.Read(b[8:16]); err != nil {
		return "", fmt.Errorf("generation: read random suffix: %w", err)
	}
	return uuid.UUID(b).String(), nil
}

// DecodeTimestamp recovers the creation time embedded in a generation ID
// minted by New.
func DecodeTimestamp(generation string) (time.Time, error) {
	id, err := uuid.Parse(generation)
	if err != nil {
		return time.Time{}, fmt.Errorf("generation: parse %q: %w", generation, err)
	}
	b := id[:]
	reversed := binary.BigEndian.Uint64(b[0:8])
	nanos := math.MaxUint64 - reversed
	return time.Unix(0, int64(nanos)), nil
}

// StoreDependency writes the ".dep" object under the child's prefix,
// recording its parent.
func (m *Manager) StoreDependency(ctx context.Context, parent, child string) error {
	parentID, err := uuid.Parse(parent)
	if err != nil {
		return fmt.Errorf("generation: parse parent %q: %w", parent, err)
	}
	key := objectkey.Dep(m.dbName, child)
	return m.client.Put(ctx, key, bytes.NewReader(parentID[:]))
}

// GetDependency reads the parent generation of child, if any.
func (m *Manager) GetDependency(ctx context.Context, child string) (string, bool, error) {
	key := objectkey.Dep(m.dbName, child)
	rc, err := m.client.Get(ctx, key)
	if err != nil {
		if err == store.ErrNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	defer rc.Close()

	var buf [16]byte
	if _, err := io.ReadFull(rc, buf[:]); err != nil {
		return "", false, types.WrapError(types.KindStore, "read .dep for "+child, err)
	}
	return uuid.UUID(buf).String(), true, nil
}

// SaveLastSnapshot persists the local sentinel file recording which
// generation most recently received a snapshot, so that snapshot-interval
// decisions survive a process restart.
func (m *Manager) SaveLastSnapshot(generation string) error {
	id, err := uuid.Parse(generation)
	if err != nil {
		return fmt.Errorf("generation: parse %q: %w", generation, err)
	}
	return os.WriteFile(m.lastSnapshotSentinel, id[:], 0o644)
}

// LoadLastSnapshot reads the sentinel written by SaveLastSnapshot. Returns
// ("", false, nil) if no sentinel exists yet.
func (m *Manager) LoadLastSnapshot() (string, bool, error) {
	data, err := os.ReadFile(m.lastSnapshotSentinel)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	if len(data) != 16 {
		return "", false, fmt.Errorf("generation: corrupt last-snapshot sentinel %q", m.lastSnapshotSentinel)
	}
	var b [16]byte
	copy(b[:], data)
	return uuid.UUID(b).String(), true, nil
}

// LatestGenerationBefore lists generations by prefix (paginated) and
// returns the first (i.e. newest, thanks to the reversed-time layout)
// whose embedded timestamp is <= ts. If ts is the zero Time, the newest
// generation overall is returned. Returns ("", false, nil) if none exist.
func (m *Manager) LatestGenerationBefore(ctx context.Context, ts time.Time) (string, bool, error) {
	marker := ""
	for {
		res, err := m.client.List(ctx, m.dbName+"-", marker, 256)
		if err != nil {
			return "", false, err
		}

		seen := make(map[string]bool)
		for _, key := range res.Keys {
			gen, ok := generationFromKey(m.dbName, key)
			if !ok || seen[gen] {
				continue
			}
			seen[gen] = true

			genTime, err := DecodeTimestamp(gen)
			if err != nil {
				continue
			}
			if ts.IsZero() || !genTime.After(ts) {
				return gen, true, nil
			}
		}

		if !res.Truncated {
			return "", false, nil
		}
		marker = res.NextMarker
	}
}

func generationFromKey(dbName, key string) (string, bool) {
	prefix := dbName + "-"
	if len(key) <= len(prefix) {
		return "", false
	}
	rest := key[len(prefix):]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return "", false
	}
	return rest[:slash], true
}
