package pagecache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memFile is a minimal DBFile fake backed by a growable byte slice.
type memFile struct {
	data   []byte
	synced bool
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[off:end], p)
	return len(p), nil
}

func (m *memFile) Sync() error {
	m.synced = true
	return nil
}

func page(pageSize int, fill byte) []byte {
	p := make([]byte, pageSize)
	for i := range p {
		p[i] = fill
	}
	return p
}

func TestInsertAndFlush(t *testing.T) {
	c := New(4096, 0, "")
	require.NoError(t, c.Insert(1, page(4096, 0xAA)))
	require.NoError(t, c.Insert(2, page(4096, 0xBB)))
	assert.Equal(t, 2, c.Len())

	db := &memFile{}
	require.NoError(t, c.Flush(db))

	assert.True(t, db.synced)
	assert.Equal(t, byte(0xAA), db.data[0])
	assert.Equal(t, byte(0xBB), db.data[4096])
	assert.Equal(t, 0, c.Len(), "cache resets after flush")
}

func TestFlushOnEmptyCacheIsNoop(t *testing.T) {
	c := New(4096, 0, "")
	db := &memFile{}
	require.NoError(t, c.Flush(db))
	assert.False(t, db.synced)
}

func TestInsertRejectsWrongPageSize(t *testing.T) {
	c := New(4096, 0, "")
	err := c.Insert(1, make([]byte, 10))
	assert.Error(t, err)
}

func TestInsertOverwritesSamePage(t *testing.T) {
	c := New(4096, 0, "")
	require.NoError(t, c.Insert(1, page(4096, 0x01)))
	require.NoError(t, c.Insert(1, page(4096, 0x02)))
	assert.Equal(t, 1, c.Len())

	db := &memFile{}
	require.NoError(t, c.Flush(db))
	assert.Equal(t, byte(0x02), db.data[0])
}

func TestSpillsAfterSwapThreshold(t *testing.T) {
	dir := t.TempDir()
	c := New(16, 1, filepath.Join(dir, "spill"))

	require.NoError(t, c.Insert(1, page(16, 0x01)))
	require.NoError(t, c.Insert(2, page(16, 0x02)))
	assert.Greater(t, c.SpillSize(), int64(0))
	assert.Equal(t, 2, c.Len())

	db := &memFile{}
	require.NoError(t, c.Flush(db))
	assert.Equal(t, byte(0x01), db.data[0])
	assert.Equal(t, byte(0x02), db.data[16])
}

func TestResetReclaimsSpillFileAcrossTransactions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spill")
	c := New(16, 1, path)

	require.NoError(t, c.Insert(1, page(16, 0x01)))
	require.NoError(t, c.Insert(2, page(16, 0x02)))
	firstSpillSize := c.SpillSize()
	assert.Greater(t, firstSpillSize, int64(0))

	db := &memFile{}
	require.NoError(t, c.Flush(db))
	assert.Equal(t, int64(0), c.SpillSize(), "spill file should be reclaimed after flush")

	// A second transaction that spills the same number of pages should
	// not grow the spill file beyond what one transaction needs.
	require.NoError(t, c.Insert(3, page(16, 0x03)))
	require.NoError(t, c.Insert(4, page(16, 0x04)))
	assert.Equal(t, firstSpillSize, c.SpillSize())

	require.NoError(t, c.Flush(db))
	assert.Equal(t, byte(0x03), db.data[32])
	assert.Equal(t, byte(0x04), db.data[48])
}

func TestDropRemovesSpillFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spill")
	c := New(16, 1, path)

	require.NoError(t, c.Insert(1, page(16, 0x01)))
	require.NoError(t, c.Insert(2, page(16, 0x02)))
	require.NoError(t, c.Drop())
	assert.Equal(t, 0, c.Len())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "spill file should be removed")
}
