// ============================================================================
// Bottomless Replicator - Transaction Page Cache (C5)
// ============================================================================
//
// Package: internal/pagecache
// File: pagecache.go
// Purpose: Accumulate per-page writes for one WAL-replay transaction and
// flush them atomically to the target db file at a commit boundary.
//
// Policy: pages are kept in a map from page number to bytes. Once the
// number of cached pages exceeds swapAfter, further inserts spill to a
// local append-log file (cacheFpath), with an in-memory page_no -> offset
// index tracking where each spilled page landed. Flush materializes every
// cached page (from RAM or by reading its spill offset) and writes it to
// the db file at (page_no-1)*page_size.
//
// Invariants upheld here:
//   - every Flush is preceded by at least one Insert (Flush on an empty
//     cache is a no-op, never touches the db file);
//   - a page is never written to the db file outside Flush;
//   - after Flush the cache is reconstituted empty, ready for the next
//     transaction.
//
// ============================================================================

package pagecache

import (
	"fmt"
	"io"
	"os"
)

// DBFile is the subset of *os.File the Cache needs to flush into, so tests
// can substitute an in-memory fake.
type DBFile interface {
	io.WriterAt
	Sync() error
}

// Cache accumulates pages for one transaction at a time. Not safe for
// concurrent use; the restore planner owns one Cache per replayed
// generation, reuses it for each transaction in turn (Flush resets it),
// and never shares it across goroutines.
type Cache struct {
	pageSize   int64
	swapAfter  int
	cacheFpath string

	pages     map[uint32][]byte // in-RAM pages, page_no -> bytes
	spillIdx  map[uint32]int64  // page_no -> offset in the spill file, for pages evicted to disk
	spillFile *os.File
	spillPos  int64
	order     []uint32 // insertion order, for deterministic flush (mostly for tests)
}

// New builds an empty Cache. swapAfter<=0 means "never spill".
func New(pageSize int64, swapAfter int, cacheFpath string) *Cache {
	return &Cache{
		pageSize:   pageSize,
		swapAfter:  swapAfter,
		cacheFpath: cacheFpath,
		pages:      make(map[uint32][]byte),
		spillIdx:   make(map[uint32]int64),
	}
}

// Insert records one page's bytes for the current transaction. page must
// be exactly pageSize bytes; Insert copies it.
func (c *Cache) Insert(pageNo uint32, page []byte) error {
	if int64(len(page)) != c.pageSize {
		return fmt.Errorf("pagecache: page %d has %d bytes, want %d", pageNo, len(page), c.pageSize)
	}

	if _, already := c.pages[pageNo]; !already {
		if _, already := c.spillIdx[pageNo]; !already {
			c.order = append(c.order, pageNo)
		}
	}

	if c.swapAfter > 0 && len(c.pages) >= c.swapAfter {
		if err := c.spill(pageNo, page); err != nil {
			return err
		}
		delete(c.pages, pageNo)
		return nil
	}

	buf := make([]byte, len(page))
	copy(buf, page)
	c.pages[pageNo] = buf
	delete(c.spillIdx, pageNo)
	return nil
}

func (c *Cache) spill(pageNo uint32, page []byte) error {
	if c.spillFile == nil {
		f, err := os.OpenFile(c.cacheFpath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("pagecache: open spill file: %w", err)
		}
		c.spillFile = f
	}
	if _, err := c.spillFile.WriteAt(page, c.spillPos); err != nil {
		return fmt.Errorf("pagecache: write spill offset %d: %w", c.spillPos, err)
	}
	c.spillIdx[pageNo] = c.spillPos
	c.spillPos += int64(len(page))
	return nil
}

// Len returns the number of distinct pages currently cached (RAM + spill).
func (c *Cache) Len() int { return len(c.order) }

// SpillSize returns the current size in bytes of the spill file (0 if the
// cache never spilled).
func (c *Cache) SpillSize() int64 { return c.spillPos }

// Flush writes every cached page to db at (page_no-1)*pageSize and syncs
// the file. A flush on an empty cache is a no-op.
func (c *Cache) Flush(db DBFile) error {
	if len(c.order) == 0 {
		return nil
	}

	for _, pageNo := range c.order {
		data, err := c.materialize(pageNo)
		if err != nil {
			return err
		}
		offset := int64(pageNo-1) * c.pageSize
		if _, err := db.WriteAt(data, offset); err != nil {
			return fmt.Errorf("pagecache: write page %d to db at offset %d: %w", pageNo, offset, err)
		}
	}
	if err := db.Sync(); err != nil {
		return fmt.Errorf("pagecache: sync db file: %w", err)
	}

	c.reset()
	return nil
}

func (c *Cache) materialize(pageNo uint32) ([]byte, error) {
	if data, ok := c.pages[pageNo]; ok {
		return data, nil
	}
	offset, ok := c.spillIdx[pageNo]
	if !ok {
		return nil, fmt.Errorf("pagecache: page %d missing from cache and spill index", pageNo)
	}
	buf := make([]byte, c.pageSize)
	if _, err := c.spillFile.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("pagecache: read spilled page %d at offset %d: %w", pageNo, offset, err)
	}
	return buf, nil
}

// reset clears the cache after a successful Flush. It also closes and
// removes the spill file so a long replay's back-to-back transactions
// each start spilling from offset 0 instead of growing the spill file
// for the lifetime of the whole replay.
func (c *Cache) reset() {
	c.pages = make(map[uint32][]byte)
	c.spillIdx = make(map[uint32]int64)
	c.order = nil
	if c.spillFile != nil {
		path := c.spillFile.Name()
		c.spillFile.Close()
		os.Remove(path)
		c.spillFile = nil
	}
	c.spillPos = 0
}

// Drop releases resources (the spill file, if any) without flushing.
func (c *Cache) Drop() error {
	c.reset()
	return nil
}
