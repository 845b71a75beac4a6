// ============================================================================
// Bottomless Replicator - In-Memory Object-Store Fake
// ============================================================================
//
// Package: internal/store
// File: mem.go
// Purpose: A Client backed by an in-memory map, used by every other
// package's tests instead of a real bucket. Preserves the same ordering
// and pagination contract as S3Client (lexicographic List, opaque marker).
//
// ============================================================================

package store

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
)

// MemClient is a Client implementation over an in-memory map. Safe for
// concurrent use.
type MemClient struct {
	mu         sync.RWMutex
	objects    map[string][]byte
	bucketOK   bool
	pageKeysAt int // forces List to paginate after this many keys, 0 = unbounded
}

// NewMemClient returns a MemClient with its bucket already created.
func NewMemClient() *MemClient {
	return &MemClient{objects: make(map[string][]byte), bucketOK: true}
}

// SetPageSize forces List to return at most n keys per call, to exercise
// marker-based pagination in tests.
func (c *MemClient) SetPageSize(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pageKeysAt = n
}

func (c *MemClient) Put(_ context.Context, key string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[key] = data
	return nil
}

func (c *MemClient) Get(_ context.Context, key string) (io.ReadCloser, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (c *MemClient) List(_ context.Context, prefix, marker string, maxKeys int) (ListResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var keys []string
	for k := range c.objects {
		if strings.HasPrefix(k, prefix) && k > marker {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	limit := maxKeys
	if c.pageKeysAt > 0 && (limit == 0 || c.pageKeysAt < limit) {
		limit = c.pageKeysAt
	}
	if limit > 0 && len(keys) > limit {
		return ListResult{Keys: keys[:limit], NextMarker: keys[limit-1], Truncated: true}, nil
	}
	return ListResult{Keys: keys}, nil
}

func (c *MemClient) ListCommonPrefixes(_ context.Context, prefix, delim string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for k := range c.objects {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := k[len(prefix):]
		if idx := strings.Index(rest, delim); idx >= 0 {
			cp := prefix + rest[:idx+len(delim)]
			if !seen[cp] {
				seen[cp] = true
				out = append(out, cp)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (c *MemClient) Head(_ context.Context, key string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.objects[key]
	return ok, nil
}

func (c *MemClient) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, key)
	return nil
}

func (c *MemClient) HeadBucket(context.Context) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bucketOK, nil
}

func (c *MemClient) CreateBucket(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bucketOK = true
	return nil
}

var _ Client = (*MemClient)(nil)
