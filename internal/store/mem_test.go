package store

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	c := NewMemClient()
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k1", strings.NewReader("hello")))

	rc, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	c := NewMemClient()
	_, err := c.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHeadAndDelete(t *testing.T) {
	c := NewMemClient()
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "k1", strings.NewReader("x")))

	ok, err := c.Head(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Delete(ctx, "k1"))

	ok, err = c.Head(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListIsLexicographic(t *testing.T) {
	c := NewMemClient()
	ctx := context.Background()
	for _, k := range []string{"app-g/0000000003", "app-g/0000000001", "app-g/0000000002"} {
		require.NoError(t, c.Put(ctx, k, strings.NewReader("x")))
	}

	res, err := c.List(ctx, "app-g/", "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"app-g/0000000001", "app-g/0000000002", "app-g/0000000003"}, res.Keys)
	assert.False(t, res.Truncated)
}

func TestListPagination(t *testing.T) {
	c := NewMemClient()
	ctx := context.Background()
	for _, k := range []string{"a/1", "a/2", "a/3", "a/4"} {
		require.NoError(t, c.Put(ctx, k, strings.NewReader("x")))
	}

	first, err := c.List(ctx, "a/", "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "a/2"}, first.Keys)
	assert.True(t, first.Truncated)

	second, err := c.List(ctx, "a/", first.NextMarker, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/3", "a/4"}, second.Keys)
	assert.False(t, second.Truncated)
}

func TestSetPageSizeForcesPagination(t *testing.T) {
	c := NewMemClient()
	c.SetPageSize(1)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "a/1", strings.NewReader("x")))
	require.NoError(t, c.Put(ctx, "a/2", strings.NewReader("x")))

	res, err := c.List(ctx, "a/", "", 0)
	require.NoError(t, err)
	assert.Len(t, res.Keys, 1)
	assert.True(t, res.Truncated)
}

func TestListCommonPrefixes(t *testing.T) {
	c := NewMemClient()
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "app-gen1/db.db", strings.NewReader("x")))
	require.NoError(t, c.Put(ctx, "app-gen2/db.db", strings.NewReader("x")))

	prefixes, err := c.ListCommonPrefixes(ctx, "app-", "/")
	require.NoError(t, err)
	assert.Equal(t, []string{"app-gen1/", "app-gen2/"}, prefixes)
}

func TestHeadBucketAndCreateBucket(t *testing.T) {
	c := &MemClient{objects: make(map[string][]byte)}
	ok, err := c.HeadBucket(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.CreateBucket(context.Background()))
	ok, err = c.HeadBucket(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}
