package cdse

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/water-monitor-etl/internal/observability"
)

// --- mock for cache tests ---

type countingFetcher struct {
	ndwiCalls      int
	trueColorCalls int
	data           []byte
	err            error
}

func (m *countingFetcher) FetchNDWI(_ context.Context, _ Request) ([]byte, error) {
	m.ndwiCalls++
	return m.data, m.err
}

func (m *countingFetcher) FetchTrueColor(_ context.Context, _ Request) ([]byte, error) {
	m.trueColorCalls++
	return m.data, m.err
}

// --- CachedFetcher tests ---

func TestCachedFetcher_Hit(t *testing.T) {
	inner := &countingFetcher{data: []byte("png")}
	cached := NewCachedFetcher(inner, 10, observability.NewMetricsForTesting())

	d1, err := cached.FetchNDWI(context.Background(), testRequest)
	require.NoError(t, err)
	d2, err := cached.FetchNDWI(context.Background(), testRequest)
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
	assert.Equal(t, 1, inner.ndwiCalls, "should only call inner once")
}

func TestCachedFetcher_RefreshReplacesEntry(t *testing.T) {
	inner := &countingFetcher{data: []byte("old")}
	metrics := observability.NewMetricsForTesting()
	cached := NewCachedFetcher(inner, 10, metrics)

	_, err := cached.FetchNDWI(context.Background(), testRequest)
	require.NoError(t, err)

	inner.data = []byte("new")
	refresh := testRequest
	refresh.Refresh = true
	data, err := cached.FetchNDWI(context.Background(), refresh)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), data)
	assert.Equal(t, 2, inner.ndwiCalls)

	data, err = cached.FetchNDWI(context.Background(), testRequest)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), data, "refreshed render replaces the cached one")
	assert.Equal(t, 2, inner.ndwiCalls)
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.ImageryCache.WithLabelValues("ndwi", "refresh")), 1e-9)
}

func TestCachedFetcher_ProductsAndDatesAreDistinct(t *testing.T) {
	inner := &countingFetcher{data: []byte("png")}
	cached := NewCachedFetcher(inner, 10, observability.NewMetricsForTesting())

	next := testRequest
	next.Date = next.Date.AddDate(0, 0, 1)

	_, _ = cached.FetchNDWI(context.Background(), testRequest)
	_, _ = cached.FetchNDWI(context.Background(), next)
	_, _ = cached.FetchTrueColor(context.Background(), testRequest)

	assert.Equal(t, 2, inner.ndwiCalls)
	assert.Equal(t, 1, inner.trueColorCalls)
}

func TestCachedFetcher_ErrorsAndEmptyNotCached(t *testing.T) {
	inner := &countingFetcher{err: errors.New("boom")}
	cached := NewCachedFetcher(inner, 10, observability.NewMetricsForTesting())

	_, err := cached.FetchNDWI(context.Background(), testRequest)
	require.Error(t, err)

	inner.err = nil
	_, err = cached.FetchNDWI(context.Background(), testRequest)
	require.NoError(t, err)
	_, err = cached.FetchNDWI(context.Background(), testRequest)
	require.NoError(t, err)

	assert.Equal(t, 3, inner.ndwiCalls)
}

// --- LRU cache unit tests ---

func TestLRUCache_BasicGetPut(t *testing.T) {
	c := newLRUCache(3)

	c.put("a", []byte("A"))
	c.put("b", []byte("B"))

	v, ok := c.get("a")
	assert.True(t, ok)
	assert.Equal(t, []byte("A"), v)

	_, ok = c.get("missing")
	assert.False(t, ok)
}

func TestLRUCache_Eviction(t *testing.T) {
	c := newLRUCache(2)

	c.put("a", []byte("A"))
	c.put("b", []byte("B"))
	c.get("a")              // a is now most recent
	c.put("c", []byte("C")) // evicts b

	_, ok := c.get("b")
	assert.False(t, ok, "b should have been evicted")
	_, ok = c.get("a")
	assert.True(t, ok)
	_, ok = c.get("c")
	assert.True(t, ok)
}

func TestLRUCache_UpdateExisting(t *testing.T) {
	c := newLRUCache(2)

	c.put("a", []byte("1"))
	c.put("a", []byte("2"))

	v, ok := c.get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("2"), v)
	assert.Len(t, c.entries, 1)
}
