package cdncache

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeCacheServesFromCacheOnRepeatedGet(t *testing.T) {
	var calls int32
	rc := NewRangeCache("test", 1<<20, func(ctx context.Context, off, length int64) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		data := make([]byte, length)
		for i := range data {
			data[i] = byte(off + int64(i))
		}
		return data, nil
	})

	a, err := rc.Get(context.Background(), 0, 16)
	require.NoError(t, err)
	b, err := rc.Get(context.Background(), 4, 8)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, a[4:12], b)
}

func TestRangeCacheRefetchesDisjointRange(t *testing.T) {
	var calls int32
	rc := NewRangeCache("test", 1<<20, func(ctx context.Context, off, length int64) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return make([]byte, length), nil
	})

	_, err := rc.Get(context.Background(), 0, 8)
	require.NoError(t, err)
	_, err = rc.Get(context.Background(), 100, 8)
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRangeCacheEvictsUnderMemoryPressure(t *testing.T) {
	rc := NewRangeCache("test", 16, func(ctx context.Context, off, length int64) ([]byte, error) {
		return make([]byte, length), nil
	})

	_, err := rc.Get(context.Background(), 0, 16)
	require.NoError(t, err)
	_, err = rc.Get(context.Background(), 100, 16)
	require.NoError(t, err)

	// The cache is bounded to 16 bytes; after the second fetch the
	// first range should have been evicted.
	assert.LessOrEqual(t, rc.OccupiedSpace(), int64(16))
}
