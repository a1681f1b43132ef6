package cdncache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// byteRange is a half-open interval [start, end) into one backing
// source (an archive data file, local or on the CDN).
type byteRange [2]int64

func (r byteRange) contains(r2 byteRange) bool { return r[0] <= r2[0] && r[1] >= r2[1] }

// rangeEntry is one cached slice of bytes plus its last-access time.
// Eviction order comes from RangeCache.lruList; lastRead is recorded
// but not consulted when evicting.
type rangeEntry struct {
	value    []byte
	lastRead time.Time
}

// RangeCache is an in-memory LRU cache of byte ranges read from one
// backing source (typically a big archive data file). It sits in
// front of a ranged fetch function (a local archive's ReadAt, or
// Fetcher.GetRange for a CDN archive, which bypasses the on-disk
// cache), so a read of a range already held in memory is served
// without calling that function again.
// Concurrent misses for the same range are coalesced with
// singleflight rather than a hand-rolled condition variable.
type RangeCache struct {
	mu            sync.RWMutex
	name          string
	maxMemorySize int64
	occupiedSpace int64

	fetch func(ctx context.Context, off, length int64) ([]byte, error)

	cache   map[byteRange]rangeEntry
	lruList *list.List
	lruMap  map[byteRange]*list.Element

	group singleflight.Group
}

// NewRangeCache builds a RangeCache backed by fetch, bounded to
// maxMemorySize bytes of cached ranges.
func NewRangeCache(name string, maxMemorySize int64, fetch func(ctx context.Context, off, length int64) ([]byte, error)) *RangeCache {
	if fetch == nil {
		panic("cdncache: RangeCache fetch function must not be nil")
	}
	return &RangeCache{
		name:          name,
		maxMemorySize: maxMemorySize,
		fetch:         fetch,
		cache:         make(map[byteRange]rangeEntry),
		lruList:       list.New(),
		lruMap:        make(map[byteRange]*list.Element),
	}
}

// OccupiedSpace returns the current memory occupied by cached ranges.
func (rc *RangeCache) OccupiedSpace() int64 {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.occupiedSpace
}

// Get returns length bytes starting at off, served from cache when a
// containing range is already held, otherwise fetched and stored.
func (rc *RangeCache) Get(ctx context.Context, off, length int64) ([]byte, error) {
	want := byteRange{off, off + length}

	if data, ok := rc.lookup(want); ok {
		return data, nil
	}

	key := fmt.Sprintf("%d:%d", off, length)
	v, err, _ := rc.group.Do(key, func() (interface{}, error) {
		if data, ok := rc.lookup(want); ok {
			return data, nil
		}
		data, err := rc.fetch(ctx, off, length)
		if err != nil {
			return nil, err
		}
		rc.store(want, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (rc *RangeCache) lookup(want byteRange) ([]byte, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for r, entry := range rc.cache {
		if r.contains(want) {
			entry.lastRead = now()
			rc.cache[r] = entry
			if el, ok := rc.lruMap[r]; ok {
				rc.lruList.MoveToFront(el)
			}
			start := want[0] - r[0]
			return entry.value[start : start+(want[1]-want[0])], true
		}
	}
	return nil, false
}

func (rc *RangeCache) store(r byteRange, data []byte) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.cache[r] = rangeEntry{value: data, lastRead: now()}
	rc.lruMap[r] = rc.lruList.PushFront(r)
	rc.occupiedSpace += int64(len(data))

	for rc.maxMemorySize > 0 && rc.occupiedSpace > rc.maxMemorySize && rc.lruList.Len() > 1 {
		rc.evictOldest()
	}
}

// evictOldest removes the least-recently-used range. Caller must hold
// rc.mu.
func (rc *RangeCache) evictOldest() {
	el := rc.lruList.Back()
	if el == nil {
		return
	}
	r := el.Value.(byteRange)
	rc.lruList.Remove(el)
	delete(rc.lruMap, r)
	if entry, ok := rc.cache[r]; ok {
		rc.occupiedSpace -= int64(len(entry.value))
		delete(rc.cache, r)
	}
}

// now is a seam so tests can avoid depending on wall-clock ordering;
// production code always uses time.Now.
var now = time.Now
