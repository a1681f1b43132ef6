package resolver

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freadblangks/gocasc/binutil"
	"github.com/freadblangks/gocasc/cdncache"
)

const testArchiveHash = "deadbeef00000000000000000000000"

func TestCDNResolverFetchRawZeroMaxBytesSkipsNetwork(t *testing.T) {
	cr := &CDNResolver{product: "wow", region: "us", archiveRanges: make(map[string]*cdncache.RangeCache)}
	fi := &FileInfo{
		EKey:           binutil.EKey{0xAA},
		HasArchive:     true,
		ArchiveHash:    testArchiveHash,
		CompressedSize: 200 << 20,
		Offset:         100 << 20,
	}

	data, err := cr.fetchRaw(context.Background(), fi, 0)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestCDNResolverFetchRawBoundsArchiveReadToMaxBytes(t *testing.T) {
	var gotOff, gotLength int64 = -1, -1
	rc := cdncache.NewRangeCache(testArchiveHash, archiveRangeCacheBytes, func(_ context.Context, off, length int64) ([]byte, error) {
		gotOff, gotLength = off, length
		return bytes.Repeat([]byte{0x42}, int(length)), nil
	})
	cr := &CDNResolver{
		product:       "wow",
		region:        "us",
		archiveRanges: map[string]*cdncache.RangeCache{testArchiveHash: rc},
	}
	fi := &FileInfo{
		EKey:           binutil.EKey{0xAA},
		HasArchive:     true,
		ArchiveHash:    testArchiveHash,
		CompressedSize: 200 << 20, // larger than the 4096-byte peek below
		Offset:         1 << 20,
	}

	data, err := cr.fetchRaw(context.Background(), fi, 4096)
	require.NoError(t, err)
	assert.Len(t, data, 4096)
	assert.EqualValues(t, fi.Offset, gotOff)
	assert.EqualValues(t, 4096, gotLength, "fetchRaw must bound the archive read to maxBytes, not the entry's full CompressedSize")
}

func TestCDNResolverFetchRawFullArchiveReadWhenNoMaxBytes(t *testing.T) {
	var gotLength int64 = -1
	rc := cdncache.NewRangeCache(testArchiveHash, archiveRangeCacheBytes, func(_ context.Context, off, length int64) ([]byte, error) {
		gotLength = length
		return bytes.Repeat([]byte{0x42}, int(length)), nil
	})
	cr := &CDNResolver{
		product:       "wow",
		region:        "us",
		archiveRanges: map[string]*cdncache.RangeCache{testArchiveHash: rc},
	}
	fi := &FileInfo{
		EKey:           binutil.EKey{0xAA},
		HasArchive:     true,
		ArchiveHash:    testArchiveHash,
		CompressedSize: 4096,
		Offset:         0,
	}

	data, err := cr.fetchRaw(context.Background(), fi, -1)
	require.NoError(t, err)
	assert.Len(t, data, 4096)
	assert.EqualValues(t, 4096, gotLength)
}
