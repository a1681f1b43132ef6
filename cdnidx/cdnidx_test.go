package cdnidx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func beBytes(v uint64, width int) []byte {
	out := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

func leBytes32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func buildCidx(t *testing.T, bs uint8, eks, ess, eos uint8, checksumWidth int, entries [][]byte, declaredEntries uint32) []byte {
	t.Helper()
	blockBytes := int(bs) * 1024

	block := make([]byte, blockBytes)
	off := 0
	for _, e := range entries {
		copy(block[off:], e)
		off += len(e)
	}

	footer := make([]byte, checksumWidth) // toc checksum, opaque
	footer = append(footer, 1)            // version
	footer = append(footer, 0)            // unk2
	footer = append(footer, 0)            // unk1
	footer = append(footer, bs)
	footer = append(footer, eos)
	footer = append(footer, ess)
	footer = append(footer, eks)
	footer = append(footer, byte(checksumWidth))
	footer = append(footer, leBytes32(declaredEntries)...)
	footer = append(footer, make([]byte, checksumWidth)...) // footer checksum, opaque

	return append(block, footer...)
}

func TestParseSingleEntryBlock(t *testing.T) {
	eks, ess, eos := uint8(9), uint8(4), uint8(5)
	ekey := make([]byte, 9)
	for i := range ekey {
		ekey[i] = byte(0x20 + i)
	}
	entry := append(append([]byte{}, ekey...), beBytes(500, int(ess))...)
	entry = append(entry, beBytes(999, int(eos))...)

	blob := buildCidx(t, 1, eks, ess, eos, 4, [][]byte{entry}, 1)

	idx, err := Parse(blob)
	require.NoError(t, err)
	require.Len(t, idx.Entries, 1)
	assert.Equal(t, uint64(500), idx.Entries[0].CompressedSize)
	assert.Equal(t, uint64(999), idx.Entries[0].Offset)

	var key [9]byte
	copy(key[:], ekey)
	got, ok := idx.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, idx.Entries[0], got)
}

func TestParseCountMismatchIsNonFatal(t *testing.T) {
	eks, ess, eos := uint8(9), uint8(4), uint8(5)
	ekey := make([]byte, 9)
	ekey[0] = 1
	entry := append(append([]byte{}, ekey...), beBytes(1, int(ess))...)
	entry = append(entry, beBytes(2, int(eos))...)

	// Footer declares 2 entries but only one is actually present.
	blob := buildCidx(t, 1, eks, ess, eos, 4, [][]byte{entry}, 2)

	idx, err := Parse(blob)
	require.Error(t, err)
	assert.True(t, IsCountMismatch(err))
	require.NotNil(t, idx)
	assert.Len(t, idx.Entries, 1)
}

func TestParseNoValidFooterFails(t *testing.T) {
	_, err := Parse(make([]byte, 50))
	assert.Error(t, err)
}
