package enctable

import (
	"crypto/md5"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freadblangks/gocasc/binutil"
)

func beBytes16(v uint16) []byte { return []byte{byte(v >> 8), byte(v)} }
func beBytes32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// buildEncodingBlob assembles a minimal (already BLTE-decoded) encoding
// table with one CKey page holding a single CKey -> [EKey] entry.
func buildEncodingBlob(t *testing.T, ckey [16]byte, ekey [16]byte) []byte {
	t.Helper()
	const ckeyPageKB = 1
	pageBytes := ckeyPageKB * 1024

	entry := []byte{1} // key_count
	entry = append(entry, make([]byte, 5)...) // file_size (unused)
	entry = append(entry, ckey[:]...)
	entry = append(entry, ekey[:]...)

	page := make([]byte, pageBytes)
	copy(page, entry)
	sum := md5.Sum(page)

	header := []byte{'E', 'N'}
	header = append(header, 1)    // version
	header = append(header, 16)   // ckey hash size
	header = append(header, 16)   // ekey hash size
	header = append(header, beBytes16(ckeyPageKB)...)
	header = append(header, beBytes16(1)...) // ekey page kb
	header = append(header, beBytes32(1)...) // ckey page count
	header = append(header, beBytes32(0)...) // ekey page count
	header = append(header, 0)               // unknown
	header = append(header, beBytes32(0)...) // espec block size

	pageIndex := append(append([]byte{}, ckey[:]...), sum[:]...)

	blob := append(header, pageIndex...)
	blob = append(blob, page...)
	return blob
}

func TestParseSingleEntry(t *testing.T) {
	var ckey, ekey [16]byte
	for i := range ckey {
		ckey[i] = byte(i)
		ekey[i] = byte(0x80 + i)
	}
	blob := buildEncodingBlob(t, ckey, ekey)

	tbl, err := Parse(blob)
	require.NoError(t, err)
	assert.Equal(t, 1, tbl.Len())

	var ck binutil.CKey
	copy(ck[:], ckey[:])
	got, ok := tbl.Lookup(ck)
	require.True(t, ok)

	var want binutil.EKey
	copy(want[:], ekey[:9])
	assert.Equal(t, want, got)
}

func TestParseBadMagicFails(t *testing.T) {
	_, err := Parse(make([]byte, 30))
	assert.Error(t, err)
}

func TestParseSetPatchesInBootstrapEntry(t *testing.T) {
	var ckey, ekey [16]byte
	blob := buildEncodingBlob(t, ckey, ekey)
	tbl, err := Parse(blob)
	require.NoError(t, err)

	var patchedCKey binutil.CKey
	patchedCKey[0] = 0xff
	var patchedEKey binutil.EKey
	patchedEKey[0] = 0xee
	tbl.Set(patchedCKey, patchedEKey)

	got, ok := tbl.Lookup(patchedCKey)
	require.True(t, ok)
	assert.Equal(t, patchedEKey, got)
}
