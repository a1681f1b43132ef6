package rootfile

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freadblangks/gocasc/binutil"
)

func TestDialectFromBuildUID(t *testing.T) {
	assert.Equal(t, DialectW3, DialectFromBuildUID("w3"))
	assert.Equal(t, DialectWoW, DialectFromBuildUID("WOW"))
	assert.Equal(t, DialectHSB, DialectFromBuildUID("hsb"))
	assert.Equal(t, DialectD3, DialectFromBuildUID("d3"))
	assert.Equal(t, DialectUnknown, DialectFromBuildUID("bna"))
}

func TestParseUnknownDialectReturnsEmptyTable(t *testing.T) {
	entries, err := Parse(DialectUnknown, strings.NewReader("anything"), Options{})
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestParseW3(t *testing.T) {
	ckeyHex := "00112233445566778899aabbccddeeff"
	src := "units\\human\\footman.mdx|" + ckeyHex + "|0|0\n"
	entries, err := Parse(DialectW3, strings.NewReader(src), Options{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, KindNamed, entries[0].Kind)
	assert.Equal(t, `units\human\footman.mdx`, entries[0].Name)
}

func TestParseWoWResolvesNameViaListFile(t *testing.T) {
	ckeyHex := "00112233445566778899aabbccddeeff"
	path := `Interface\Icons\INV_Misc_QuestionMark.blp`
	hash := binutil.HashPath(path)

	src := strings.ToUpper(itoa(hash)) + "|" + ckeyHex + "|0\n"
	listFile := map[uint32]string{hash: path}

	entries, err := Parse(DialectWoW, strings.NewReader(src), Options{ListFile: listFile})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, path, entries[0].Name)
}

func TestParseWoWUnresolvedHashIsSkipped(t *testing.T) {
	ckeyHex := "00112233445566778899aabbccddeeff"
	src := "deadbeef|" + ckeyHex + "\n"
	entries, err := Parse(DialectWoW, strings.NewReader(src), Options{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLoadListFile(t *testing.T) {
	src := "foo/bar.txt\nbaz\\qux.txt\n"
	lf, err := LoadListFile(strings.NewReader(src))
	require.NoError(t, err)
	assert.Len(t, lf, 2)
	assert.Equal(t, "foo/bar.txt", lf[binutil.HashPath("foo/bar.txt")])
}

func TestParseD3(t *testing.T) {
	var header bytes.Buffer
	counts := make([]uint32, 70)
	counts[0] = 1
	for _, c := range counts {
		binary.Write(&header, binary.BigEndian, c)
	}
	var body bytes.Buffer
	binary.Write(&body, binary.BigEndian, int32(42)) // snoid
	binary.Write(&body, binary.BigEndian, int32(0))  // ptoc_offset
	binary.Write(&body, binary.BigEndian, int32(0))  // padding

	var packages bytes.Buffer
	binary.Write(&packages, binary.BigEndian, int32(42))
	var ckey [16]byte
	ckey[0] = 0xAB
	packages.Write(ckey[:])
	binary.Write(&packages, binary.BigEndian, uint16(0)) // no subfiles

	blob := append(header.Bytes(), body.Bytes()...)
	entries, err := Parse(DialectD3, bytes.NewReader(blob), Options{PackagesDat: packages.Bytes()})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, KindSNO, entries[0].Kind)
	assert.Equal(t, int32(42), entries[0].SNOID)
	assert.Equal(t, byte(0xAB), entries[0].CKey[0])
}

func itoa(v uint32) string {
	// Minimal hex formatter to avoid importing fmt in the test helper.
	const hexdigits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = hexdigits[v%16]
		v /= 16
	}
	return string(buf[i:])
}
