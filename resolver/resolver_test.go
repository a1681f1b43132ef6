package resolver

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freadblangks/gocasc/binutil"
	"github.com/freadblangks/gocasc/enctable"
	"github.com/freadblangks/gocasc/rootfile"
)

func buildRawBLTE(payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("BLTE")
	binary.Write(&buf, binary.BigEndian, uint32(0))
	buf.WriteByte('N')
	buf.Write(payload)
	return buf.Bytes()
}

func hexKey32(b byte) string {
	k := make([]byte, 16)
	for i := range k {
		k[i] = b
	}
	return fmt.Sprintf("%x", k)
}

func hexKey18(b byte) string {
	k := make([]byte, 9)
	for i := range k {
		k[i] = b
	}
	return fmt.Sprintf("%x", k)
}

// buildEncodingTableBlob assembles a one-page encoding table mapping
// each given (ckeyHex, ekeyHex) pair, MD5-checksummed the way
// enctable.Parse verifies.
func buildEncodingTableBlob(t *testing.T, pairs map[string]string) []byte {
	t.Helper()
	const pageKB = 4
	pageBytes := pageKB * 1024

	var entries bytes.Buffer
	for ckeyHex, ekeyHex := range pairs {
		ckey, err := binutil.ParseCKey(ckeyHex)
		require.NoError(t, err)
		ekey, err := binutil.ParseEKey(ekeyHex)
		require.NoError(t, err)

		entries.WriteByte(1)               // key_count
		entries.Write(make([]byte, 5))     // file_size, unused
		entries.Write(ckey[:])
		entries.Write(ekey[:])
	}
	require.LessOrEqual(t, entries.Len(), pageBytes)

	page := make([]byte, pageBytes)
	copy(page, entries.Bytes())
	sum := md5sum(page)

	var header bytes.Buffer
	header.WriteString("EN")
	header.WriteByte(1)  // version
	header.WriteByte(16) // ckey hash size
	header.WriteByte(9)  // ekey hash size
	binary.Write(&header, binary.BigEndian, uint16(pageKB))
	binary.Write(&header, binary.BigEndian, uint16(1))
	binary.Write(&header, binary.BigEndian, uint32(1)) // ckey page count
	binary.Write(&header, binary.BigEndian, uint32(0)) // ekey page count
	header.WriteByte(0)
	binary.Write(&header, binary.BigEndian, uint32(0)) // espec block size

	var firstCKey [16]byte
	for ckeyHex := range pairs {
		ck, _ := binutil.ParseCKey(ckeyHex)
		firstCKey = ck
		break
	}
	var blob bytes.Buffer
	blob.Write(header.Bytes())
	blob.Write(firstCKey[:])
	blob.Write(sum[:])
	blob.Write(page)
	return blob.Bytes()
}

func md5sum(b []byte) [16]byte {
	return md5.Sum(b)
}

// buildLocalIdxBlob assembles a single-archive .idx file with eks=9,
// eos=5, ess=4, one entry per (ekeyHex, offset, size) triple.
func buildLocalIdxBlob(t *testing.T, entries []struct {
	EKeyHex string
	Offset  uint32
	Size    uint32
}) []byte {
	t.Helper()
	const headerSize = 0x28
	header := make([]byte, headerSize)
	header[12] = 4 // ess
	header[13] = 5 // eos
	header[14] = 9 // eks

	var table bytes.Buffer
	for _, e := range entries {
		ek, err := binutil.ParseEKey(e.EKeyHex)
		require.NoError(t, err)
		table.Write(ek[:])

		packed := uint64(e.Offset) // archive 0
		for i := 4; i >= 0; i-- {
			table.WriteByte(byte(packed >> (8 * i)))
		}
		for i := 3; i >= 0; i-- {
			table.WriteByte(byte(e.Size >> (8 * i)))
		}
	}

	binary.LittleEndian.PutUint32(header[32:36], uint32(table.Len()))
	return append(header, table.Bytes()...)
}

// buildLocalInstall assembles a minimal synthetic CASC install under
// dir: one archive holding a BLTE-wrapped encoding file, root file,
// and one named content file, plus the .build.info/.idx/build-config
// scaffolding pointing at them.
func buildLocalInstall(t *testing.T, dir string) (testFileCKeyHex string) {
	t.Helper()

	buildKeyHex := hexKey32(0x01)
	rootCKeyHex := hexKey32(0x02)
	encCKeyHex := hexKey32(0x03)
	installCKeyHex := hexKey32(0x04)
	downloadCKeyHex := hexKey32(0x05)
	sizeCKeyHex := hexKey32(0x06)
	testFileCKeyHex = hexKey32(0x07)

	encEKeyHex := hexKey18(0xa1)
	rootEKeyHex := hexKey18(0xa2)
	testFileEKeyHex := hexKey18(0xa3)

	rootLine := fmt.Sprintf("test/file.txt|%s|0|0\n", testFileCKeyHex)
	rootBLTE := buildRawBLTE([]byte(rootLine))

	encPayload := buildEncodingTableBlob(t, map[string]string{
		rootCKeyHex:     rootEKeyHex,
		testFileCKeyHex: testFileEKeyHex,
	})
	encBLTE := buildRawBLTE(encPayload)

	testFileBLTE := buildRawBLTE([]byte("hello from casc"))

	var archive bytes.Buffer
	encOff := archive.Len()
	archive.Write(encBLTE)
	rootOff := archive.Len()
	archive.Write(rootBLTE)
	testOff := archive.Len()
	archive.Write(testFileBLTE)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "Data", "data"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Data", "data", "data.000"), archive.Bytes(), 0o644))

	idxBlob := buildLocalIdxBlob(t, []struct {
		EKeyHex string
		Offset  uint32
		Size    uint32
	}{
		{encEKeyHex, uint32(encOff), uint32(len(encBLTE))},
		{rootEKeyHex, uint32(rootOff), uint32(len(rootBLTE))},
		{testFileEKeyHex, uint32(testOff), uint32(len(testFileBLTE))},
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Data", "data", "archive.idx"), idxBlob, 0o644))

	prefix, err := binutil.HexPrefix(buildKeyHex)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "Data", "config", filepath.Dir(filepath.FromSlash(prefix))), 0o755))
	buildConfig := fmt.Sprintf(
		"build-uid = w3\nroot = %s\nencoding = %s %s\ninstall = %s\ndownload = %s\nsize = %s\n",
		rootCKeyHex, encCKeyHex, encEKeyHex, installCKeyHex, downloadCKeyHex, sizeCKeyHex,
	)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Data", "config", filepath.FromSlash(prefix)), []byte(buildConfig), 0o644))

	buildInfo := fmt.Sprintf("!Build Key!HEX|Tags!String\n%s|enUS\n", buildKeyHex)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".build.info"), []byte(buildInfo), 0o644))

	return testFileCKeyHex
}

func TestLocalResolverEndToEnd(t *testing.T) {
	dir := t.TempDir()
	testFileCKeyHex := buildLocalInstall(t, dir)

	lr, err := NewLocalResolver(context.Background(), dir, LocalOptions{})
	require.NoError(t, err)
	defer lr.Close()

	names := lr.ListFiles()
	var sawEncoding, sawTestFile bool
	for _, n := range names {
		if n.Name == "_ENCODING" {
			sawEncoding = true
		}
		if n.Name == "test/file.txt" {
			sawTestFile = true
		}
	}
	assert.True(t, sawEncoding)
	assert.True(t, sawTestFile)

	testFileCKey, err := binutil.ParseCKey(testFileCKeyHex)
	require.NoError(t, err)

	data, err := lr.GetFile(context.Background(), testFileCKey, -1)
	require.NoError(t, err)
	assert.Equal(t, "hello from casc", string(data))

	size, err := lr.GetFileSize(context.Background(), testFileCKey)
	require.NoError(t, err)
	assert.Equal(t, int64(len("hello from casc")), size)

	count, err := lr.GetChunkCount(context.Background(), testFileCKey)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.True(t, lr.IsFileFetchable(testFileCKey, false))
}

func TestLocalResolverMissingInstallFails(t *testing.T) {
	dir := t.TempDir()
	_, err := NewLocalResolver(context.Background(), dir, LocalOptions{})
	assert.Error(t, err)
}

func TestBaseResolverListUnnamedFiles(t *testing.T) {
	table, err := enctable.Parse(buildEncodingTableBlob(t, map[string]string{
		hexKey32(0x10): hexKey18(0xb0),
	}))
	require.NoError(t, err)

	namedCKey, err := binutil.ParseCKey(hexKey32(0x10))
	require.NoError(t, err)
	namedEKey, _ := table.Lookup(namedCKey)

	unnamedCKeyHex := hexKey32(0x11)
	unnamedCKey, err := binutil.ParseCKey(unnamedCKeyHex)
	require.NoError(t, err)
	unnamedEKey, err := binutil.ParseEKey(hexKey18(0xb1))
	require.NoError(t, err)
	table.Set(unnamedCKey, unnamedEKey)

	fileTable := map[binutil.EKey]*FileInfo{
		namedEKey:   {EKey: namedEKey, HasArchive: true},
		unnamedEKey: {EKey: unnamedEKey, HasArchive: true},
	}
	translateTable := []rootfile.TranslateEntry{
		{Kind: rootfile.KindNamed, Name: "named.txt", CKey: namedCKey},
	}

	br := newBaseResolver(table, fileTable, translateTable, nil)
	unnamed := br.ListUnnamedFiles()
	require.Len(t, unnamed, 1)
	assert.Equal(t, unnamedCKey, unnamed[0])

	named := br.ListFiles()
	require.Len(t, named, 1)
	assert.Equal(t, "named.txt", named[0].Name)
}

func TestBaseResolverGetFileInfoSynthesizesMissingEntry(t *testing.T) {
	ckeyHex := hexKey32(0x20)
	ekeyHex := hexKey18(0xc0)
	table, err := enctable.Parse(buildEncodingTableBlob(t, map[string]string{ckeyHex: ekeyHex}))
	require.NoError(t, err)

	br := newBaseResolver(table, map[binutil.EKey]*FileInfo{}, nil, nil)

	ckey, err := binutil.ParseCKey(ckeyHex)
	require.NoError(t, err)

	fi, ok := br.GetFileInfo(ckey)
	require.True(t, ok)
	assert.False(t, fi.HasArchive)
	assert.False(t, br.IsFileFetchable(ckey, false))
}
