// Package enctable parses the encoding table: the BLTE-decoded blob
// mapping a file's content key (CKey) to the encoding key(s) (EKey)
// its BLTE-compressed form is stored under. Callers decode the BLTE
// wrapper themselves (via package blte) and hand this package the
// resulting payload.
package enctable

import (
	"crypto/md5"
	"fmt"

	"github.com/freadblangks/gocasc/binutil"
	"github.com/freadblangks/gocasc/cascerr"
)

const headerSize = 22

// Header is the encoding table's fixed preamble.
type Header struct {
	Version         uint8
	CKeyHashSize    uint8
	EKeyHashSize    uint8
	CKeyPageKB      uint16
	EKeyPageKB      uint16
	CKeyPageCount   uint32
	EKeyPageCount   uint32
	Unknown         uint8
	ESpecBlockSize  uint32
}

// Table is the parsed CKey -> EKey mapping.
type Table struct {
	Header Header
	byCKey map[binutil.CKey]binutil.EKey
}

// Lookup returns the canonical (first-listed) EKey for a CKey.
func (t *Table) Lookup(c binutil.CKey) (binutil.EKey, bool) {
	e, ok := t.byCKey[c]
	return e, ok
}

// Set inserts or overwrites a CKey -> EKey mapping. Used by the
// resolver to patch in the encoding file's own bootstrap entry, which
// is never present in its own table.
func (t *Table) Set(c binutil.CKey, e binutil.EKey) {
	if t.byCKey == nil {
		t.byCKey = make(map[binutil.CKey]binutil.EKey)
	}
	t.byCKey[c] = e
}

// Len returns the number of distinct CKeys mapped.
func (t *Table) Len() int { return len(t.byCKey) }

// Range calls fn for every CKey -> EKey mapping, stopping early if fn
// returns false. Iteration order is unspecified, matching Go map
// semantics; the resolver uses this to build its unnamed-files list.
func (t *Table) Range(fn func(binutil.CKey, binutil.EKey) bool) {
	for c, e := range t.byCKey {
		if !fn(c, e) {
			return
		}
	}
}

// Parse decodes a full (already BLTE-decompressed) encoding table
// blob.
func Parse(data []byte) (*Table, error) {
	if len(data) < headerSize || data[0] != 'E' || data[1] != 'N' {
		return nil, fmt.Errorf("%w: bad magic", cascerr.ErrInvalidEncoding)
	}

	h := Header{
		Version:        data[2],
		CKeyHashSize:   data[3],
		EKeyHashSize:   data[4],
		CKeyPageKB:     beUint16(data[5:7]),
		EKeyPageKB:     beUint16(data[7:9]),
		CKeyPageCount:  beUint32(data[9:13]),
		EKeyPageCount:  beUint32(data[13:17]),
		Unknown:        data[17],
		ESpecBlockSize: beUint32(data[18:22]),
	}
	if h.CKeyHashSize == 0 || h.CKeyHashSize > 16 || h.EKeyHashSize == 0 || h.EKeyHashSize > 16 {
		return nil, fmt.Errorf("%w: implausible hash size", cascerr.ErrInvalidEncoding)
	}

	off := headerSize + int(h.ESpecBlockSize)

	pageIndexEntrySize := int(h.CKeyHashSize) + 16
	checksums := make([][16]byte, h.CKeyPageCount)
	for p := uint32(0); p < h.CKeyPageCount; p++ {
		entry := data[off : off+pageIndexEntrySize]
		copy(checksums[p][:], entry[h.CKeyHashSize:])
		off += pageIndexEntrySize
	}

	pageBytes := int(h.CKeyPageKB) * 1024
	t := &Table{Header: h, byCKey: make(map[binutil.CKey]binutil.EKey)}

	for p := uint32(0); p < h.CKeyPageCount; p++ {
		if off+pageBytes > len(data) {
			return nil, fmt.Errorf("%w: CKey page %d overruns blob", cascerr.ErrInvalidEncoding, p)
		}
		page := data[off : off+pageBytes]
		if !verifyPageChecksum(page, checksums[p]) {
			return nil, fmt.Errorf("%w: CKey page %d checksum mismatch", cascerr.ErrInvalidEncoding, p)
		}
		if err := parsePage(page, h, t); err != nil {
			return nil, fmt.Errorf("%w: CKey page %d: %v", cascerr.ErrInvalidEncoding, p, err)
		}
		off += pageBytes
	}

	return t, nil
}

func parsePage(page []byte, h Header, t *Table) error {
	pos := 0
	for pos < len(page) {
		keyCount := page[pos]
		if keyCount == 0 {
			return nil
		}
		pos++

		if pos+5 > len(page) {
			return fmt.Errorf("truncated file-size field")
		}
		pos += 5 // file_size, u40 big-endian, unused by the map itself

		if pos+int(h.CKeyHashSize) > len(page) {
			return fmt.Errorf("truncated ckey field")
		}
		var ckey binutil.CKey
		copy(ckey[:], page[pos:pos+int(h.CKeyHashSize)])
		pos += int(h.CKeyHashSize)

		var first binutil.EKey
		for i := 0; i < int(keyCount); i++ {
			if pos+int(h.EKeyHashSize) > len(page) {
				return fmt.Errorf("truncated ekey field")
			}
			if i == 0 {
				var full [16]byte
				copy(full[:], page[pos:pos+int(h.EKeyHashSize)])
				copy(first[:], full[:len(first)])
			}
			pos += int(h.EKeyHashSize)
		}

		if _, exists := t.byCKey[ckey]; !exists {
			t.byCKey[ckey] = first
		}
	}
	return nil
}

func beUint16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// verifyPageChecksum checks a CKey page's body against the checksum
// recorded for it in the page index block.
func verifyPageChecksum(page []byte, want [16]byte) bool {
	got := md5.Sum(page)
	return got == want
}
