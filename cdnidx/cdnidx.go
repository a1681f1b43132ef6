// Package cdnidx parses CDN ".cidx" archive index files. Unlike the
// local .idx format, a .cidx carries its field-width metadata in a
// footer rather than a header, so the file has to be read from the
// end inward before any entry can be decoded.
package cdnidx

import (
	"fmt"

	"github.com/freadblangks/gocasc/binutil"
	"github.com/freadblangks/gocasc/cascerr"
)

// Footer describes the field widths and entry count a .cidx file's
// trailing bytes declare.
type Footer struct {
	Version          uint8
	Unknown2         uint8
	Unknown1         uint8
	BlockSizeKB      uint8
	OffsetBytes      uint8
	SizeBytes        uint8
	EKeyBytes        uint8
	ChecksumBytes    uint8
	DeclaredEntries  uint32
}

// Entry is one archive reference: the EKey, its compressed size, and
// its byte offset within the archive.
type Entry struct {
	EKey           binutil.EKey
	CompressedSize uint64
	Offset         uint64
}

// Index is a parsed .cidx file.
type Index struct {
	Footer  Footer
	Entries []Entry
	byKey   map[binutil.EKey]int
}

// Lookup returns the entry for a short EKey, if present.
func (idx *Index) Lookup(k binutil.EKey) (Entry, bool) {
	i, ok := idx.byKey[k]
	if !ok {
		return Entry{}, false
	}
	return idx.Entries[i], true
}

const fieldsSize = 12 // version..chksz (8 bytes) + numel (4 bytes)

// Parse decodes a complete .cidx blob, probing for its footer from the
// end of the file at decreasing checksum widths, then reading every
// fixed-size block of entries.
func Parse(data []byte) (*Index, error) {
	footer, checksumWidth, err := probeFooter(data)
	if err != nil {
		return nil, err
	}

	blockBytes := int(footer.BlockSizeKB) * 1024
	if blockBytes <= 0 {
		return nil, fmt.Errorf("%w: zero block size", cascerr.ErrInvalidCDNIndex)
	}
	entrySize := int(footer.EKeyBytes) + int(footer.SizeBytes) + int(footer.OffsetBytes)
	if entrySize <= 0 || entrySize > 0x18 {
		return nil, fmt.Errorf("%w: implausible entry size %d", cascerr.ErrInvalidCDNIndex, entrySize)
	}
	entriesPerBlock := blockBytes / 0x18

	footerSize := checksumWidth*2 + fieldsSize
	dataLen := len(data) - footerSize
	if dataLen < 0 {
		return nil, fmt.Errorf("%w: file shorter than its own footer", cascerr.ErrInvalidCDNIndex)
	}
	blockCount := dataLen / blockBytes

	idx := &Index{Footer: footer, byKey: make(map[binutil.EKey]int)}
	for b := 0; b < blockCount; b++ {
		base := b * blockBytes
		for i := 0; i < entriesPerBlock; i++ {
			off := base + i*entrySize
			if off+entrySize > dataLen {
				break
			}
			rec := data[off : off+entrySize]

			var ek binutil.EKey
			copy(ek[:], rec[:int(footer.EKeyBytes)])

			size, err := binutil.ReadUint(rec[int(footer.EKeyBytes):], int(footer.SizeBytes), true)
			if err != nil {
				return nil, fmt.Errorf("%w: size field: %v", cascerr.ErrInvalidCDNIndex, err)
			}

			if isZero(ek[:]) && size == 0 {
				break
			}

			offset, err := binutil.ReadUint(rec[int(footer.EKeyBytes)+int(footer.SizeBytes):], int(footer.OffsetBytes), true)
			if err != nil {
				return nil, fmt.Errorf("%w: offset field: %v", cascerr.ErrInvalidCDNIndex, err)
			}

			if _, exists := idx.byKey[ek]; exists {
				continue
			}
			idx.byKey[ek] = len(idx.Entries)
			idx.Entries = append(idx.Entries, Entry{EKey: ek, CompressedSize: size, Offset: offset})
		}
	}

	if uint32(len(idx.Entries)) != footer.DeclaredEntries {
		return idx, fmt.Errorf("%w: parsed %d entries, footer declared %d (non-fatal, caller may proceed)",
			errCountMismatch, len(idx.Entries), footer.DeclaredEntries)
	}
	return idx, nil
}

// errCountMismatch is returned alongside a fully-populated Index; it
// signals a count discrepancy that callers should log and continue
// past rather than discard the parsed result over.
var errCountMismatch = fmt.Errorf("cdnidx: entry count mismatch")

// IsCountMismatch reports whether err is the non-fatal entry-count
// mismatch Parse may return alongside a usable Index.
func IsCountMismatch(err error) bool {
	return err == errCountMismatch || (err != nil && errorsIsCountMismatch(err))
}

func errorsIsCountMismatch(err error) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if err == errCountMismatch {
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// probeFooter tries checksum widths from 16 down to 1, looking for the
// one whose declared version is 1 and whose checksum width matches the
// footer's own chksz field.
func probeFooter(data []byte) (Footer, int, error) {
	for w := 16; w >= 1; w-- {
		footerSize := w*2 + fieldsSize
		if footerSize > len(data) {
			continue
		}
		start := len(data) - footerSize
		fields := data[start+w : start+w+fieldsSize]

		version := fields[0]
		chksz := fields[7]
		if version != 1 || int(chksz) != w {
			continue
		}

		f := Footer{
			Version:         version,
			Unknown2:        fields[1],
			Unknown1:        fields[2],
			BlockSizeKB:     fields[3],
			OffsetBytes:     fields[4],
			SizeBytes:       fields[5],
			EKeyBytes:       fields[6],
			ChecksumBytes:   chksz,
			DeclaredEntries: leUint32(fields[8:12]),
		}
		return f, w, nil
	}
	return Footer{}, 0, fmt.Errorf("%w: no valid footer found", cascerr.ErrInvalidCDNIndex)
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
