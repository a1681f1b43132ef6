// Package localidx parses the local install's ".idx" files: small,
// fixed-layout binary tables mapping a truncated EKey to the archive
// file and byte offset holding that entry's BLTE-encoded content.
package localidx

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/freadblangks/gocasc/binutil"
	"github.com/freadblangks/gocasc/cascerr"
)

const headerSize = 0x28

// Header is the fixed 0x28-byte preamble of a local .idx file. The two
// leading integers are content/structure checksums the reader doesn't
// need to interpret; the width fields describe how wide each entry's
// packed fields are.
type Header struct {
	HeaderHash0         uint32
	HeaderHash1         uint32
	Unknown0            uint16
	BucketIndex         uint8
	Unknown1            uint8
	SizeBytes           uint8
	OffsetBytes         uint8
	EKeyBytes           uint8
	ArchiveFileHighByte uint8
	Reserved0           uint64
	Reserved1           uint64
	EntryTableLength    uint32
	EntryTableHash      uint32
}

// Entry is one archive reference: the archive file holding the data
// (data.NNN, keyed by its numeric suffix), the byte offset within it,
// and the BLTE-encoded (compressed) size.
type Entry struct {
	EKey           binutil.EKey
	ArchiveFile    uint32
	Offset         uint32
	CompressedSize uint64
}

// Index is a parsed .idx file: an ordered list of entries plus a
// first-wins lookup by short EKey (duplicate EKeys are known to occur
// with inconsistent sizes across .idx generations).
type Index struct {
	Header  Header
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

// Parse reads a complete .idx file already loaded into memory.
func Parse(data []byte) (*Index, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: file shorter than header (%d bytes)", cascerr.ErrInvalidIndex, len(data))
	}
	h, err := parseHeader(data[:headerSize])
	if err != nil {
		return nil, err
	}

	entrySize := int(h.EKeyBytes) + int(h.OffsetBytes) + int(h.SizeBytes)
	if entrySize <= 0 {
		return nil, fmt.Errorf("%w: zero-width entry", cascerr.ErrInvalidIndex)
	}

	tableEnd := headerSize + int(h.EntryTableLength)
	if tableEnd > len(data) {
		return nil, fmt.Errorf("%w: entry table length %d overruns file", cascerr.ErrInvalidIndex, h.EntryTableLength)
	}

	idx := &Index{Header: h, byKey: make(map[binutil.EKey]int)}
	for off := headerSize; off+entrySize <= tableEnd; off += entrySize {
		rec := data[off : off+entrySize]
		p := 0

		var ek binutil.EKey
		copy(ek[:], rec[p:p+int(h.EKeyBytes)])
		p += int(h.EKeyBytes)

		packed, err := binutil.ReadUint(rec[p:], int(h.OffsetBytes), true)
		if err != nil {
			return nil, fmt.Errorf("%w: offset field: %v", cascerr.ErrInvalidIndex, err)
		}
		p += int(h.OffsetBytes)

		size, err := binutil.ReadUint(rec[p:], int(h.SizeBytes), true)
		if err != nil {
			return nil, fmt.Errorf("%w: size field: %v", cascerr.ErrInvalidIndex, err)
		}

		archiveFile := uint32(packed >> 30)
		offset := uint32(packed & (1<<30 - 1))

		if _, exists := idx.byKey[ek]; exists {
			continue
		}
		idx.byKey[ek] = len(idx.Entries)
		idx.Entries = append(idx.Entries, Entry{
			EKey:           ek,
			ArchiveFile:    archiveFile,
			Offset:         offset,
			CompressedSize: size,
		})
	}

	return idx, nil
}

func parseHeader(b []byte) (Header, error) {
	var h Header
	h.HeaderHash0 = leUint32(b[0:4])
	h.HeaderHash1 = leUint32(b[4:8])
	h.Unknown0 = leUint16(b[8:10])
	h.BucketIndex = b[10]
	h.Unknown1 = b[11]
	h.SizeBytes = b[12]
	h.OffsetBytes = b[13]
	h.EKeyBytes = b[14]
	h.ArchiveFileHighByte = b[15]
	h.Reserved0 = leUint64(b[16:24])
	h.Reserved1 = leUint64(b[24:32])
	h.EntryTableLength = leUint32(b[32:36])
	h.EntryTableHash = leUint32(b[36:40])

	if h.EKeyBytes == 0 || h.EKeyBytes > 16 {
		return h, fmt.Errorf("%w: implausible ekey width %d", cascerr.ErrInvalidIndex, h.EKeyBytes)
	}
	return h, nil
}

func leUint16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// Open reads and parses a .idx file from disk, issuing a
// Fadvise(FADV_RANDOM) hint first since index lookups are
// point-access, not sequential.
func Open(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cascerr.ErrInvalidIndex, err)
	}
	defer f.Close()

	if err := unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM); err != nil {
		// Advisory only; a filesystem that doesn't support it is fine.
		_ = err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cascerr.ErrInvalidIndex, err)
	}
	return Parse(data)
}
