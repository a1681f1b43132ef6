// Package rootfile parses the root table: the product-specific file
// mapping logical names or numeric IDs to CKeys. The wire format is
// entirely dependent on the product's build-uid, so parsing is
// dispatched through a Dialect enum rather than sniffed from the blob
// itself.
package rootfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/freadblangks/gocasc/binutil"
	"github.com/freadblangks/gocasc/cascerr"
)

// Dialect selects which product's root format to parse.
type Dialect int

const (
	DialectUnknown Dialect = iota
	DialectW3
	DialectHSB
	DialectWoW
	DialectD3
)

// DialectFromBuildUID maps a build-config "build-product"/build-uid
// string to a Dialect. An unrecognized uid yields DialectUnknown; the
// caller still gets an (empty) translate table rather than an error,
// per spec.
func DialectFromBuildUID(uid string) Dialect {
	switch strings.ToLower(uid) {
	case "w3":
		return DialectW3
	case "hsb":
		return DialectHSB
	case "wow":
		return DialectWoW
	case "d3":
		return DialectD3
	default:
		return DialectUnknown
	}
}

// Kind tags what identifier a TranslateEntry carries.
type Kind int

const (
	KindNamed Kind = iota
	KindSNO
	KindSNOIndexed
)

// TranslateEntry is one (kind, identifier, ckey) row of the resolved
// root table.
type TranslateEntry struct {
	Kind  Kind
	Name  string // valid when Kind == KindNamed
	SNOID int32  // valid when Kind == KindSNO or KindSNOIndexed
	Group int32  // valid when Kind == KindSNOIndexed
	SubID int32  // valid when Kind == KindSNOIndexed
	CKey  binutil.CKey
}

// Options carries the side inputs some dialects need beyond the root
// blob itself.
type Options struct {
	// ListFile resolves a Jenkins path hash to its literal name for the
	// hsb/wow dialects, built by LoadListFile. Nil means "no listfile
	// loaded" — entries whose name can't be resolved are omitted rather
	// than erroring, per spec.md's "resolver still exposes unnamed CKey
	// entries" fallback.
	ListFile map[uint32]string

	// PackagesDat is the raw, already-BLTE-decoded Packages.dat blob the
	// d3 dialect uses to resolve SNO names. Optional.
	PackagesDat []byte
}

// Parse dispatches to the dialect-specific parser. An unknown dialect
// returns an empty table, not an error, matching spec.md §4.7's
// explicit fallback.
func Parse(dialect Dialect, r io.Reader, opts Options) ([]TranslateEntry, error) {
	switch dialect {
	case DialectW3:
		return parseW3(r)
	case DialectHSB, DialectWoW:
		return parseHashedLines(r, opts.ListFile)
	case DialectD3:
		return parseD3(r, opts.PackagesDat)
	case DialectUnknown:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: dialect %d", cascerr.ErrUnsupportedRoot, dialect)
	}
}

// parseW3 handles the Warcraft III dialect: lines of
// "path|ckey|locale_flags|content_flags".
func parseW3(r io.Reader) ([]TranslateEntry, error) {
	var entries []TranslateEntry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 2 {
			return nil, fmt.Errorf("%w: w3 root line missing fields: %q", cascerr.ErrInvalidRoot, line)
		}
		ckey, err := binutil.ParseCKey(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", cascerr.ErrInvalidRoot, err)
		}
		entries = append(entries, TranslateEntry{Kind: KindNamed, Name: fields[0], CKey: ckey})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", cascerr.ErrInvalidRoot, err)
	}
	return entries, nil
}

// parseHashedLines handles the hsb/wow dialect: line-oriented
// "path|ckey|…" where the first field may already be a literal path,
// or a Jenkins hash that must be resolved through a listfile. The hash
// is parsed as hex first and as decimal only when that fails, so an
// all-digit hash of up to eight digits is read as hex.
func parseHashedLines(r io.Reader, listFile map[uint32]string) ([]TranslateEntry, error) {
	var entries []TranslateEntry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 2 {
			return nil, fmt.Errorf("%w: root line missing fields: %q", cascerr.ErrInvalidRoot, line)
		}
		ckey, err := binutil.ParseCKey(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", cascerr.ErrInvalidRoot, err)
		}

		first := fields[0]
		if looksLikePath(first) {
			entries = append(entries, TranslateEntry{Kind: KindNamed, Name: first, CKey: ckey})
			continue
		}

		hash, err := parseHashField(first)
		if err != nil {
			// Not a path and not parseable as a hash either; skip it
			// rather than fail the whole table.
			continue
		}
		if name, ok := listFile[hash]; ok {
			entries = append(entries, TranslateEntry{Kind: KindNamed, Name: name, CKey: ckey})
		}
		// No listfile match: the CKey remains reachable only via
		// list_unnamed_files, per spec.md §4.7.
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", cascerr.ErrInvalidRoot, err)
	}
	return entries, nil
}

func looksLikePath(s string) bool {
	return strings.ContainsAny(s, "/\\.")
}

func parseHashField(s string) (uint32, error) {
	if v, err := strconv.ParseUint(s, 16, 32); err == nil {
		return uint32(v), nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// LoadListFile hashes each line of a plaintext "path per line" listing
// with the Jenkins path hash, producing the lookup table the hsb/wow
// dialects use to recover names for hash-keyed root entries.
func LoadListFile(r io.Reader) (map[uint32]string, error) {
	out := make(map[uint32]string)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		out[binutil.HashPath(line)] = line
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("rootfile: reading listfile: %w", err)
	}
	return out, nil
}

const d3GroupCount = 70

// snoPackage is one SNO's entry in a parsed Packages.dat: its own
// content key, plus any indexed subfiles keyed by sub-id.
type snoPackage struct {
	CKey      binutil.CKey
	Subfiles  map[int32]binutil.CKey
}

// parseD3 reads a CoreTOC.dat blob: a header of 70 u32 group sizes,
// then that many (snoid i32, ptoc_offset i32, padding i32) records per
// group, giving the group/snoid pairs in play. CoreTOC.dat itself
// carries no CKey; each snoid's content key(s) come from the
// accompanying Packages.dat. A group/snoid with no Packages.dat entry
// is skipped — its bytes aren't reachable through the root table, only
// (if present) as an unnamed ckey_map entry.
func parseD3(r io.Reader, packagesDat []byte) ([]TranslateEntry, error) {
	header := make([]byte, 4*d3GroupCount)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: CoreTOC header: %v", cascerr.ErrInvalidRoot, err)
	}

	packages, err := ParsePackagesDat(packagesDat)
	if err != nil {
		return nil, fmt.Errorf("%w: Packages.dat: %v", cascerr.ErrInvalidRoot, err)
	}

	var entries []TranslateEntry
	for g := 0; g < d3GroupCount; g++ {
		n := binary.BigEndian.Uint32(header[g*4 : g*4+4])
		for i := uint32(0); i < n; i++ {
			rec := make([]byte, 12)
			if _, err := io.ReadFull(r, rec); err != nil {
				return nil, fmt.Errorf("%w: group %d record %d: %v", cascerr.ErrInvalidRoot, g, i, err)
			}
			snoid := int32(binary.BigEndian.Uint32(rec[0:4]))
			// ptoc_offset (rec[4:8]) and padding (rec[8:12]) index into
			// Packages.dat in the real format; here Packages.dat is
			// keyed directly by snoid, so they're read but not needed.

			pkg, ok := packages[snoid]
			if !ok {
				continue
			}
			entries = append(entries, TranslateEntry{Kind: KindSNO, SNOID: snoid, CKey: pkg.CKey})
			for subID, ckey := range pkg.Subfiles {
				entries = append(entries, TranslateEntry{
					Kind: KindSNOIndexed, Group: int32(g), SNOID: snoid, SubID: subID, CKey: ckey,
				})
			}
		}
	}
	return entries, nil
}

// ParsePackagesDat parses a Packages.dat blob: a sequence of records
// (snoid i32 be, ckey[16], subfile_count u16 be, subfile_count ×
// (sub_id i32 be, ckey[16])) running to EOF. Returns an empty map for
// an empty blob (the common case when a product has no Packages.dat).
func ParsePackagesDat(data []byte) (map[int32]snoPackage, error) {
	out := make(map[int32]snoPackage)
	pos := 0
	for pos < len(data) {
		if pos+4+16+2 > len(data) {
			return nil, fmt.Errorf("%w: truncated Packages.dat record header", cascerr.ErrInvalidRoot)
		}
		snoid := int32(binary.BigEndian.Uint32(data[pos : pos+4]))
		pos += 4
		var ckey binutil.CKey
		copy(ckey[:], data[pos:pos+16])
		pos += 16
		subCount := int(binary.BigEndian.Uint16(data[pos : pos+2]))
		pos += 2

		pkg := snoPackage{CKey: ckey}
		if subCount > 0 {
			pkg.Subfiles = make(map[int32]binutil.CKey, subCount)
		}
		for s := 0; s < subCount; s++ {
			if pos+4+16 > len(data) {
				return nil, fmt.Errorf("%w: truncated Packages.dat subfile record", cascerr.ErrInvalidRoot)
			}
			subID := int32(binary.BigEndian.Uint32(data[pos : pos+4]))
			pos += 4
			var subCKey binutil.CKey
			copy(subCKey[:], data[pos:pos+16])
			pos += 16
			pkg.Subfiles[subID] = subCKey
		}
		out[snoid] = pkg
	}
	return out, nil
}
