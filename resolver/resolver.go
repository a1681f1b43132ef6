// Package resolver orchestrates the binary parsers and the CDN fetch
// layer into the name/ID -> byte-stream client the rest of this module
// exists to support. Two concrete implementations share one base: a
// LocalResolver built from an on-disk game install, and a CDNResolver
// built against a product's content delivery network.
package resolver

import (
	"context"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/freadblangks/gocasc/binutil"
	"github.com/freadblangks/gocasc/blte"
	"github.com/freadblangks/gocasc/cascconfig"
	"github.com/freadblangks/gocasc/cascerr"
	"github.com/freadblangks/gocasc/enctable"
	"github.com/freadblangks/gocasc/rootfile"
)

// ProgressFunc receives progress updates during long construction
// steps (archive index loading, encoding/root table fetch). step
// names a construction stage; pct is in [0, 1]. A nil ProgressFunc is
// replaced with a no-op.
type ProgressFunc func(step string, pct float64)

// NamedEntry is one row of ListFiles: a resolved name paired with the
// CKey it refers to.
type NamedEntry struct {
	Name string
	CKey binutil.CKey
}

// FileInfo is everything known about one EKey. Fields beyond EKey are
// optional until discovered; UncompressedSize/ChunkCount are filled in
// lazily, at most once, by GetFileSize/GetChunkCount.
type FileInfo struct {
	EKey binutil.EKey

	CKey    binutil.CKey
	HasCKey bool

	// HasArchive reports whether this file is reachable through an
	// index (local .idx or CDN .cidx) entry rather than only via its
	// own standalone EKey path.
	HasArchive bool
	// ArchiveID is the local archive's numeric suffix (data.NNN) when
	// produced by a LocalResolver.
	ArchiveID uint32
	// ArchiveHash is the CDN archive's content hash when produced by a
	// CDNResolver. Empty for local entries.
	ArchiveHash string
	Offset      uint64

	CompressedSize uint64

	Name    string
	HasName bool

	sizeOnce         sync.Once
	sizeErr          error
	uncompressedSize uint64
	chunkCount       int
}

// Resolver is the client-facing API implemented by LocalResolver and
// CDNResolver.
type Resolver interface {
	// ListFiles returns every CKey with a resolved name.
	ListFiles() []NamedEntry
	// ListUnnamedFiles returns every CKey present in the encoding
	// table with no name but a resolvable EKey.
	ListUnnamedFiles() []binutil.CKey
	// GetFileInfo returns the FileInfo for ckey, synthesizing a
	// minimal record (no archive backing) the first time an
	// encoding-table CKey is queried that wasn't already reachable
	// through an index.
	GetFileInfo(ckey binutil.CKey) (*FileInfo, bool)
	// GetFile fetches and BLTE-decodes ckey's content, stopping once
	// at least maxBytes of payload have been produced (maxBytes < 0
	// decodes the whole file).
	GetFile(ctx context.Context, ckey binutil.CKey, maxBytes int64) ([]byte, error)
	// GetFileSize returns ckey's decoded size, discovered lazily by
	// peeking the BLTE header and cached after the first call.
	GetFileSize(ctx context.Context, ckey binutil.CKey) (int64, error)
	// GetChunkCount returns ckey's BLTE chunk count, discovered the
	// same way as GetFileSize (and sharing its cache).
	GetChunkCount(ctx context.Context, ckey binutil.CKey) (int, error)
	// IsFileFetchable reports whether ckey's bytes are retrievable
	// right now: always true for archive-backed entries, and (when
	// includeCDN is set) true for standalone CDN-only entries too.
	IsFileFetchable(ckey binutil.CKey, includeCDN bool) bool
}

// rawFetchFunc retrieves fi's raw, still-BLTE-encoded bytes, capped to
// maxBytes when non-negative, for standalone and archive-backed
// entries alike. fetchDecoded and fetchByCKey pass -1 for
// archive-backed entries, so their decodes read the full declared
// CompressedSize.
type rawFetchFunc func(ctx context.Context, fi *FileInfo, maxBytes int64) ([]byte, error)

// baseResolver holds the three tables and the lazy-size-discovery
// logic shared by both concrete resolvers, mirroring the CASCReader
// base class construction order and get_file_info_by_ckey behavior.
type baseResolver struct {
	mu sync.RWMutex

	ckeyMap        *enctable.Table
	fileTable      map[binutil.EKey]*FileInfo
	translateTable []rootfile.TranslateEntry

	fetchRaw rawFetchFunc

	// standaloneFetchable decides IsFileFetchable's answer for entries
	// with no archive backing. LocalResolver leaves it nil (always
	// false); CDNResolver wires it to a disk-cache-or-network check.
	standaloneFetchable func(fi *FileInfo, includeCDN bool) bool

	progress ProgressFunc
}

// newBaseResolver builds the shared resolver state and attaches
// resolved names to FileInfo records for every NAMED translate-table
// entry, mirroring CASCReader.__init__'s fixup pass.
func newBaseResolver(ckeyMap *enctable.Table, fileTable map[binutil.EKey]*FileInfo, translateTable []rootfile.TranslateEntry, progress ProgressFunc) *baseResolver {
	if progress == nil {
		progress = func(string, float64) {}
	}
	br := &baseResolver{
		ckeyMap:        ckeyMap,
		fileTable:      fileTable,
		translateTable: translateTable,
		progress:       progress,
	}
	br.attachNames()
	return br
}

func (br *baseResolver) attachNames() {
	for _, e := range br.translateTable {
		if e.Kind != rootfile.KindNamed {
			continue
		}
		fi := br.fileInfoForCKey(e.CKey)
		if fi == nil {
			continue
		}
		fi.Name = e.Name
		fi.HasName = true
	}
}

// fileInfoForCKey resolves ckey through the encoding table, creating a
// synthetic FileInfo entry the first time a CKey without an archive
// index entry is reached. Caller must not hold br.mu.
func (br *baseResolver) fileInfoForCKey(ckey binutil.CKey) *FileInfo {
	ekey, ok := br.ckeyMap.Lookup(ckey)
	if !ok {
		return nil
	}

	br.mu.Lock()
	defer br.mu.Unlock()
	fi, ok := br.fileTable[ekey]
	if !ok {
		fi = &FileInfo{EKey: ekey, CKey: ckey, HasCKey: true}
		br.fileTable[ekey] = fi
	} else if !fi.HasCKey {
		fi.CKey = ckey
		fi.HasCKey = true
	}
	return fi
}

// ListFiles returns every (name, ckey) pair carried by a NAMED
// translate-table entry.
func (br *baseResolver) ListFiles() []NamedEntry {
	var out []NamedEntry
	for _, e := range br.translateTable {
		if e.Kind == rootfile.KindNamed {
			out = append(out, NamedEntry{Name: e.Name, CKey: e.CKey})
		}
	}
	return out
}

// ListUnnamedFiles returns every CKey in the encoding table that has
// no NAMED translate-table entry but does resolve to a file-table
// entry, matching spec's "CKey in ckey_map with no NAMED entry and a
// resolvable EKey" definition.
func (br *baseResolver) ListUnnamedFiles() []binutil.CKey {
	named := make(map[binutil.CKey]struct{})
	for _, e := range br.translateTable {
		if e.Kind == rootfile.KindNamed {
			named[e.CKey] = struct{}{}
		}
	}

	var out []binutil.CKey
	br.ckeyMap.Range(func(ckey binutil.CKey, ekey binutil.EKey) bool {
		if _, isNamed := named[ckey]; isNamed {
			return true
		}
		br.mu.RLock()
		_, resolvable := br.fileTable[ekey]
		br.mu.RUnlock()
		if resolvable {
			out = append(out, ckey)
		}
		return true
	})
	return out
}

// GetFileInfo returns ckey's FileInfo, synthesizing one on first query
// when the CKey is only reachable through the encoding table.
func (br *baseResolver) GetFileInfo(ckey binutil.CKey) (*FileInfo, bool) {
	fi := br.fileInfoForCKey(ckey)
	if fi == nil {
		return nil, false
	}
	return fi, true
}

// GetFile fetches and decodes ckey's content.
func (br *baseResolver) GetFile(ctx context.Context, ckey binutil.CKey, maxBytes int64) ([]byte, error) {
	fi, ok := br.GetFileInfo(ckey)
	if !ok {
		return nil, fmt.Errorf("%w: ckey %s", cascerr.ErrNotFound, ckey)
	}
	return br.fetchDecoded(ctx, fi, maxBytes)
}

func (br *baseResolver) fetchDecoded(ctx context.Context, fi *FileInfo, maxBytes int64) ([]byte, error) {
	if maxBytes == 0 {
		return []byte{}, nil
	}
	rawCap := int64(-1)
	if !fi.HasArchive {
		rawCap = maxBytes
	}
	raw, err := br.fetchRaw(ctx, fi, rawCap)
	if err != nil {
		return nil, err
	}
	_, payload, err := blte.Decode(raw, maxBytes)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// GetFileSize returns ckey's decoded size, computing and caching it on
// first call.
func (br *baseResolver) GetFileSize(ctx context.Context, ckey binutil.CKey) (int64, error) {
	fi, ok := br.GetFileInfo(ckey)
	if !ok {
		return 0, fmt.Errorf("%w: ckey %s", cascerr.ErrNotFound, ckey)
	}
	fi.sizeOnce.Do(func() { br.populateSize(ctx, fi) })
	if fi.sizeErr != nil {
		return 0, fi.sizeErr
	}
	return int64(fi.uncompressedSize), nil
}

// GetChunkCount returns ckey's BLTE chunk count, sharing GetFileSize's
// memoized discovery.
func (br *baseResolver) GetChunkCount(ctx context.Context, ckey binutil.CKey) (int, error) {
	fi, ok := br.GetFileInfo(ckey)
	if !ok {
		return 0, fmt.Errorf("%w: ckey %s", cascerr.ErrNotFound, ckey)
	}
	fi.sizeOnce.Do(func() { br.populateSize(ctx, fi) })
	if fi.sizeErr != nil {
		return 0, fi.sizeErr
	}
	return fi.chunkCount, nil
}

const sizePeekBytes = 8 * 1024

// populateSize peeks fi's BLTE header to learn its uncompressed size
// and chunk count without decoding chunk bodies. A single-chunk,
// headerless blob carries no declared size in its header, so that
// case falls back to a full decode.
func (br *baseResolver) populateSize(ctx context.Context, fi *FileInfo) {
	raw, err := br.fetchRaw(ctx, fi, sizePeekBytes)
	if err != nil {
		fi.sizeErr = err
		return
	}
	header, _, err := blte.ParseHeader(raw)
	if err != nil {
		fi.sizeErr = err
		return
	}
	if total, ok := header.UncompressedSize(); ok {
		fi.uncompressedSize = total
		fi.chunkCount = header.ChunkCount()
		return
	}

	klog.V(2).Infof("resolver: headerless blob for ekey %s, decoding fully to discover size", fi.EKey)
	full, err := br.fetchRaw(ctx, fi, -1)
	if err != nil {
		fi.sizeErr = err
		return
	}
	_, payload, err := blte.Decode(full, -1)
	if err != nil {
		fi.sizeErr = err
		return
	}
	fi.uncompressedSize = uint64(len(payload))
	fi.chunkCount = 1
}

// IsFileFetchable reports whether ckey's bytes can currently be
// retrieved.
func (br *baseResolver) IsFileFetchable(ckey binutil.CKey, includeCDN bool) bool {
	fi, ok := br.GetFileInfo(ckey)
	if !ok {
		return false
	}
	if fi.HasArchive {
		return true
	}
	if br.standaloneFetchable == nil {
		return false
	}
	return br.standaloneFetchable(fi, includeCDN)
}

// fetchByCKey resolves and decodes ckey without requiring a fully
// constructed baseResolver; it is used during CDNResolver/LocalResolver
// construction to fetch the root file before the translate table (and
// therefore the full baseResolver) exists.
func fetchByCKey(ctx context.Context, ckeyMap *enctable.Table, fileTable map[binutil.EKey]*FileInfo, fetchRaw rawFetchFunc, ckey binutil.CKey, maxBytes int64) ([]byte, error) {
	ekey, ok := ckeyMap.Lookup(ckey)
	if !ok {
		return nil, fmt.Errorf("%w: ckey %s not present in encoding table", cascerr.ErrNotFound, ckey)
	}
	fi, ok := fileTable[ekey]
	if !ok {
		fi = &FileInfo{EKey: ekey, CKey: ckey, HasCKey: true}
		fileTable[ekey] = fi
	} else if !fi.HasCKey {
		fi.CKey = ckey
		fi.HasCKey = true
	}

	rawCap := int64(-1)
	if !fi.HasArchive {
		rawCap = maxBytes
	}
	raw, err := fetchRaw(ctx, fi, rawCap)
	if err != nil {
		return nil, err
	}
	_, payload, err := blte.Decode(raw, maxBytes)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// buildManifest holds the handful of build-config keys every
// construction path needs, parsed once from the key-value manifest.
type buildManifest struct {
	UID         string
	RootCKeyHex string
	EncCKeyHex  string
	EncEKeyHex  string
	InstallHex  string
	DownloadHex string
	SizeHex     string
}

// parseBuildManifest reads the handful of build-config keys every
// construction path needs: the build-uid that selects a root dialect,
// the root CKey, both halves of the encoding pair (its content key and
// encoding key, the latter needed to bootstrap the encoding fetch), and
// only the first, content-key half of the install/download/size pairs.
func parseBuildManifest(kv cascconfig.KeyValue) (buildManifest, error) {
	var m buildManifest
	var err error
	if m.UID, err = kv.Require("build-uid"); err != nil {
		return m, err
	}
	if m.RootCKeyHex, err = kv.Require("root"); err != nil {
		return m, err
	}
	if m.EncCKeyHex, m.EncEKeyHex, err = kv.Pair("encoding"); err != nil {
		return m, err
	}
	if m.InstallHex, err = kv.First("install"); err != nil {
		return m, err
	}
	if m.DownloadHex, err = kv.First("download"); err != nil {
		return m, err
	}
	if m.SizeHex, err = kv.First("size"); err != nil {
		return m, err
	}
	return m, nil
}

// syntheticEntries appends the five synthetic NAMED rows every
// construction path adds after parsing the root table: the root,
// encoding, install, download, and size manifests themselves become
// named, fetchable pseudo-files.
func syntheticEntries(entries []rootfile.TranslateEntry, rootCKey binutil.CKey, m buildManifest) ([]rootfile.TranslateEntry, error) {
	entries = append(entries, rootfile.TranslateEntry{Kind: rootfile.KindNamed, Name: "_ROOT", CKey: rootCKey})

	encCKey, err := binutil.ParseCKey(m.EncCKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding ckey: %v", cascerr.ErrInvalidConfig, err)
	}
	entries = append(entries, rootfile.TranslateEntry{Kind: rootfile.KindNamed, Name: "_ENCODING", CKey: encCKey})

	for _, extra := range []struct {
		name   string
		hexKey string
	}{
		{"_INSTALL", m.InstallHex},
		{"_DOWNLOAD", m.DownloadHex},
		{"_SIZE", m.SizeHex},
	} {
		ck, err := binutil.ParseCKey(extra.hexKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %s ckey: %v", cascerr.ErrInvalidConfig, extra.name, err)
		}
		entries = append(entries, rootfile.TranslateEntry{Kind: rootfile.KindNamed, Name: extra.name, CKey: ck})
	}
	return entries, nil
}
