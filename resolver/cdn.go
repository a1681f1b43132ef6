package resolver

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"k8s.io/klog/v2"

	"github.com/freadblangks/gocasc/binutil"
	"github.com/freadblangks/gocasc/blte"
	"github.com/freadblangks/gocasc/cascconfig"
	"github.com/freadblangks/gocasc/cascerr"
	"github.com/freadblangks/gocasc/cascmetrics"
	"github.com/freadblangks/gocasc/cdncache"
	"github.com/freadblangks/gocasc/cdnidx"
	"github.com/freadblangks/gocasc/enctable"
	"github.com/freadblangks/gocasc/rootfile"
)

// archiveRangeCacheBytes bounds how many bytes of one archive's data
// this resolver keeps cached in memory (each archive gets its own
// cache with this bound), the
// same default spec.md §5 gives for the disk-archive range-read
// threshold, repurposed here as the in-memory LRU's capacity.
const archiveRangeCacheBytes = 64 << 20

// CDNOptions customizes CDNResolver construction.
type CDNOptions struct {
	// Region selects which build/CDN row to use; empty picks the
	// first row the patch service returns.
	Region string
	// ListFile resolves Jenkins path hashes to names for the hsb/wow
	// root dialects. Optional.
	ListFile map[uint32]string
	// PackagesDat supplies the d3 dialect's SNO name catalog. Optional.
	PackagesDat []byte
	// Progress receives construction milestones.
	Progress ProgressFunc
}

// CDNResolver resolves files against a product's content delivery
// network, mirroring pycasc's CDNCASCReader: archive indexes are
// loaded eagerly (they're small) but per-file entries reachable only
// through the encoding table are synthesized on first query.
type CDNResolver struct {
	*baseResolver

	product string
	region  string
	fetcher *cdncache.Fetcher

	archiveMu     sync.Mutex
	archiveRanges map[string]*cdncache.RangeCache
}

// NewCDNResolver builds a CDNResolver for product, fetching host and
// version information through fetcher.
func NewCDNResolver(ctx context.Context, fetcher *cdncache.Fetcher, product string, opts CDNOptions) (*CDNResolver, error) {
	progress := opts.Progress
	if progress == nil {
		progress = func(string, float64) {}
	}

	versions, err := fetcher.FetchVersions(ctx, product)
	if err != nil {
		return nil, err
	}
	vr, ok := pickVersionRow(versions, opts.Region)
	if !ok {
		return nil, fmt.Errorf("%w: no version row for product %q region %q", cascerr.ErrInvalidConfig, product, opts.Region)
	}

	cr := &CDNResolver{
		product:       product,
		region:        vr.Region,
		fetcher:       fetcher,
		archiveRanges: make(map[string]*cdncache.RangeCache),
	}

	buildConfigBlob, err := fetcher.Get(ctx, product, cdncache.KindConfig, vr.BuildConfig, cdncache.GetOptions{MaxBytes: -1, CacheTTL: cdncache.ImmutableTTL, Region: cr.region})
	if err != nil {
		return nil, fmt.Errorf("%w: fetching build config: %v", cascerr.ErrInvalidConfig, err)
	}
	buildConfigRecords, err := cascconfig.ParseKeyValue(bytes.NewReader(buildConfigBlob))
	if err != nil || len(buildConfigRecords) == 0 {
		return nil, fmt.Errorf("%w: parsing build config: %v", cascerr.ErrInvalidConfig, err)
	}
	manifest, err := parseBuildManifest(buildConfigRecords[0])
	if err != nil {
		return nil, err
	}

	cdnConfigBlob, err := fetcher.Get(ctx, product, cdncache.KindConfig, vr.CDNConfig, cdncache.GetOptions{MaxBytes: -1, CacheTTL: cdncache.ImmutableTTL, Region: cr.region})
	if err != nil {
		return nil, fmt.Errorf("%w: fetching cdn config: %v", cascerr.ErrInvalidConfig, err)
	}
	cdnConfigRecords, err := cascconfig.ParseKeyValue(bytes.NewReader(cdnConfigBlob))
	if err != nil || len(cdnConfigRecords) == 0 {
		return nil, fmt.Errorf("%w: parsing cdn config: %v", cascerr.ErrInvalidConfig, err)
	}
	archivesField, err := cdnConfigRecords[0].Require("archives")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cascerr.ErrInvalidConfig, err)
	}
	archiveHashes := strings.Fields(archivesField)

	fileTable := make(map[binutil.EKey]*FileInfo)
	for i, archiveHash := range archiveHashes {
		idxBlob, err := fetcher.Get(ctx, product, cdncache.KindData, archiveHash, cdncache.GetOptions{
			MaxBytes: -1, CacheTTL: cdncache.ImmutableTTL, IsIndexSuffix: true, Region: cr.region,
		})
		if err != nil {
			klog.Warningf("resolver: fetching archive index %s failed, skipping: %v", archiveHash, err)
			cascmetrics.RecordArchiveLoad(product, false)
			continue
		}
		idx, err := cdnidx.Parse(idxBlob)
		if err != nil && !cdnidx.IsCountMismatch(err) {
			klog.Warningf("resolver: archive index %s did not parse, ignoring since it only causes minor issues: %v", archiveHash, err)
			cascmetrics.RecordArchiveLoad(product, false)
			continue
		}
		if err != nil {
			klog.Warningf("resolver: archive index %s: %v", archiveHash, err)
		}
		cascmetrics.RecordArchiveLoad(product, true)
		for _, e := range idx.Entries {
			if _, exists := fileTable[e.EKey]; exists {
				continue
			}
			fileTable[e.EKey] = &FileInfo{
				EKey:           e.EKey,
				HasArchive:     true,
				ArchiveHash:    archiveHash,
				Offset:         e.Offset,
				CompressedSize: e.CompressedSize,
			}
		}
		progress("archives", float64(i+1)/float64(len(archiveHashes))*0.4)
	}
	klog.V(1).Infof("resolver: loaded %d CDN index entries from %d archives", len(fileTable), len(archiveHashes))

	encEKey, err := binutil.ParseEKey(manifest.EncEKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding ekey: %v", cascerr.ErrInvalidConfig, err)
	}
	rawEnc, err := fetcher.Get(ctx, product, cdncache.KindData, manifest.EncEKeyHex, cdncache.GetOptions{MaxBytes: -1, CacheTTL: cdncache.ImmutableTTL, Region: cr.region})
	if err != nil {
		return nil, fmt.Errorf("%w: fetching encoding file: %v", cascerr.ErrInvalidEncoding, err)
	}
	_, encPayload, err := blte.Decode(rawEnc, -1)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding encoding file: %v", cascerr.ErrInvalidEncoding, err)
	}
	ckeyMap, err := enctable.Parse(encPayload)
	if err != nil {
		return nil, err
	}
	progress("encoding", 0.6)
	klog.V(1).Infof("resolver: parsed encoding table with %d entries", ckeyMap.Len())

	encCKey, err := binutil.ParseCKey(manifest.EncCKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding ckey: %v", cascerr.ErrInvalidConfig, err)
	}
	ckeyMap.Set(encCKey, encEKey)

	rootCKey, err := binutil.ParseCKey(manifest.RootCKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: root ckey: %v", cascerr.ErrInvalidConfig, err)
	}
	rootData, err := fetchByCKey(ctx, ckeyMap, fileTable, cr.fetchRaw, rootCKey, -1)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching root file: %v", cascerr.ErrInvalidRoot, err)
	}

	dialect := rootfile.DialectFromBuildUID(manifest.UID)
	translateTable, err := rootfile.Parse(dialect, bytes.NewReader(rootData), rootfile.Options{
		ListFile:    opts.ListFile,
		PackagesDat: opts.PackagesDat,
	})
	if err != nil {
		return nil, err
	}
	progress("root", 0.9)
	klog.V(1).Infof("resolver: parsed root table with %d entries (dialect %v)", len(translateTable), dialect)

	translateTable, err = syntheticEntries(translateTable, rootCKey, manifest)
	if err != nil {
		return nil, err
	}

	cr.baseResolver = newBaseResolver(ckeyMap, fileTable, translateTable, progress)
	cr.baseResolver.fetchRaw = cr.fetchRaw
	cr.baseResolver.standaloneFetchable = cr.standaloneFetchable
	progress("done", 1)
	return cr, nil
}

func pickVersionRow(versions []cdncache.VersionInfo, region string) (cdncache.VersionInfo, bool) {
	if region == "" {
		if len(versions) == 0 {
			return cdncache.VersionInfo{}, false
		}
		return versions[0], true
	}
	for _, v := range versions {
		if v.Region == region {
			return v, true
		}
	}
	return cdncache.VersionInfo{}, false
}

// fetchRaw retrieves fi's BLTE-encoded bytes: archive-backed entries
// are sliced out of an in-memory, per-archive range cache fronting
// ranged network reads (never a whole-archive download just to serve
// one entry), standalone entries fetch the EKey's own CDN path —
// both bounded by maxBytes when the caller doesn't need the whole
// file, and maxBytes == 0 returns immediately without any network call.
func (cr *CDNResolver) fetchRaw(ctx context.Context, fi *FileInfo, maxBytes int64) ([]byte, error) {
	if maxBytes == 0 {
		return []byte{}, nil
	}

	if !fi.HasArchive {
		// fi.EKey only ever carries the short (9-byte) form, since
		// that's all the encoding table exposes; a standalone fetch by
		// EKey is therefore only reachable for products whose CDN
		// accepts the short-hash prefix directly.
		return cr.fetcher.Get(ctx, cr.product, cdncache.KindData, fi.EKey.String(), cdncache.GetOptions{
			MaxBytes: maxBytes, CacheTTL: cdncache.DefaultCacheTTL, Region: cr.region,
		})
	}

	length := int64(fi.CompressedSize)
	if maxBytes >= 0 && maxBytes < length {
		length = maxBytes
	}
	if length <= 0 {
		return []byte{}, nil
	}
	rc := cr.archiveRangeCache(fi.ArchiveHash)
	return rc.Get(ctx, int64(fi.Offset), length)
}

// archiveRangeCache returns the in-memory LRU byte-range cache
// fronting ranged network reads of one CDN archive, building it on
// first use. Mirrors LocalResolver.archiveRangeCache's role, but its
// fetch function issues an HTTP byte-range GET (cdncache.Fetcher.GetRange)
// instead of a local pread, since a CDN archive is never pulled down
// wholesale just to serve one entry.
func (cr *CDNResolver) archiveRangeCache(archiveHash string) *cdncache.RangeCache {
	cr.archiveMu.Lock()
	defer cr.archiveMu.Unlock()

	if rc, ok := cr.archiveRanges[archiveHash]; ok {
		return rc
	}
	rc := cdncache.NewRangeCache(archiveHash, archiveRangeCacheBytes, func(ctx context.Context, off, length int64) ([]byte, error) {
		return cr.fetcher.GetRange(ctx, cr.product, cdncache.KindData, archiveHash, cr.region, off, length)
	})
	cr.archiveRanges[archiveHash] = rc
	return rc
}

// standaloneFetchable reports whether a non-archive-backed entry's
// bytes can be obtained right now: always true with network access,
// or true without it only when the standalone path is already cached
// on disk.
func (cr *CDNResolver) standaloneFetchable(fi *FileInfo, includeCDN bool) bool {
	if includeCDN {
		return true
	}
	_, err := os.Stat(cr.fetcher.CachePath(cr.product, cdncache.KindData, fi.EKey.String(), false))
	return err == nil
}
