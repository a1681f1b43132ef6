package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/freadblangks/gocasc/binutil"
	"github.com/freadblangks/gocasc/blte"
	"github.com/freadblangks/gocasc/cascconfig"
	"github.com/freadblangks/gocasc/cascerr"
	"github.com/freadblangks/gocasc/cdncache"
	"github.com/freadblangks/gocasc/enctable"
	"github.com/freadblangks/gocasc/localidx"
	"github.com/freadblangks/gocasc/rootfile"
)

// localArchiveCacheBytes bounds how much of one archive's recently-read
// bytes are kept warm in memory, matching spec's "archive reads are
// sliced from the cached file on disk" threshold of 64 MiB.
const localArchiveCacheBytes = 64 << 20

// LocalOptions customizes LocalResolver construction.
type LocalOptions struct {
	// ListFile resolves Jenkins path hashes to names for the hsb/wow
	// root dialects. Optional.
	ListFile map[uint32]string
	// PackagesDat supplies the d3 dialect's SNO name catalog. Optional.
	PackagesDat []byte
	// Progress receives construction milestones.
	Progress ProgressFunc
}

// LocalResolver resolves files out of a local game installation's
// Data/data directory, mirroring pycasc's DirCASCReader: the full
// file table is built eagerly from every .idx file at construction
// time.
type LocalResolver struct {
	*baseResolver

	dataPath string

	archiveMu     sync.Mutex
	archiveFiles  map[uint32]*os.File
	archiveRanges map[uint32]*cdncache.RangeCache
}

// NewLocalResolver opens a local CASC install rooted at path (the
// directory containing .build.info and Data/).
func NewLocalResolver(ctx context.Context, path string, opts LocalOptions) (*LocalResolver, error) {
	buildInfoPath := filepath.Join(path, ".build.info")
	dataPath := filepath.Join(path, "Data", "data")
	if _, err := os.Stat(buildInfoPath); err != nil {
		return nil, fmt.Errorf("%w: missing .build.info under %s", cascerr.ErrInvalidInstall, path)
	}
	if st, err := os.Stat(dataPath); err != nil || !st.IsDir() {
		return nil, fmt.Errorf("%w: missing Data/data under %s", cascerr.ErrInvalidInstall, path)
	}

	progress := opts.Progress
	if progress == nil {
		progress = func(string, float64) {}
	}

	lr := &LocalResolver{
		dataPath:      dataPath,
		archiveFiles:  make(map[uint32]*os.File),
		archiveRanges: make(map[uint32]*cdncache.RangeCache),
	}

	buildInfoBlob, err := os.ReadFile(buildInfoPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading .build.info: %v", cascerr.ErrInvalidInstall, err)
	}
	buildInfoRows, err := cascconfig.ParseTabular(strings.NewReader(string(buildInfoBlob)))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing .build.info: %v", cascerr.ErrInvalidInstall, err)
	}
	if len(buildInfoRows) == 0 {
		return nil, fmt.Errorf("%w: .build.info has no product rows", cascerr.ErrInvalidInstall)
	}
	buildKeyHex, err := buildInfoRows[0].Require("Build Key")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cascerr.ErrInvalidInstall, err)
	}

	prefix, err := binutil.HexPrefix(strings.ToLower(buildKeyHex))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cascerr.ErrInvalidInstall, err)
	}
	buildConfigPath := filepath.Join(path, "Data", "config", filepath.FromSlash(prefix))
	buildConfigBlob, err := os.ReadFile(buildConfigPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading build config: %v", cascerr.ErrInvalidConfig, err)
	}
	buildConfigRecords, err := cascconfig.ParseKeyValue(strings.NewReader(string(buildConfigBlob)))
	if err != nil || len(buildConfigRecords) == 0 {
		return nil, fmt.Errorf("%w: parsing build config: %v", cascerr.ErrInvalidConfig, err)
	}
	manifest, err := parseBuildManifest(buildConfigRecords[0])
	if err != nil {
		return nil, err
	}

	fileTable := make(map[binutil.EKey]*FileInfo)
	idxPaths, err := filepath.Glob(filepath.Join(dataPath, "*.idx"))
	if err != nil {
		return nil, fmt.Errorf("%w: listing .idx files: %v", cascerr.ErrInvalidInstall, err)
	}
	for _, idxPath := range idxPaths {
		idx, err := localidx.Open(idxPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", cascerr.ErrInvalidIndex, err)
		}
		for _, e := range idx.Entries {
			if _, exists := fileTable[e.EKey]; exists {
				continue
			}
			fileTable[e.EKey] = &FileInfo{
				EKey:           e.EKey,
				HasArchive:     true,
				ArchiveID:      e.ArchiveFile,
				Offset:         uint64(e.Offset),
				CompressedSize: e.CompressedSize,
			}
		}
	}
	progress("indexes", 0.3)
	klog.V(1).Infof("resolver: loaded %d local index entries from %d .idx files", len(fileTable), len(idxPaths))

	encEKey, err := binutil.ParseEKey(manifest.EncEKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding ekey: %v", cascerr.ErrInvalidConfig, err)
	}
	encInfo, ok := fileTable[encEKey]
	if !ok {
		return nil, fmt.Errorf("%w: encoding file ekey %s not present in any local index", cascerr.ErrInvalidInstall, encEKey)
	}

	rawEnc, err := lr.fetchRaw(ctx, encInfo, -1)
	if err != nil {
		return nil, fmt.Errorf("%w: reading encoding file: %v", cascerr.ErrInvalidEncoding, err)
	}
	_, encPayload, err := blte.Decode(rawEnc, -1)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding encoding file: %v", cascerr.ErrInvalidEncoding, err)
	}
	ckeyMap, err := enctable.Parse(encPayload)
	if err != nil {
		return nil, err
	}
	progress("encoding", 0.5)
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
	rootData, err := fetchByCKey(ctx, ckeyMap, fileTable, lr.fetchRaw, rootCKey, -1)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching root file: %v", cascerr.ErrInvalidRoot, err)
	}

	dialect := rootfile.DialectFromBuildUID(manifest.UID)
	translateTable, err := rootfile.Parse(dialect, strings.NewReader(string(rootData)), rootfile.Options{
		ListFile:    opts.ListFile,
		PackagesDat: opts.PackagesDat,
	})
	if err != nil {
		return nil, err
	}
	progress("root", 0.8)
	klog.V(1).Infof("resolver: parsed root table with %d entries (dialect %v)", len(translateTable), dialect)

	translateTable, err = syntheticEntries(translateTable, rootCKey, manifest)
	if err != nil {
		return nil, err
	}

	lr.baseResolver = newBaseResolver(ckeyMap, fileTable, translateTable, progress)
	lr.baseResolver.fetchRaw = lr.fetchRaw
	progress("done", 1)
	return lr, nil
}

// fetchRaw reads fi's BLTE-encoded bytes directly from its backing
// archive file, via an in-memory RangeCache so a read of a range
// already held in memory is served without another ReadAt.
func (lr *LocalResolver) fetchRaw(ctx context.Context, fi *FileInfo, maxBytes int64) ([]byte, error) {
	if !fi.HasArchive {
		return nil, fmt.Errorf("%w: ekey %s has no local archive entry", cascerr.ErrNotFound, fi.EKey)
	}
	rc, err := lr.archiveRangeCache(fi.ArchiveID)
	if err != nil {
		return nil, err
	}
	length := int64(fi.CompressedSize)
	if maxBytes >= 0 && maxBytes < length {
		length = maxBytes
	}
	return rc.Get(ctx, int64(fi.Offset), length)
}

func (lr *LocalResolver) archiveRangeCache(archiveID uint32) (*cdncache.RangeCache, error) {
	lr.archiveMu.Lock()
	defer lr.archiveMu.Unlock()

	if rc, ok := lr.archiveRanges[archiveID]; ok {
		return rc, nil
	}

	archivePath := filepath.Join(lr.dataPath, fmt.Sprintf("data.%03d", archiveID))
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: opening archive %s: %v", cascerr.ErrInvalidInstall, archivePath, err)
	}
	if err := unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM); err != nil {
		// Advisory only.
		_ = err
	}

	rc := cdncache.NewRangeCache(archivePath, localArchiveCacheBytes, func(_ context.Context, off, length int64) ([]byte, error) {
		buf := make([]byte, length)
		if _, err := f.ReadAt(buf, off); err != nil {
			return nil, fmt.Errorf("%w: reading %s at offset %d: %v", cascerr.ErrInvalidIndex, archivePath, off, err)
		}
		return buf, nil
	})

	lr.archiveFiles[archiveID] = f
	lr.archiveRanges[archiveID] = rc
	return rc, nil
}

// Close releases every open archive file handle.
func (lr *LocalResolver) Close() error {
	lr.archiveMu.Lock()
	defer lr.archiveMu.Unlock()
	var firstErr error
	for id, f := range lr.archiveFiles {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(lr.archiveFiles, id)
	}
	return firstErr
}
