// Package cdncache implements the CDN fetch and on-disk TTL cache
// layer: ranged HTTP GETs against Blizzard's CDN host list, a
// filesystem-backed cache keyed by product/kind/hash, and the
// patch-service host/version discovery calls every fetch depends on.
package cdncache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"

	"github.com/freadblangks/gocasc/cascconfig"
	"github.com/freadblangks/gocasc/cascerr"
	"github.com/freadblangks/gocasc/cascmetrics"
)

// Kind selects which CDN sub-path a fetch targets.
type Kind string

const (
	KindConfig  Kind = "config"
	KindData    Kind = "data"
	KindPatch   Kind = "patch"
	KindIndexes Kind = "indexes"
)

// DefaultCacheTTL is reused whenever a caller passes a zero CacheTTL.
const DefaultCacheTTL = time.Hour

// ImmutableTTL signals "always reuse a cached file when present",
// spec.md's cache_ttl = -1 convention.
const ImmutableTTL = -1 * time.Second

// DefaultPatchHost matches Blizzard's production patch service.
const DefaultPatchHost = "us.patch.battle.net:1119"

// DefaultTimeout is the per-HTTP-operation deadline applied when the
// caller's context carries none.
const DefaultTimeout = 30 * time.Second

// CDNInfo is one row of a product's {product}/cdns response.
type CDNInfo struct {
	Region string
	Path   string
	Hosts  []string
}

// VersionInfo is one row of a product's {product}/versions response.
type VersionInfo struct {
	Region        string
	BuildConfig   string
	CDNConfig     string
	KeyRing       string
	BuildID       string
	VersionsName  string
	ProductConfig string
}

// GetOptions customizes one Get call.
type GetOptions struct {
	// MaxBytes requests only the first MaxBytes bytes via a ranged GET.
	// A negative value requests the whole object.
	MaxBytes int64
	// CacheTTL overrides DefaultCacheTTL; ImmutableTTL disables
	// expiry entirely.
	CacheTTL time.Duration
	// IsIndexSuffix appends ".index" to the CDN path and cache path.
	IsIndexSuffix bool
	// Region picks which discovered CDNInfo/host list to use; empty
	// means "first row returned".
	Region string
}

// Fetcher is the CDN client: it resolves a product's CDN hosts and
// config/data/patch/indexes paths, serves requests from an on-disk
// cache, and coalesces concurrent fetches for the same key.
type Fetcher struct {
	httpClient *http.Client
	patchHost  string
	cacheDir   string

	discovery *ttlcache.Cache[string, any]
	group     singleflight.Group
}

// NewFetcher builds a Fetcher rooted at cacheDir, talking to
// patchHost for host/version discovery. An empty patchHost falls back
// to DefaultPatchHost.
func NewFetcher(patchHost, cacheDir string) *Fetcher {
	if patchHost == "" {
		patchHost = DefaultPatchHost
	}
	discovery := ttlcache.New[string, any](
		ttlcache.WithTTL[string, any](5 * time.Minute),
	)
	go discovery.Start()

	return &Fetcher{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		patchHost:  patchHost,
		cacheDir:   cacheDir,
		discovery:  discovery,
	}
}

// FetchCDNs fetches and caches {product}/cdns.
func (f *Fetcher) FetchCDNs(ctx context.Context, product string) ([]CDNInfo, error) {
	key := "cdns:" + product
	if item := f.discovery.Get(key); item != nil {
		return item.Value().([]CDNInfo), nil
	}

	rows, err := f.fetchTabular(ctx, product, "cdns")
	if err != nil {
		return nil, err
	}

	var out []CDNInfo
	for _, row := range rows {
		out = append(out, CDNInfo{
			Region: row["Region"],
			Path:   row["Path"],
			Hosts:  strings.Fields(row["Hosts"]),
		})
	}
	f.discovery.Set(key, out, ttlcache.DefaultTTL)
	return out, nil
}

// FetchVersions fetches and caches {product}/versions.
func (f *Fetcher) FetchVersions(ctx context.Context, product string) ([]VersionInfo, error) {
	key := "versions:" + product
	if item := f.discovery.Get(key); item != nil {
		return item.Value().([]VersionInfo), nil
	}

	rows, err := f.fetchTabular(ctx, product, "versions")
	if err != nil {
		return nil, err
	}

	var out []VersionInfo
	for _, row := range rows {
		out = append(out, VersionInfo{
			Region:        row["Region"],
			BuildConfig:   row["BuildConfig"],
			CDNConfig:     row["CDNConfig"],
			KeyRing:       row["KeyRing"],
			BuildID:       row["BuildId"],
			VersionsName:  row["VersionsName"],
			ProductConfig: row["ProductConfig"],
		})
	}
	f.discovery.Set(key, out, ttlcache.DefaultTTL)
	return out, nil
}

func (f *Fetcher) fetchTabular(ctx context.Context, product, endpoint string) ([]cascconfig.TabularRow, error) {
	url := fmt.Sprintf("http://%s/%s/%s", f.patchHost, product, endpoint)
	body, _, err := f.httpGet(ctx, url, 0, -1)
	if err != nil {
		return nil, err
	}
	rows, err := cascconfig.ParseTabular(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", cascerr.ErrInvalidConfig, endpoint, err)
	}
	return rows, nil
}

func (f *Fetcher) pickCDN(ctx context.Context, product, region string) (CDNInfo, error) {
	cdns, err := f.FetchCDNs(ctx, product)
	if err != nil {
		return CDNInfo{}, err
	}
	if len(cdns) == 0 {
		return CDNInfo{}, fmt.Errorf("%w: no CDN rows for product %q", cascerr.ErrInvalidConfig, product)
	}
	if region == "" {
		return cdns[0], nil
	}
	for _, c := range cdns {
		if c.Region == region {
			return c, nil
		}
	}
	return cdns[0], nil
}

// Get fetches hash's bytes of the given kind, serving from the
// on-disk cache when a fresh-enough, large-enough copy already exists.
func (f *Fetcher) Get(ctx context.Context, product string, kind Kind, hash string, opts GetOptions) ([]byte, error) {
	if len(hash) < 4 {
		return nil, fmt.Errorf("%w: hash %q too short", cascerr.ErrInvalidConfig, hash)
	}
	ttl := opts.CacheTTL
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}

	cachePath := f.cachePath(product, kind, hash, opts.IsIndexSuffix)

	if data, ok := f.readCacheIfFresh(cachePath, ttl, opts.MaxBytes); ok {
		cascmetrics.RecordCacheRequest("disk", true)
		return data, nil
	}

	sfKey := cachePath
	v, err, _ := f.group.Do(sfKey, func() (interface{}, error) {
		if data, ok := f.readCacheIfFresh(cachePath, ttl, opts.MaxBytes); ok {
			cascmetrics.RecordCacheRequest("disk", true)
			return data, nil
		}
		cascmetrics.RecordCacheRequest("disk", false)
		return f.fetchAndCache(ctx, product, kind, hash, opts, cachePath)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// CachePath returns the on-disk path Get would read or write for the
// given key, without touching the filesystem. Callers use it to check
// whether a standalone fetch is already cached without issuing one.
func (f *Fetcher) CachePath(product string, kind Kind, hash string, indexSuffix bool) string {
	return f.cachePath(product, kind, hash, indexSuffix)
}

func (f *Fetcher) cachePath(product string, kind Kind, hash string, indexSuffix bool) string {
	name := hash
	if indexSuffix {
		name += ".index"
	}
	return filepath.Join(f.cacheDir, product, string(kind), hash[0:2], hash[2:4], name)
}

func (f *Fetcher) readCacheIfFresh(path string, ttl time.Duration, maxBytes int64) ([]byte, bool) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if ttl != ImmutableTTL && time.Since(st.ModTime()) > ttl {
		return nil, false
	}
	if maxBytes >= 0 && st.Size() < maxBytes {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	if maxBytes >= 0 && int64(len(data)) > maxBytes {
		data = data[:maxBytes]
	}
	return data, true
}

func (f *Fetcher) fetchAndCache(ctx context.Context, product string, kind Kind, hash string, opts GetOptions, cachePath string) ([]byte, error) {
	cdn, err := f.pickCDN(ctx, product, opts.Region)
	if err != nil {
		return nil, err
	}

	name := hash
	if opts.IsIndexSuffix {
		name += ".index"
	}

	var lastErr error
	for _, host := range cdn.Hosts {
		url := fmt.Sprintf("http://%s/%s/%s/%s/%s/%s", host, cdn.Path, kind, hash[0:2], hash[2:4], name)
		start := time.Now()
		data, _, err := f.httpGet(ctx, url, 0, opts.MaxBytes)
		cascmetrics.ObserveFetchDuration(string(kind), time.Since(start).Seconds())
		if err != nil {
			klog.Warningf("cdncache: fetch %s failed, trying next host: %v", url, err)
			lastErr = err
			continue
		}
		// A prefix-only response is not cached: a later whole-object
		// Get would otherwise be served the prefix as the full file.
		if opts.MaxBytes < 0 || int64(len(data)) < opts.MaxBytes {
			if err := atomicWrite(cachePath, data); err != nil {
				return nil, err
			}
		}
		return data, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no CDN hosts available for %s/%s/%s", cascerr.ErrNetwork, product, kind, hash)
	}
	return nil, lastErr
}

// GetRange performs a byte-range fetch of exactly [off, off+length) of
// hash against product's CDN host list, bypassing the on-disk
// whole-object cache entirely. It's meant for archive reads, where
// downloading (and caching) the whole archive just to serve one small
// entry would be wasteful; callers front it with their own bounded
// in-memory cache (see resolver.CDNResolver's archive range cache).
func (f *Fetcher) GetRange(ctx context.Context, product string, kind Kind, hash, region string, off, length int64) ([]byte, error) {
	if length <= 0 {
		return nil, fmt.Errorf("%w: GetRange requires length > 0, got %d", cascerr.ErrInvalidConfig, length)
	}
	cdn, err := f.pickCDN(ctx, product, region)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, host := range cdn.Hosts {
		url := fmt.Sprintf("http://%s/%s/%s/%s/%s/%s", host, cdn.Path, kind, hash[0:2], hash[2:4], hash)
		start := time.Now()
		data, _, err := f.httpGet(ctx, url, off, length)
		cascmetrics.ObserveFetchDuration(string(kind), time.Since(start).Seconds())
		if err != nil {
			klog.Warningf("cdncache: ranged fetch %s [%d:%d) failed, trying next host: %v", url, off, off+length, err)
			lastErr = err
			continue
		}
		return data, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no CDN hosts available for %s/%s/%s", cascerr.ErrNetwork, product, kind, hash)
	}
	return nil, lastErr
}

// httpGet performs a GET ranged to [off, off+length), returning the
// body, a flag noting whether the server returned fewer bytes than
// requested, and an error. off == 0 and length < 0 requests the whole
// object with no Range header at all. On context deadline exceeded,
// the error wraps cascerr.ErrNetworkTimeout per spec.md §5.
func (f *Fetcher) httpGet(ctx context.Context, url string, off, length int64) ([]byte, bool, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", cascerr.ErrNetwork, err)
	}
	switch {
	case length >= 0:
		req.Header.Set("Range", "bytes="+strconv.FormatInt(off, 10)+"-"+strconv.FormatInt(off+length-1, 10))
	case off > 0:
		req.Header.Set("Range", "bytes="+strconv.FormatInt(off, 10)+"-")
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, false, fmt.Errorf("%w: %v", cascerr.ErrNetworkTimeout, err)
		}
		return nil, false, fmt.Errorf("%w: %v", cascerr.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, false, cascerr.NewHTTPStatusError(url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return body, true, fmt.Errorf("%w: %v", cascerr.ErrNetworkTimeout, err)
		}
		return nil, false, fmt.Errorf("%w: %v", cascerr.ErrNetwork, err)
	}

	truncated := length >= 0 && int64(len(body)) < length
	return body, truncated, nil
}

// atomicWrite writes data to path via a sibling temp file (named with
// a random uuid so concurrent writers never collide) followed by an
// atomic rename, matching the shared on-disk cache's write discipline.
func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cdncache: creating cache dir: %w", err)
	}
	tmp := filepath.Join(filepath.Dir(path), "."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("cdncache: writing temp cache file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cdncache: renaming temp cache file: %w", err)
	}
	return nil
}

// Close stops the background discovery-cache eviction goroutine.
func (f *Fetcher) Close() {
	f.discovery.Stop()
}

// ReportDiskCacheBytes walks product's cache subtree and publishes its
// total size to cascmetrics.DiskCacheBytes. Callers poll this
// periodically; it isn't cheap enough to run on every Get.
func (f *Fetcher) ReportDiskCacheBytes(product string) error {
	var total int64
	root := filepath.Join(f.cacheDir, product)
	err := filepath.WalkDir(root, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return fmt.Errorf("cdncache: walking cache dir: %w", err)
	}
	cascmetrics.SetDiskCacheBytes(product, total)
	return nil
}
