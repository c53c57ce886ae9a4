// Package modelcache keeps model artifacts fetched over HTTP in a durable store keyed by URL,
// so each artifact crosses the network at most once per store.
package modelcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/knights-analytics/sdturbo/util/fileutil"
)

const (
	indexSuffix   = ".json"
	partialPrefix = "partial-"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sdturbo",
			Subsystem: "model_cache",
			Name:      "requests_total",
			Help:      "Artifact requests by where the bytes came from",
		},
		[]string{"source"},
	)
	bytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sdturbo",
			Subsystem: "model_cache",
			Name:      "bytes_total",
			Help:      "Artifact bytes served by source",
		},
		[]string{"source"},
	)
	storeFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sdturbo",
			Subsystem: "model_cache",
			Name:      "store_failures_total",
			Help:      "Durable store failures that fell back to the network",
		},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, bytesTotal, storeFailuresTotal)
}

// CacheError is a failure of the durable store. It never reaches callers of Fetch
// on its own: the bytes are fetched from the network instead.
type CacheError struct {
	Op  string
	URL string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("model cache %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *CacheError) Unwrap() error {
	return e.Err
}

// Entry is the index record stored next to each cached artifact.
type Entry struct {
	Key      string    `json:"key"`
	URL      string    `json:"url"`
	Size     int64     `json:"size"`
	StoredAt time.Time `json:"storedAt"`
}

// Cache is a URL-keyed store of artifact bytes under <dir>/<namespace>.
// Entries never expire.
type Cache struct {
	dir       string
	namespace string
	fetcher   Fetcher
}

// New returns a cache rooted at dir. A nil fetcher uses NewHTTPFetcher.
func New(dir, namespace string, fetcher Fetcher) *Cache {
	if fetcher == nil {
		fetcher = NewHTTPFetcher()
	}
	return &Cache{dir: dir, namespace: namespace, fetcher: fetcher}
}

func (c *Cache) Namespace() string {
	return c.namespace
}

// Root is the folder holding the namespace's artifacts.
func (c *Cache) Root() string {
	return fileutil.PathJoinSafe(c.dir, c.namespace)
}

// Key is the store key for a URL: the hex SHA-256 of the exact URL string.
func Key(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// ResolveURL joins a base URL and a relative artifact path with exactly one slash.
func ResolveURL(baseURL, relativePath string) string {
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(relativePath, "/")
}

func (c *Cache) blobPath(url string) string {
	return fileutil.PathJoinSafe(c.Root(), Key(url))
}

// partialPath is where path is written before being moved into place.
func (c *Cache) partialPath(path string) string {
	return fileutil.PathJoinSafe(c.Root(), partialPrefix+filepath.Base(path))
}

// FetchModel returns the bytes of baseURL/relativePath.
func (c *Cache) FetchModel(ctx context.Context, baseURL, relativePath string) ([]byte, error) {
	return c.Fetch(ctx, ResolveURL(baseURL, relativePath))
}

// Fetch returns the stored bytes for url, or fetches, stores and returns them.
// When the store fails the bytes are fetched from the network without caching.
func (c *Cache) Fetch(ctx context.Context, url string) ([]byte, error) {
	data, hit, err := c.lookup(ctx, url)
	if err != nil {
		return c.bypass(ctx, url, err)
	}
	if hit {
		log.Debug().Str("url", url).Int("bytes", len(data)).Msg("model cache hit")
		requestsTotal.WithLabelValues("store").Inc()
		bytesTotal.WithLabelValues("store").Add(float64(len(data)))
		return data, nil
	}

	start := time.Now()
	data, err = c.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	log.Info().Str("url", url).Int("bytes", len(data)).Dur("duration", time.Since(start)).Msg("downloaded model artifact")
	requestsTotal.WithLabelValues("network").Inc()
	bytesTotal.WithLabelValues("network").Add(float64(len(data)))

	if err = c.store(ctx, url, data); err != nil {
		storeFailuresTotal.Inc()
		log.Warn().Err(err).Msg("artifact not cached")
	}
	return data, nil
}

func (c *Cache) bypass(ctx context.Context, url string, cacheErr error) ([]byte, error) {
	storeFailuresTotal.Inc()
	log.Warn().Err(cacheErr).Msg("model cache unavailable, fetching directly")
	data, err := c.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, errors.Join(cacheErr, fmt.Errorf("fetching %s: %w", url, err))
	}
	requestsTotal.WithLabelValues("bypass").Inc()
	bytesTotal.WithLabelValues("bypass").Add(float64(len(data)))
	return data, nil
}

// lookup returns the stored bytes for url. A blob counts only when its index entry
// exists and records the blob's length; anything else is a miss.
func (c *Cache) lookup(ctx context.Context, url string) ([]byte, bool, error) {
	if err := fileutil.CreateDir(ctx, c.Root()); err != nil {
		return nil, false, &CacheError{Op: "open", URL: url, Err: err}
	}
	entry, ok, err := c.entry(ctx, url)
	if err != nil || !ok {
		return nil, false, err
	}
	path := c.blobPath(url)
	exists, err := fileutil.FileExists(ctx, path)
	if err != nil {
		return nil, false, &CacheError{Op: "lookup", URL: url, Err: err}
	}
	if !exists {
		return nil, false, nil
	}
	data, err := fileutil.ReadFileBytes(ctx, path)
	if err != nil {
		return nil, false, &CacheError{Op: "read", URL: url, Err: err}
	}
	if int64(len(data)) != entry.Size {
		log.Warn().Str("url", url).Int64("expected", entry.Size).Int("actual", len(data)).Msg("discarding incomplete cached artifact")
		return nil, false, nil
	}
	return data, true, nil
}

// entry reads the index record of url. A missing or unreadable record is reported as absent.
func (c *Cache) entry(ctx context.Context, url string) (Entry, bool, error) {
	var entry Entry
	path := c.blobPath(url) + indexSuffix
	exists, err := fileutil.FileExists(ctx, path)
	if err != nil {
		return entry, false, &CacheError{Op: "lookup", URL: url, Err: err}
	}
	if !exists {
		return entry, false, nil
	}
	raw, err := fileutil.ReadFileBytes(ctx, path)
	if err != nil {
		return entry, false, &CacheError{Op: "read", URL: url, Err: err}
	}
	if err = jsoniter.Unmarshal(raw, &entry); err != nil || entry.URL != url {
		log.Warn().Str("url", url).Err(err).Msg("ignoring corrupt model cache index")
		return entry, false, nil
	}
	return entry, true, nil
}

// store writes the blob, then its index. Each file is written under a partial name and
// moved into place, so a failed write never leaves a blob that looks complete.
func (c *Cache) store(ctx context.Context, url string, data []byte) (err error) {
	path := c.blobPath(url)
	c.discard(ctx, path)
	defer func() {
		if err != nil {
			c.discard(ctx, path)
		}
	}()
	if err = c.writeAtomic(ctx, path, data, "application/octet-stream"); err != nil {
		return &CacheError{Op: "write", URL: url, Err: err}
	}
	entry := Entry{Key: Key(url), URL: url, Size: int64(len(data)), StoredAt: time.Now().UTC()}
	index, err := jsoniter.Marshal(entry)
	if err != nil {
		return &CacheError{Op: "index", URL: url, Err: err}
	}
	if err = c.writeAtomic(ctx, path+indexSuffix, index, "application/json"); err != nil {
		return &CacheError{Op: "index", URL: url, Err: err}
	}
	return nil
}

func (c *Cache) writeAtomic(ctx context.Context, path string, data []byte, contentType string) error {
	partial := c.partialPath(path)
	if err := fileutil.WriteFileBytes(ctx, partial, data, contentType); err != nil {
		return err
	}
	return fileutil.MoveFile(ctx, partial, path)
}

// discard removes the blob, the index and any partial copies of them.
func (c *Cache) discard(ctx context.Context, path string) {
	for _, name := range []string{path + indexSuffix, path, c.partialPath(path + indexSuffix), c.partialPath(path)} {
		exists, err := fileutil.FileExists(ctx, name)
		if err == nil && exists {
			err = fileutil.DeleteFile(ctx, name)
		}
		if err != nil {
			log.Debug().Str("path", name).Err(err).Msg("cannot remove cached file")
		}
	}
}

// Contains reports whether a complete copy of url is stored. Store errors report false.
func (c *Cache) Contains(ctx context.Context, url string) bool {
	entry, ok, err := c.entry(ctx, url)
	if err != nil {
		log.Debug().Str("url", url).Err(err).Msg("model cache lookup failed")
		return false
	}
	if !ok {
		return false
	}
	info, err := fileutil.FileStats(c.blobPath(url))
	if err != nil {
		return false
	}
	return info.Size() == entry.Size
}

// Entries lists the index records of the namespace, ordered by URL.
func (c *Cache) Entries(ctx context.Context) ([]Entry, error) {
	exists, err := fileutil.FileExists(ctx, c.Root())
	if err != nil || !exists {
		return nil, err
	}
	objects, err := fileutil.ListFiles(ctx, c.Root())
	if err != nil {
		return nil, &CacheError{Op: "list", URL: c.Root(), Err: err}
	}
	var entries []Entry
	for _, object := range objects {
		if !strings.HasSuffix(object.Name(), indexSuffix) || strings.HasPrefix(object.Name(), partialPrefix) {
			continue
		}
		raw, readErr := fileutil.ReadFileBytes(ctx, object.URL())
		if readErr != nil {
			return nil, &CacheError{Op: "read", URL: object.URL(), Err: readErr}
		}
		var entry Entry
		if err = jsoniter.Unmarshal(raw, &entry); err != nil {
			return nil, &CacheError{Op: "index", URL: object.URL(), Err: err}
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].URL < entries[j].URL })
	return entries, nil
}

// Purge deletes every artifact of the namespace.
func (c *Cache) Purge(ctx context.Context) error {
	exists, err := fileutil.FileExists(ctx, c.Root())
	if err != nil || !exists {
		return err
	}
	if err = fileutil.DeleteFile(ctx, c.Root()); err != nil {
		return &CacheError{Op: "purge", URL: c.Root(), Err: err}
	}
	log.Info().Str("namespace", c.namespace).Msg("model cache purged")
	return nil
}
