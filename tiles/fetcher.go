package tiles

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/karlseguin/ccache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Request is a single tile GET.
type Request struct {
	URL       string
	UserAgent string
	// CacheExpiry bounds the age of cached copies. Zero bypasses the cache.
	CacheExpiry time.Duration
}

// Response is a tile body together with how it was obtained.
type Response struct {
	Body        []byte
	StatusCode  int
	ContentType string
	FromCache   bool
}

// StatusError is returned for non-200 replies.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tile HTTP %d for %s", e.Code, e.URL)
}

type FetcherOptions struct {
	// CacheDir enables the on-disk cache when set.
	CacheDir string
	// MemoryTiles is the capacity of the in-memory cache. Default: 1000
	MemoryTiles int
	// RPS paces outgoing requests. Zero means unlimited.
	RPS   float64
	Burst int
	// Timeout for a single request. Default: 30s
	Timeout time.Duration
	Logger  *zap.Logger
}

// Fetcher issues tile GETs through a memory cache, an optional disk cache and
// a rate limiter. It does not retry.
type Fetcher struct {
	Client  *http.Client
	Limiter *rate.Limiter

	cacheDir string
	memory   *ccache.Cache[cachedTile]
	group    singleflight.Group
	log      *zap.Logger
}

type cachedTile struct {
	body        []byte
	contentType string
}

func NewFetcher(opts FetcherOptions) (*Fetcher, error) {
	if opts.CacheDir != "" {
		if err := os.MkdirAll(opts.CacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	if opts.MemoryTiles <= 0 {
		opts.MemoryTiles = 1000
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Fetcher{
		Client:   &http.Client{Timeout: opts.Timeout},
		Limiter:  rate.NewLimiter(limit, opts.Burst),
		cacheDir: opts.CacheDir,
		memory:   ccache.New(ccache.Configure[cachedTile]().MaxSize(int64(opts.MemoryTiles))),
		log:      opts.Logger,
	}, nil
}

// Close stops the memory cache's background worker.
func (f *Fetcher) Close() {
	f.memory.Stop()
}

// Fetch returns the tile at req.URL. Concurrent calls for the same URL share
// one network request.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (Response, error) {
	if req.CacheExpiry > 0 {
		if t, ok := f.lookup(req.URL, req.CacheExpiry); ok {
			return Response{Body: t.body, StatusCode: http.StatusOK, ContentType: t.contentType, FromCache: true}, nil
		}
	}

	// The shared download outlives any one caller; Client.Timeout bounds it.
	ch := f.group.DoChan(req.URL, func() (any, error) {
		return f.download(context.WithoutCancel(ctx), req)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Response{}, res.Err
		}
		if res.Shared {
			f.log.Debug("shared tile request", zap.String("url", req.URL))
		}
		return res.Val.(Response), nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (f *Fetcher) lookup(u string, expiry time.Duration) (cachedTile, bool) {
	if item := f.memory.Get(u); item != nil && !item.Expired() {
		return item.Value(), true
	}
	if f.cacheDir == "" {
		return cachedTile{}, false
	}
	cp := f.cachePath(u)
	st, err := os.Stat(cp)
	if err != nil {
		return cachedTile{}, false
	}
	age := time.Since(st.ModTime())
	if age >= expiry {
		return cachedTile{}, false
	}
	b, ct, err := f.readFromCache(cp)
	if err != nil {
		return cachedTile{}, false
	}
	t := cachedTile{body: b, contentType: ct}
	f.memory.Set(u, t, expiry-age)
	return t, true
}

func (f *Fetcher) download(ctx context.Context, req Request) (Response, error) {
	if err := f.Limiter.Wait(ctx); err != nil {
		return Response{}, err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return Response{}, err
	}
	if req.UserAgent != "" {
		hreq.Header.Set("User-Agent", req.UserAgent)
	}

	resp, err := f.Client.Do(hreq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Response{StatusCode: resp.StatusCode}, &StatusError{URL: req.URL, Code: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read tile %s: %w", req.URL, err)
	}
	ct := resp.Header.Get("Content-Type")

	if req.CacheExpiry > 0 {
		f.memory.Set(req.URL, cachedTile{body: body, contentType: ct}, req.CacheExpiry)
		if f.cacheDir != "" {
			if err := f.writeToCache(f.cachePath(req.URL), body, ct); err != nil {
				f.log.Warn("tile cache write failed", zap.String("url", req.URL), zap.Error(err))
			}
		}
	}
	return Response{Body: body, StatusCode: resp.StatusCode, ContentType: ct}, nil
}

func (f *Fetcher) cachePath(u string) string {
	sum := sha1.Sum([]byte(u))
	hexid := hex.EncodeToString(sum[:])
	ext := ".tile"
	if i := strings.IndexByte(u, '?'); i >= 0 {
		u = u[:i]
	}
	if j := strings.LastIndexByte(u, '.'); j >= 0 && j > len(u)-6 && !strings.Contains(u[j:], "/") {
		ext = u[j:]
	}
	return filepath.Join(f.cacheDir, hexid[:2], hexid[2:4], hexid+ext)
}

func (f *Fetcher) readFromCache(cp string) ([]byte, string, error) {
	b, err := os.ReadFile(cp)
	if err != nil {
		return nil, "", err
	}
	ct := ""
	if ctb, err := os.ReadFile(cp + ".ct"); err == nil {
		ct = string(ctb)
	}
	return b, ct, nil
}

func (f *Fetcher) writeToCache(cp string, body []byte, ct string) error {
	if err := os.MkdirAll(filepath.Dir(cp), 0o755); err != nil {
		return err
	}
	tmp := cp + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return err
	}
	if ct != "" {
		_ = os.WriteFile(cp+".ct", []byte(ct), 0o644)
	}
	if err := os.Rename(tmp, cp); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
