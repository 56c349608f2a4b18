// Package engine drives range requests through their serving flow: parse
// and widen the requested interval, try the segment cache, then fetch
// from the origin or a learned CDN location and stream the owed bytes
// while caching aligned segments on the side.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"

	"davstream/internal/cache"
	"davstream/internal/domain"
	"davstream/internal/stats"
	"davstream/internal/upstream"
)

const fallbackContentType = "video/mp4"

// Config carries the engine's collaborators. Nil cache fields default to
// fresh instances, which keeps tests short.
type Config struct {
	Origin    *upstream.Client
	Metadata  *cache.MetadataCache
	Redirects *cache.RedirectCache
	Segments  *cache.SegmentCache
	Preloads  *cache.PreloadMarks
	Stats     *stats.Collector
	Logger    *slog.Logger
}

type Engine struct {
	origin    *upstream.Client
	metadata  *cache.MetadataCache
	redirects *cache.RedirectCache
	segments  *cache.SegmentCache
	preloads  *cache.PreloadMarks
	stats     *stats.Collector
	logger    *slog.Logger

	headGroup  singleflight.Group
	preloadSem chan struct{}
}

func New(cfg Config) *Engine {
	e := &Engine{
		origin:    cfg.Origin,
		metadata:  cfg.Metadata,
		redirects: cfg.Redirects,
		segments:  cfg.Segments,
		preloads:  cfg.Preloads,
		stats:     cfg.Stats,
		logger:    cfg.Logger,
	}
	if e.origin == nil {
		e.origin = upstream.NewClient()
	}
	if e.metadata == nil {
		e.metadata = cache.NewMetadataCache(cache.DefaultMetadataTTL)
	}
	if e.redirects == nil {
		e.redirects = cache.NewRedirectCache(cache.DefaultRedirectTTL)
	}
	if e.segments == nil {
		e.segments = cache.NewSegmentCache()
	}
	if e.preloads == nil {
		e.preloads = cache.NewPreloadMarks(cache.DefaultPreloadTTL)
	}
	if e.stats == nil {
		e.stats = stats.NewCollector()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.preloadSem = make(chan struct{}, maxConcurrentPreloads)
	return e
}

// Metadata returns the origin file's metadata, served from the TTL cache
// when fresh. Concurrent misses for the same URL share one HEAD.
func (e *Engine) Metadata(ctx context.Context, url string) (domain.Metadata, error) {
	if meta, ok := e.metadata.Get(url); ok {
		return meta, nil
	}
	v, err, _ := e.headGroup.Do(url, func() (any, error) {
		if meta, ok := e.metadata.Get(url); ok {
			return meta, nil
		}
		meta, err := e.origin.Head(ctx, url)
		if err != nil {
			return nil, err
		}
		e.metadata.Put(url, meta)
		return meta, nil
	})
	if err != nil {
		return domain.Metadata{}, err
	}
	return v.(domain.Metadata), nil
}

// ServeRange answers a Range request for url on w. A non-nil error means
// no response has been started and the caller still owes the client one;
// failures after the status line goes out are logged here and reported as
// nil because nothing useful can be sent anymore.
func (e *Engine) ServeRange(ctx context.Context, w http.ResponseWriter, url, rangeHeader string) error {
	job := &rangeJob{
		eng:      e,
		ctx:      ctx,
		w:        w,
		url:      url,
		rawRange: rangeHeader,
		state:    stateParsed,
	}
	err := job.run()
	if err == nil || job.headersSent {
		// Mid-stream failures were logged by the job; the response
		// cannot be amended once the status line is out.
		return nil
	}
	return err
}

// contentTypeFor picks the response content type: upstream header first,
// then cached metadata, then the video fallback.
func contentTypeFor(upstreamType string, meta domain.Metadata) string {
	if t := strings.TrimSpace(upstreamType); t != "" && t != "application/octet-stream" {
		return t
	}
	if meta.ContentType != "" && meta.ContentType != "application/octet-stream" {
		return meta.ContentType
	}
	return fallbackContentType
}

// parseContentRangeStart extracts the first byte offset from a
// Content-Range header such as "bytes 100-199/1000".
func parseContentRangeStart(v string) (int64, bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes ") {
		return 0, false
	}
	v = strings.TrimPrefix(v, "bytes ")
	dash := strings.IndexByte(v, '-')
	if dash <= 0 {
		return 0, false
	}
	start, err := strconv.ParseInt(v[:dash], 10, 64)
	if err != nil || start < 0 {
		return 0, false
	}
	return start, true
}

func rangeHeaderFor(start, end int64) string {
	return fmt.Sprintf("bytes=%d-%d", start, end)
}
