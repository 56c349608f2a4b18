package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"davstream/internal/cache"
	"davstream/internal/domain"
	"davstream/internal/metrics"
	"davstream/internal/upstream"
)

const maxConcurrentPreloads = 4

// PreloadResult is the preload endpoint's answer.
type PreloadResult struct {
	Status string `json:"status"`
	Range  string `json:"range"`
	Size   int64  `json:"size"`
}

// Preload makes sure [start, start+size) of url is resident in the
// segment cache, fetching it if needed. Already-covered or recently
// preloaded windows report "cached" without upstream traffic. At most
// maxConcurrentPreloads fetches run at once.
func (e *Engine) Preload(ctx context.Context, url string, start, size int64) (PreloadResult, error) {
	if start < 0 {
		start = 0
	}
	if size <= 0 {
		size = e.segments.SegmentSize()
	}

	meta, err := e.Metadata(ctx, url)
	if err != nil {
		return PreloadResult{}, err
	}
	total := meta.ContentLength
	if total <= 0 || start >= total {
		return PreloadResult{}, fmt.Errorf("%w: preload start %d beyond size %d", domain.ErrRangeUnsatisfiable, start, total)
	}
	end := start + size - 1
	if end > total-1 {
		end = total - 1
	}
	result := PreloadResult{
		Range: fmt.Sprintf("%d-%d", start, end),
		Size:  end - start + 1,
	}

	if e.segments.Covered(url, start, end) || e.preloads.Marked(url, start, end) {
		metrics.PreloadRequestsTotal.WithLabelValues("cached").Inc()
		result.Status = "cached"
		return result, nil
	}

	select {
	case e.preloadSem <- struct{}{}:
		defer func() { <-e.preloadSem }()
	case <-ctx.Done():
		return PreloadResult{}, fmt.Errorf("%w: %v", domain.ErrClientAborted, ctx.Err())
	}

	if err := e.fetchIntoCache(ctx, url, start, end, meta); err != nil {
		metrics.PreloadRequestsTotal.WithLabelValues("error").Inc()
		return PreloadResult{}, err
	}
	e.preloads.Mark(url, start, end)
	metrics.PreloadRequestsTotal.WithLabelValues("preloaded").Inc()
	result.Status = "preloaded"
	return result, nil
}

// fetchIntoCache reads the aligned windows around [start, end] from
// upstream and lets the segment collector store them. Nothing is written
// to any client.
func (e *Engine) fetchIntoCache(ctx context.Context, url string, start, end int64, meta domain.Metadata) error {
	seg := e.segments.SegmentSize()
	fetchStart := cache.AlignDown(start, seg)
	fetchEnd := alignUp(end+1, seg) - 1
	if fetchEnd > meta.ContentLength-1 {
		fetchEnd = meta.ContentLength - 1
	}

	target, kind := url, "origin"
	if loc, ok := e.redirects.Get(url); ok {
		target, kind = loc, "cdn"
	}
	resp, err := e.origin.Get(ctx, target, upstream.GetOptions{
		RangeHeader: rangeHeaderFor(fetchStart, fetchEnd),
		Kind:        kind,
	})
	if err != nil {
		if kind == "cdn" {
			e.redirects.Delete(url)
		}
		return err
	}
	if resp.IsRedirect() {
		loc := resp.Location()
		resp.Body.Close()
		if kind == "cdn" {
			e.redirects.Delete(url)
			return fmt.Errorf("%w: cdn answered with another redirect", domain.ErrUpstream)
		}
		e.redirects.Put(url, loc)
		resp, err = e.origin.Get(ctx, loc, upstream.GetOptions{
			RangeHeader: rangeHeaderFor(fetchStart, fetchEnd),
			Kind:        "cdn",
		})
		if err != nil {
			e.redirects.Delete(url)
			return err
		}
		kind = "cdn"
	}

	bodyStart := fetchStart
	switch resp.StatusCode {
	case http.StatusPartialContent:
		if s, ok := parseContentRangeStart(resp.Header.Get("Content-Range")); ok {
			bodyStart = s
		}
	case http.StatusOK:
		bodyStart = 0
	default:
		code := resp.StatusCode
		resp.Body.Close()
		if kind == "cdn" {
			e.redirects.Delete(url)
		}
		return fmt.Errorf("%w: unexpected status %d", domain.ErrUpstream, code)
	}
	defer resp.Body.Close()

	contentType := strings.TrimSpace(resp.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = meta.ContentType
	}
	collector := newSegmentCollector(e.segments, url, contentType, meta.ContentLength, bodyStart, fetchStart)

	buf := make([]byte, streamChunkSize)
	cursor := bodyStart
	for cursor <= fetchEnd {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrClientAborted, err)
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			collector.observe(buf[:n])
			cursor += int64(n)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				if cursor <= fetchEnd {
					return fmt.Errorf("%w: preload body ended %d bytes early", domain.ErrUpstream, fetchEnd-cursor+1)
				}
				break
			}
			if errors.Is(readErr, domain.ErrUpstreamTimeout) || errors.Is(readErr, domain.ErrUpstream) {
				return readErr
			}
			return fmt.Errorf("%w: %v", domain.ErrUpstream, readErr)
		}
	}
	collector.finish()
	return nil
}
