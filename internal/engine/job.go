package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"davstream/internal/cache"
	"davstream/internal/domain"
	"davstream/internal/metrics"
	"davstream/internal/stats"
	"davstream/internal/upstream"
)

const streamChunkSize = 64 << 10

// rangeJob is the per-request state machine. It lives for one ServeRange
// call and is driven by run on the caller's goroutine.
type rangeJob struct {
	eng      *Engine
	ctx      context.Context
	w        http.ResponseWriter
	url      string
	rawRange string

	state streamState
	rng   domain.ByteRange
	meta  domain.Metadata

	cached       []byte
	fetchStart   int64
	fetchEnd     int64
	alignedFetch bool
	fetchURL     string
	resp         *upstream.Response
	bodyStart    int64
	got206       bool
	source       string
	retried      bool

	headersSent bool
	sent        int64
}

func (j *rangeJob) run() error {
	defer j.closeBody()
	for {
		// A cancel that lands after the owed bytes went out is still a
		// completed serve.
		if j.state == stateDone {
			return nil
		}
		if err := j.ctx.Err(); err != nil {
			return j.fail(fmt.Errorf("%w: %v", domain.ErrClientAborted, err))
		}
		switch j.state {
		case stateParsed:
			if err := j.doParse(); err != nil {
				return j.fail(err)
			}
		case stateConsultingCache:
			if err := j.doConsultCache(); err != nil {
				return j.fail(err)
			}
		case stateFetchingOrigin:
			if err := j.doFetchOrigin(); err != nil {
				return j.fail(err)
			}
		case stateFollowingRedirect:
			if err := j.doFollowRedirect(); err != nil {
				return j.fail(err)
			}
		case stateFetchingCDN:
			if err := j.doFetchCDN(); err != nil {
				return j.fail(err)
			}
		case stateStreaming:
			if err := j.doStream(); err != nil {
				return j.fail(err)
			}
		default:
			return j.fail(fmt.Errorf("range job in impossible state %s", j.state))
		}
	}
}

func (j *rangeJob) transitionTo(s streamState) {
	from := j.state
	if from == s {
		return
	}
	j.state = s
	metrics.StateTransitionsTotal.WithLabelValues(from.String(), s.String()).Inc()
	j.eng.logger.Debug("range state transition",
		slog.String("url", j.url),
		slog.String("from", from.String()),
		slog.String("to", s.String()),
	)
}

func (j *rangeJob) fail(err error) error {
	from := j.state
	j.transitionTo(stateFailed)
	if errors.Is(err, domain.ErrClientAborted) {
		j.eng.logger.Debug("range request aborted",
			slog.String("url", j.url),
			slog.String("state", from.String()),
			slog.Int64("sent", j.sent),
		)
	} else {
		j.eng.logger.Error("range request failed",
			slog.String("url", j.url),
			slog.String("state", from.String()),
			slog.Int64("sent", j.sent),
			slog.String("error", err.Error()),
		)
	}
	return err
}

func (j *rangeJob) closeBody() {
	if j.resp != nil && j.resp.Body != nil {
		j.resp.Body.Close()
		j.resp = nil
	}
}

// doParse resolves the file size and parses the Range header against it.
func (j *rangeJob) doParse() error {
	meta, err := j.eng.Metadata(j.ctx, j.url)
	if err != nil {
		return err
	}
	if meta.ContentLength <= 0 {
		return fmt.Errorf("%w: size of %s is unknown", domain.ErrRangeUnsatisfiable, j.url)
	}
	rng, err := domain.ParseByteRange(j.rawRange, meta.ContentLength)
	if err != nil {
		if errors.Is(err, domain.ErrRangeUnsatisfiable) {
			// A 416 names the real size so the player can re-request.
			j.w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", meta.ContentLength))
		}
		return err
	}
	j.meta = meta
	j.rng = rng.Expand()
	j.eng.stats.CountRangeRequest()
	j.transitionTo(stateConsultingCache)
	return nil
}

// doConsultCache serves straight from memory when cached segments cover
// the owed interval, otherwise plans the upstream fetch. A remembered
// redirect short-circuits the origin.
func (j *rangeJob) doConsultCache() error {
	if data, ok := j.eng.segments.Assemble(j.url, j.rng.Start, j.rng.OriginalEnd); ok {
		j.cached = data
		j.source = "cache"
		j.transitionTo(stateStreaming)
		return nil
	}
	j.planFetch()
	if loc, ok := j.eng.redirects.Get(j.url); ok {
		j.fetchURL = loc
		j.transitionTo(stateFollowingRedirect)
		return nil
	}
	j.transitionTo(stateFetchingOrigin)
	return nil
}

// planFetch picks the outbound interval. Small requests swap the
// expanded interval for the segment windows covering the owed bytes, so
// the fetch is exactly cacheable; everything else fetches the expanded
// interval as-is.
func (j *rangeJob) planFetch() {
	j.fetchStart = j.rng.Start
	j.fetchEnd = j.rng.End
	seg := j.eng.segments.SegmentSize()
	if j.rng.ClientLen() < seg/2 {
		j.fetchStart = cache.AlignDown(j.rng.Start, seg)
		j.fetchEnd = alignUp(j.rng.OriginalEnd+1, seg) - 1
		if j.fetchEnd > j.rng.Total-1 {
			j.fetchEnd = j.rng.Total - 1
		}
		j.alignedFetch = true
	}
}

func (j *rangeJob) doFetchOrigin() error {
	resp, err := j.eng.origin.Get(j.ctx, j.url, upstream.GetOptions{
		RangeHeader: rangeHeaderFor(j.fetchStart, j.fetchEnd),
		Kind:        "origin",
	})
	if err != nil {
		if errors.Is(err, domain.ErrClientAborted) || j.retried {
			return err
		}
		// Some origins reset ranged GETs but answer plain ones, and the
		// plain answer can carry the redirect we need. One retry, never
		// more.
		j.retried = true
		metrics.UpstreamRetriesTotal.Inc()
		j.eng.logger.Warn("origin range fetch failed, retrying without range",
			slog.String("url", j.url),
			slog.String("error", err.Error()),
		)
		resp, err = j.eng.origin.Get(j.ctx, j.url, upstream.GetOptions{Kind: "origin"})
		if err != nil {
			return err
		}
	}
	return j.dispatch(resp, false)
}

// doFollowRedirect commits to the learned CDN location.
func (j *rangeJob) doFollowRedirect() error {
	j.eng.logger.Debug("following redirect",
		slog.String("url", j.url),
		slog.String("location", j.fetchURL),
	)
	j.transitionTo(stateFetchingCDN)
	return nil
}

func (j *rangeJob) doFetchCDN() error {
	resp, err := j.eng.origin.Get(j.ctx, j.fetchURL, upstream.GetOptions{
		RangeHeader: rangeHeaderFor(j.fetchStart, j.fetchEnd),
		Kind:        "cdn",
	})
	if err != nil {
		// The learned location went bad; the next request re-learns it.
		j.eng.redirects.Delete(j.url)
		return err
	}
	if err := j.dispatch(resp, true); err != nil {
		j.eng.redirects.Delete(j.url)
		return err
	}
	return nil
}

// dispatch routes an upstream response by status: 206 streams as-is, 200
// streams through the slice filter, a redirect is followed once, anything
// else is an upstream failure.
func (j *rangeJob) dispatch(resp *upstream.Response, viaCDN bool) error {
	switch {
	case resp.StatusCode == http.StatusPartialContent:
		bodyStart := j.fetchStart
		if start, ok := parseContentRangeStart(resp.Header.Get("Content-Range")); ok {
			bodyStart = start
		}
		if bodyStart > j.rng.Start {
			resp.Body.Close()
			return fmt.Errorf("%w: partial body starts at %d, need %d", domain.ErrUpstream, bodyStart, j.rng.Start)
		}
		j.resp = resp
		j.bodyStart = bodyStart
		j.got206 = true
		if viaCDN {
			j.source = "cdn"
		} else {
			j.source = "native"
		}
		j.transitionTo(stateStreaming)
		return nil

	case resp.StatusCode == http.StatusOK:
		j.resp = resp
		j.bodyStart = 0
		if viaCDN {
			j.source = "cdn"
		} else {
			j.source = "slice"
		}
		j.transitionTo(stateStreaming)
		return nil

	case resp.IsRedirect():
		loc := resp.Location()
		resp.Body.Close()
		if viaCDN {
			return fmt.Errorf("%w: cdn answered with another redirect", domain.ErrUpstream)
		}
		j.eng.redirects.Put(j.url, loc)
		j.fetchURL = loc
		j.transitionTo(stateFollowingRedirect)
		return nil

	default:
		code := resp.StatusCode
		resp.Body.Close()
		if code == http.StatusRequestedRangeNotSatisfiable {
			// The file likely changed size under us.
			j.eng.metadata.Delete(j.url)
		}
		return fmt.Errorf("%w: unexpected status %d", domain.ErrUpstream, code)
	}
}

func (j *rangeJob) doStream() error {
	if j.cached != nil {
		return j.streamFromCache()
	}
	return j.streamFromUpstream()
}

func (j *rangeJob) streamFromCache() error {
	ct, _ := j.eng.segments.ContentType(j.url)
	j.writeHeaders(contentTypeFor(ct, j.meta))
	out := &stats.CountingWriter{W: j.w, C: j.eng.stats}
	n, err := out.Write(j.cached)
	j.sent += int64(n)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrClientAborted, err)
	}
	j.finishServe()
	return nil
}

func (j *rangeJob) streamFromUpstream() error {
	resp := j.resp
	j.writeHeaders(contentTypeFor(resp.Header.Get("Content-Type"), j.meta))

	cacheType := strings.TrimSpace(resp.Header.Get("Content-Type"))
	if cacheType == "" {
		cacheType = j.meta.ContentType
	}
	collector := newSegmentCollector(j.eng.segments, j.url, cacheType, j.rng.Total, j.bodyStart, 0)
	filter := newSliceFilter(j.rng.Start, j.rng.OriginalEnd, j.bodyStart)
	out := &stats.CountingWriter{W: j.w, C: j.eng.stats}
	flusher, _ := j.w.(http.Flusher)

	buf := make([]byte, streamChunkSize)
	for {
		if err := j.ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrClientAborted, err)
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			collector.observe(chunk)
			emit, complete := filter.cut(chunk)
			if len(emit) > 0 {
				written, werr := out.Write(emit)
				j.sent += int64(written)
				if werr != nil {
					return fmt.Errorf("%w: %v", domain.ErrClientAborted, werr)
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
			if complete {
				j.drainAlignedTail(collector, filter.cursor)
				collector.finish()
				j.finishServe()
				return nil
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				if filter.done() {
					collector.finish()
					j.finishServe()
					return nil
				}
				return fmt.Errorf("%w: body ended %d bytes early", domain.ErrUpstream, j.rng.ClientLen()-filter.sent)
			}
			if errors.Is(readErr, domain.ErrUpstreamTimeout) || errors.Is(readErr, domain.ErrUpstream) {
				return readErr
			}
			if j.ctx.Err() != nil || errors.Is(readErr, context.Canceled) {
				return fmt.Errorf("%w: %v", domain.ErrClientAborted, readErr)
			}
			return fmt.Errorf("%w: %v", domain.ErrUpstream, readErr)
		}
	}
}

// drainAlignedTail finishes reading a segment-aligned partial body after
// the client already has its bytes, so the touched windows land in the
// cache whole. The leftover is bounded by the aligned fetch, at most the
// rest of the final window.
func (j *rangeJob) drainAlignedTail(collector *segmentCollector, cursor int64) {
	if !j.alignedFetch || !j.got206 {
		return
	}
	remaining := j.fetchEnd + 1 - cursor
	buf := make([]byte, streamChunkSize)
	for remaining > 0 {
		if j.ctx.Err() != nil {
			return
		}
		n, err := j.resp.Body.Read(buf)
		if n > 0 {
			if int64(n) > remaining {
				n = int(remaining)
			}
			collector.observe(buf[:n])
			remaining -= int64(n)
		}
		if err != nil {
			return
		}
	}
}

// writeHeaders advertises the interval owed to the client, which is the
// original request even when the upstream fetch was expanded.
func (j *rangeJob) writeHeaders(contentType string) {
	h := j.w.Header()
	h.Set("Content-Range", j.rng.ContentRange())
	h.Set("Content-Length", strconv.FormatInt(j.rng.ClientLen(), 10))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", contentType)
	j.w.WriteHeader(http.StatusPartialContent)
	j.headersSent = true
}

func (j *rangeJob) finishServe() {
	metrics.RangeServesTotal.WithLabelValues(j.source).Inc()
	metrics.RangeBytesServedTotal.Add(float64(j.sent))
	j.closeBody()
	j.eng.logger.Debug("range served",
		slog.String("url", j.url),
		slog.String("source", j.source),
		slog.String("range", j.rng.ContentRange()),
		slog.Int64("sent", j.sent),
	)
	j.transitionTo(stateDone)
}
