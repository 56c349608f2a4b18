package engine

import "davstream/internal/cache"

// segmentCollector is the side output of a streaming body: it watches the
// bytes flowing past and stores every complete aligned segment window in
// the segment cache. Bytes before the first boundary in the stream are
// skipped; a short tail is stored only when it reaches end of file. A
// stream cut off mid-window contributes nothing for that window.
type segmentCollector struct {
	cache       *cache.SegmentCache
	url         string
	contentType string
	total       int64
	segSize     int64

	cursor   int64 // absolute offset of the next byte observe will see
	from     int64 // ignore bytes before this offset
	segStart int64
	buf      []byte
}

func newSegmentCollector(c *cache.SegmentCache, url, contentType string, total, bodyStart, from int64) *segmentCollector {
	return &segmentCollector{
		cache:       c,
		url:         url,
		contentType: contentType,
		total:       total,
		segSize:     c.SegmentSize(),
		cursor:      bodyStart,
		from:        from,
	}
}

// observe consumes the next chunk of the body. Chunks must arrive in
// stream order with no gaps.
func (sc *segmentCollector) observe(chunk []byte) {
	if sc == nil {
		return
	}
	abs := sc.cursor
	sc.cursor += int64(len(chunk))
	for len(chunk) > 0 {
		if sc.buf == nil {
			boundary := alignUp(abs, sc.segSize)
			if boundary < sc.from {
				boundary = alignUp(sc.from, sc.segSize)
			}
			if boundary >= abs+int64(len(chunk)) {
				return
			}
			chunk = chunk[boundary-abs:]
			abs = boundary
			sc.segStart = boundary
			sc.buf = make([]byte, 0, sc.segSize)
		}
		take := sc.segSize - int64(len(sc.buf))
		if take > int64(len(chunk)) {
			take = int64(len(chunk))
		}
		sc.buf = append(sc.buf, chunk[:take]...)
		chunk = chunk[take:]
		abs += take
		if int64(len(sc.buf)) == sc.segSize {
			sc.cache.Put(sc.url, sc.segStart, sc.buf, sc.contentType, sc.total)
			sc.buf = nil
		}
	}
}

// finish is called when the body ended without error. A partial window is
// kept only when it is the file's final segment; callers skip finish on
// error or cancellation so that truncated windows are discarded.
func (sc *segmentCollector) finish() {
	if sc == nil || sc.buf == nil {
		return
	}
	if sc.segStart+int64(len(sc.buf)) == sc.total {
		sc.cache.Put(sc.url, sc.segStart, sc.buf, sc.contentType, sc.total)
	}
	sc.buf = nil
}

// alignUp rounds off up to the next multiple of segSize. Aligned offsets
// are returned unchanged.
func alignUp(off, segSize int64) int64 {
	return cache.AlignDown(off+segSize-1, segSize)
}
