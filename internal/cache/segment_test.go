package cache

import (
	"bytes"
	"testing"
)

const testSeg int64 = 1 << 20

func newTestCache(maxBytes int64) *SegmentCache {
	return NewSegmentCache(WithSegmentSize(testSeg), WithMaxBytes(maxBytes))
}

func segPayload(b byte, size int64) []byte {
	return bytes.Repeat([]byte{b}, int(size))
}

func TestAlignDown(t *testing.T) {
	cases := []struct {
		off  int64
		want int64
	}{
		{0, 0},
		{1, 0},
		{testSeg - 1, 0},
		{testSeg, testSeg},
		{testSeg + 1, testSeg},
		{5 * testSeg, 5 * testSeg},
	}
	for _, tc := range cases {
		if got := AlignDown(tc.off, testSeg); got != tc.want {
			t.Fatalf("AlignDown(%d) = %d, want %d", tc.off, got, tc.want)
		}
	}
}

func TestSegmentPutGet(t *testing.T) {
	c := newTestCache(10 * testSeg)
	const total = 100 * testSeg

	if !c.Put("u", 0, segPayload('a', testSeg), "video/mp4", total) {
		t.Fatal("Put rejected a full aligned segment")
	}

	seg, ok := c.Get("u", testSeg/2)
	if !ok {
		t.Fatal("Get missed inside the cached segment")
	}
	if seg.Start != 0 || int64(len(seg.Data)) != testSeg {
		t.Fatalf("Get returned start=%d len=%d", seg.Start, len(seg.Data))
	}
	if !c.Has("u", 0) || c.Has("u", testSeg) {
		t.Fatal("Has probes wrong")
	}
	if ct, ok := c.ContentType("u"); !ok || ct != "video/mp4" {
		t.Fatalf("ContentType = %q, %v", ct, ok)
	}
}

func TestSegmentPutRejectsInvalid(t *testing.T) {
	c := newTestCache(10 * testSeg)
	const total = 100 * testSeg

	if c.Put("u", 5, segPayload('a', testSeg), "", total) {
		t.Fatal("unaligned start accepted")
	}
	if c.Put("u", 0, nil, "", total) {
		t.Fatal("empty payload accepted")
	}
	if c.Put("u", 0, segPayload('a', testSeg+1), "", total) {
		t.Fatal("oversized payload accepted")
	}
	// Short segment not at EOF.
	if c.Put("u", 0, segPayload('a', 100), "", total) {
		t.Fatal("short mid-file segment accepted")
	}
	// Short segment at EOF is the one legal case.
	tail := 3*testSeg + 100
	if !c.Put("u", 3*testSeg, segPayload('z', 100), "", tail) {
		t.Fatal("short final segment rejected")
	}
}

func TestSegmentFirstWriterWins(t *testing.T) {
	c := newTestCache(10 * testSeg)
	const total = 100 * testSeg

	if !c.Put("u", 0, segPayload('a', testSeg), "", total) {
		t.Fatal("first Put failed")
	}
	if c.Put("u", 0, segPayload('b', testSeg), "", total) {
		t.Fatal("second Put for the same slot must be a no-op")
	}

	seg, _ := c.Get("u", 0)
	if seg.Data[0] != 'a' {
		t.Fatal("second writer overwrote the first")
	}
	if got := c.Stats().Bytes; got != testSeg {
		t.Fatalf("Bytes = %d, want %d", got, testSeg)
	}
}

func TestSegmentEvictionDrainsToTarget(t *testing.T) {
	// Budget of 10 segments; overflow must drain to 70%.
	c := newTestCache(10 * testSeg)
	const total = 1000 * testSeg

	for i := int64(0); i < 10; i++ {
		if !c.Put("u", i*testSeg, segPayload(byte('a'+i), testSeg), "", total) {
			t.Fatalf("Put %d failed", i)
		}
	}
	if got := c.Stats().Bytes; got != 10*testSeg {
		t.Fatalf("pre-eviction Bytes = %d", got)
	}

	// The 11th insert overflows and triggers the drain.
	if !c.Put("u", 10*testSeg, segPayload('k', testSeg), "", total) {
		t.Fatal("overflow Put failed")
	}

	stats := c.Stats()
	if stats.Bytes > 8*testSeg {
		t.Fatalf("post-eviction Bytes = %d, want <= %d", stats.Bytes, 8*testSeg)
	}
	// Oldest entries went first.
	for i := int64(0); i < 4; i++ {
		if c.Has("u", i*testSeg) {
			t.Fatalf("segment %d survived eviction", i)
		}
	}
	if !c.Has("u", 10*testSeg) {
		t.Fatal("fresh insert missing after eviction")
	}
}

func TestSegmentLRUBumpProtectsEntry(t *testing.T) {
	c := newTestCache(10 * testSeg)
	const total = 1000 * testSeg

	for i := int64(0); i < 10; i++ {
		c.Put("u", i*testSeg, segPayload(byte('a'+i), testSeg), "", total)
	}

	// Touch the oldest entry, making segment 1 the eviction candidate.
	if _, ok := c.Get("u", 0); !ok {
		t.Fatal("expected hit on segment 0")
	}

	c.Put("u", 10*testSeg, segPayload('k', testSeg), "", total)

	if !c.Has("u", 0) {
		t.Fatal("recently used segment was evicted")
	}
	if c.Has("u", testSeg) {
		t.Fatal("least recently used segment survived")
	}
}

func TestCoalesceReturnsSortedNeighborhood(t *testing.T) {
	c := newTestCache(100 * testSeg)
	const total = 1000 * testSeg

	// Segments 1, 2, 3 and 7 cached; ask around segments 2-3. Segment 1
	// is adjacent within the one-segment window, segment 7 is not.
	for _, i := range []int64{7, 3, 1, 2} {
		c.Put("u", i*testSeg, segPayload(byte('a'+i), testSeg), "", total)
	}
	c.Put("other", 2*testSeg, segPayload('x', testSeg), "", total)

	segs := c.Coalesce("u", 2*testSeg, 3*testSeg-1)
	if len(segs) != 3 {
		t.Fatalf("Coalesce returned %d segments, want 3", len(segs))
	}
	for i, want := range []int64{testSeg, 2 * testSeg, 3 * testSeg} {
		if segs[i].Start != want {
			t.Fatalf("segs[%d].Start = %d, want %d", i, segs[i].Start, want)
		}
	}
}

func TestAssembleCoveredRange(t *testing.T) {
	c := newTestCache(100 * testSeg)
	const total = 1000 * testSeg

	c.Put("u", 0, segPayload('a', testSeg), "", total)
	c.Put("u", testSeg, segPayload('b', testSeg), "", total)
	c.Put("u", 2*testSeg, segPayload('c', testSeg), "", total)

	start := testSeg / 2
	end := 2*testSeg + testSeg/4
	data, ok := c.Assemble("u", start, end)
	if !ok {
		t.Fatal("Assemble failed over covered range")
	}
	if int64(len(data)) != end-start+1 {
		t.Fatalf("len = %d, want %d", len(data), end-start+1)
	}
	if data[0] != 'a' || data[len(data)-1] != 'c' {
		t.Fatalf("assembled bytes wrong: first=%c last=%c", data[0], data[len(data)-1])
	}
	if data[testSeg-start] != 'b' {
		t.Fatal("segment boundary crossed incorrectly")
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 0 {
		t.Fatalf("hits=%d misses=%d", stats.Hits, stats.Misses)
	}
}

func TestAssembleGapIsMiss(t *testing.T) {
	c := newTestCache(100 * testSeg)
	const total = 1000 * testSeg

	c.Put("u", 0, segPayload('a', testSeg), "", total)
	c.Put("u", 2*testSeg, segPayload('c', testSeg), "", total)

	if _, ok := c.Assemble("u", 0, 3*testSeg-1); ok {
		t.Fatal("Assemble succeeded across a gap")
	}

	stats := c.Stats()
	if stats.Misses != 1 {
		t.Fatalf("Misses = %d, want 1", stats.Misses)
	}
	if stats.HitRate != 0 {
		t.Fatalf("HitRate = %v, want 0", stats.HitRate)
	}
}

func TestAssembleShortFinalSegment(t *testing.T) {
	c := newTestCache(100 * testSeg)
	total := testSeg + 100

	c.Put("u", 0, segPayload('a', testSeg), "", total)
	c.Put("u", testSeg, segPayload('z', 100), "", total)

	data, ok := c.Assemble("u", testSeg-10, total-1)
	if !ok {
		t.Fatal("Assemble failed across the short tail")
	}
	if int64(len(data)) != 110 {
		t.Fatalf("len = %d, want 110", len(data))
	}
	if data[len(data)-1] != 'z' {
		t.Fatal("tail bytes wrong")
	}
}

func TestPurgeURLDropsContentType(t *testing.T) {
	c := newTestCache(100 * testSeg)
	const total = 1000 * testSeg

	c.Put("u", 0, segPayload('a', testSeg), "video/mp4", total)
	c.Put("u", testSeg, segPayload('b', testSeg), "video/mp4", total)
	c.Put("v", 0, segPayload('x', testSeg), "video/webm", total)

	if removed := c.PurgeURL("u"); removed != 2 {
		t.Fatalf("PurgeURL removed %d, want 2", removed)
	}
	if _, ok := c.ContentType("u"); ok {
		t.Fatal("content type survived purge")
	}
	if ct, ok := c.ContentType("v"); !ok || ct != "video/webm" {
		t.Fatal("unrelated url affected by purge")
	}

	if removed := c.Purge(); removed != 1 {
		t.Fatalf("Purge removed %d, want 1", removed)
	}
	if stats := c.Stats(); stats.Entries != 0 || stats.Bytes != 0 {
		t.Fatalf("cache not empty after Purge: %+v", stats)
	}
}
