package engine

// sliceFilter cuts the interval owed to the client out of an upstream body.
// The body may begin before the owed start (a 200 full-file response, or a
// fetch widened to segment bounds) and may extend past the owed end; cut
// clips each chunk to the owed interval and reports when the interval has
// been fully emitted.
type sliceFilter struct {
	start  int64 // first owed byte
	end    int64 // last owed byte, inclusive
	cursor int64 // absolute offset of the next upstream byte
	sent   int64
}

func newSliceFilter(start, end, bodyStart int64) *sliceFilter {
	return &sliceFilter{start: start, end: end, cursor: bodyStart}
}

// cut returns the portion of chunk that falls inside the owed interval.
// The returned slice aliases chunk and must be consumed before the next
// call. done is true once every owed byte has been returned.
func (f *sliceFilter) cut(chunk []byte) (out []byte, done bool) {
	lo := f.cursor
	hi := lo + int64(len(chunk))
	f.cursor = hi
	if hi <= f.start || lo > f.end {
		return nil, f.done()
	}
	if f.start > lo {
		chunk = chunk[f.start-lo:]
		lo = f.start
	}
	if hi > f.end+1 {
		chunk = chunk[:f.end+1-lo]
	}
	f.sent += int64(len(chunk))
	return chunk, f.done()
}

func (f *sliceFilter) done() bool {
	return f.sent == f.end-f.start+1
}
