package domain

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	minChunkBytes     int64 = 5 << 20
	optimalChunkBytes int64 = 10 << 20
	expandBandBytes   int64 = 20 << 20
)

// ByteRange is an inclusive byte interval within a file of Total bytes.
// When Expanded, the client asked for [Start, OriginalEnd] and the proxy
// fetches [Start, End] upstream; only the original interval reaches the
// client.
type ByteRange struct {
	Start       int64
	End         int64
	Total       int64
	OriginalEnd int64
	Expanded    bool
}

func (r ByteRange) Len() int64 { return r.End - r.Start + 1 }

// ClientLen is the byte count owed to the client regardless of expansion.
func (r ByteRange) ClientLen() int64 { return r.OriginalEnd - r.Start + 1 }

// ContentRange renders the Content-Range value advertised to the client.
func (r ByteRange) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.OriginalEnd, r.Total)
}

// ParseByteRange parses a Range request header against a file of total
// bytes. Only the first range of a multi-range header is honored. An end
// past EOF clamps to the last byte; a start past EOF is unsatisfiable.
func ParseByteRange(value string, total int64) (ByteRange, error) {
	if total <= 0 {
		return ByteRange{}, ErrRangeUnsatisfiable
	}

	value = strings.TrimSpace(value)
	lower := strings.ToLower(value)
	if !strings.HasPrefix(lower, "bytes=") {
		return ByteRange{}, ErrMalformedRange
	}

	spec := strings.TrimSpace(value[len("bytes="):])
	if i := strings.Index(spec, ","); i >= 0 {
		spec = strings.TrimSpace(spec[:i])
	}
	if spec == "" {
		return ByteRange{}, ErrMalformedRange
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return ByteRange{}, ErrMalformedRange
	}

	startStr := strings.TrimSpace(parts[0])
	endStr := strings.TrimSpace(parts[1])

	if startStr == "" {
		if endStr == "" {
			return ByteRange{}, ErrMalformedRange
		}
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix <= 0 {
			return ByteRange{}, ErrMalformedRange
		}
		if suffix > total {
			suffix = total
		}
		return newRange(total-suffix, total-1, total), nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return ByteRange{}, ErrMalformedRange
	}
	if start >= total {
		return ByteRange{}, ErrRangeUnsatisfiable
	}

	if endStr == "" {
		return newRange(start, total-1, total), nil
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < 0 {
		return ByteRange{}, ErrMalformedRange
	}
	if end < start {
		return ByteRange{}, ErrMalformedRange
	}
	if end >= total {
		end = total - 1
	}
	return newRange(start, end, total), nil
}

func newRange(start, end, total int64) ByteRange {
	return ByteRange{Start: start, End: end, Total: total, OriginalEnd: end}
}

// Expand applies the prefetch policy. Requests under 5 MiB grow to a
// 10 MiB window; requests under 20 MiB grow by half, floored at 10 MiB.
// Larger requests pass through untouched. The grown end never crosses EOF
// and OriginalEnd keeps what the client actually asked for.
func (r ByteRange) Expand() ByteRange {
	req := r.Len()

	var want int64
	switch {
	case req < minChunkBytes:
		want = optimalChunkBytes
	case req < expandBandBytes:
		want = req + req/2
		if want < optimalChunkBytes {
			want = optimalChunkBytes
		}
	default:
		return r
	}

	end := r.Start + want - 1
	if end > r.Total-1 {
		end = r.Total - 1
	}
	if end <= r.End {
		return r
	}

	r.End = end
	r.Expanded = true
	return r
}
