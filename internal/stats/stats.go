package stats

import (
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"davstream/internal/metrics"
)

const speedWindow = 10 * time.Second

// Collector tracks request and throughput counters for the stats
// endpoints. All methods are safe for concurrent use.
type Collector struct {
	startedAt time.Time

	totalRequests atomic.Int64
	rangeRequests atomic.Int64
	totalBytes    atomic.Int64

	windowMu sync.Mutex
	window   []sample

	activeMu sync.Mutex
	active   map[string]ActiveRequest
}

type sample struct {
	at    time.Time
	bytes int64
}

// ActiveRequest is one in-flight request, kept for observability only.
type ActiveRequest struct {
	ID          string    `json:"id"`
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	ClientRange string    `json:"range,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
}

// CacheCounts carries cache occupancy into a snapshot.
type CacheCounts struct {
	MetadataEntries int     `json:"metadataEntries"`
	RedirectEntries int     `json:"redirectEntries"`
	SegmentEntries  int     `json:"segmentEntries"`
	SegmentBytes    int64   `json:"segmentBytes"`
	HitRate         float64 `json:"hitRate"`
}

// Snapshot is the stats endpoint payload.
type Snapshot struct {
	TotalRequests         int64       `json:"totalRequests"`
	ActiveRequests        int         `json:"activeRequests"`
	TotalBytesTransferred int64       `json:"totalBytesTransferred"`
	CurrentSpeed          float64     `json:"currentSpeed"`
	RangeRequests         int64       `json:"rangeRequests"`
	Uptime                int64       `json:"uptime"`
	FormattedSpeed        string      `json:"formattedSpeed"`
	FormattedTotal        string      `json:"formattedTotal"`
	Cache                 CacheCounts `json:"cache"`
}

func NewCollector() *Collector {
	return &Collector{
		startedAt: time.Now(),
		active:    make(map[string]ActiveRequest),
	}
}

// Register records an in-flight request and returns its id. The caller
// must call Unregister with the id on every exit path.
func (c *Collector) Register(method, path, clientRange string) string {
	id := uuid.NewString()
	entry := ActiveRequest{
		ID:          id,
		Method:      method,
		Path:        path,
		ClientRange: clientRange,
		StartedAt:   time.Now(),
	}

	c.totalRequests.Add(1)
	c.activeMu.Lock()
	c.active[id] = entry
	c.activeMu.Unlock()
	metrics.ActiveRequests.Inc()
	return id
}

func (c *Collector) Unregister(id string) {
	c.activeMu.Lock()
	_, ok := c.active[id]
	if ok {
		delete(c.active, id)
	}
	c.activeMu.Unlock()
	if ok {
		metrics.ActiveRequests.Dec()
	}
}

func (c *Collector) CountRangeRequest() {
	c.rangeRequests.Add(1)
	metrics.RangeRequestsTotal.Inc()
}

// AddBytes records bytes delivered to a client and feeds the rolling
// throughput window.
func (c *Collector) AddBytes(n int64) {
	c.addBytes(n, time.Now())
}

func (c *Collector) addBytes(n int64, now time.Time) {
	if n <= 0 {
		return
	}
	c.totalBytes.Add(n)

	c.windowMu.Lock()
	c.window = append(c.window, sample{at: now, bytes: n})
	c.trimLocked(now)
	c.windowMu.Unlock()
}

func (c *Collector) trimLocked(now time.Time) {
	cutoff := now.Add(-speedWindow)
	i := 0
	for i < len(c.window) && c.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.window = append(c.window[:0], c.window[i:]...)
	}
}

// CurrentSpeed is the average throughput over the rolling window in
// bytes per second.
func (c *Collector) CurrentSpeed() float64 {
	return c.speedAt(time.Now())
}

func (c *Collector) speedAt(now time.Time) float64 {
	c.windowMu.Lock()
	defer c.windowMu.Unlock()

	c.trimLocked(now)
	if len(c.window) == 0 {
		return 0
	}

	var sum int64
	for _, s := range c.window {
		sum += s.bytes
	}
	spanMs := now.Sub(c.window[0].at).Milliseconds()
	if spanMs < 1 {
		spanMs = 1
	}
	return float64(sum) / float64(spanMs) * 1000
}

// ActiveRequests lists in-flight requests ordered by start time.
func (c *Collector) ActiveRequests() []ActiveRequest {
	c.activeMu.Lock()
	out := make([]ActiveRequest, 0, len(c.active))
	for _, entry := range c.active {
		out = append(out, entry)
	}
	c.activeMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (c *Collector) Snapshot(cache CacheCounts) Snapshot {
	speed := c.CurrentSpeed()
	total := c.totalBytes.Load()

	c.activeMu.Lock()
	active := len(c.active)
	c.activeMu.Unlock()

	return Snapshot{
		TotalRequests:         c.totalRequests.Load(),
		ActiveRequests:        active,
		TotalBytesTransferred: total,
		CurrentSpeed:          speed,
		RangeRequests:         c.rangeRequests.Load(),
		Uptime:                time.Since(c.startedAt).Milliseconds(),
		FormattedSpeed:        humanize.IBytes(uint64(speed)) + "/s",
		FormattedTotal:        humanize.IBytes(uint64(total)),
		Cache:                 cache,
	}
}

// CountingWriter forwards writes and reports delivered bytes to the
// collector.
type CountingWriter struct {
	W io.Writer
	C *Collector
}

func (cw *CountingWriter) Write(p []byte) (int, error) {
	n, err := cw.W.Write(p)
	if n > 0 && cw.C != nil {
		cw.C.AddBytes(int64(n))
	}
	return n, err
}
