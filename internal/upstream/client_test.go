package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"davstream/internal/domain"
)

func TestHeadReturnsMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s", r.Method)
		}
		if ua := r.Header.Get("User-Agent"); ua != userAgent {
			t.Errorf("User-Agent = %q", ua)
		}
		w.Header().Set("Content-Length", "4096")
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("ETag", `"tag"`)
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient()
	meta, err := c.Head(context.Background(), srv.URL+"/movie.mp4")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if meta.ContentLength != 4096 {
		t.Fatalf("ContentLength = %d", meta.ContentLength)
	}
	if meta.ContentType != "video/mp4" || meta.ETag != `"tag"` {
		t.Fatalf("metadata = %+v", meta)
	}
}

func TestHeadNon2xxIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient()
	if _, err := c.Head(context.Background(), srv.URL+"/gone.mp4"); !errors.Is(err, domain.ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
}

func TestGetForwardsRangeHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Range"); got != "bytes=0-9" {
			t.Errorf("Range = %q", got)
		}
		w.Header().Set("Content-Range", "bytes 0-9/100")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	c := NewClient()
	resp, err := c.Get(context.Background(), srv.URL+"/movie.mp4", GetOptions{RangeHeader: "bytes=0-9"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "0123456789" {
		t.Fatalf("body = %q", body)
	}
}

func TestGetDoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://cdn.example/abc", http.StatusFound)
	}))
	defer srv.Close()

	c := NewClient()
	resp, err := c.Get(context.Background(), srv.URL+"/movie.mp4", GetOptions{RangeHeader: "bytes=0-1"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	if !resp.IsRedirect() {
		t.Fatalf("status = %d, want redirect", resp.StatusCode)
	}
	if resp.Location() != "http://cdn.example/abc" {
		t.Fatalf("Location = %q", resp.Location())
	}
}

type blockingReader struct{ ctx context.Context }

func (r *blockingReader) Read(p []byte) (int, error) {
	<-r.ctx.Done()
	return 0, r.ctx.Err()
}

func (r *blockingReader) Close() error { return nil }

func TestStallGuardAbortsIdleRead(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	guard := newStallGuard(&blockingReader{ctx: ctx}, cancel, 20*time.Millisecond)

	buf := make([]byte, 8)
	_, err := guard.Read(buf)
	if !errors.Is(err, domain.ErrUpstreamTimeout) {
		t.Fatalf("err = %v, want ErrUpstreamTimeout", err)
	}
}

func TestStallGuardPassesThroughData(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	guard := newStallGuard(io.NopCloser(strings.NewReader("hello")), cancel, time.Second)

	data, err := io.ReadAll(guard)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("data = %q", data)
	}
	if ctx.Err() != nil {
		t.Fatal("context cancelled during normal reads")
	}
	if err := guard.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("Close must release the request context")
	}
}

func TestClassifyTransportError(t *testing.T) {
	if err := classifyTransportError(context.Canceled); !errors.Is(err, domain.ErrClientAborted) {
		t.Fatalf("canceled -> %v", err)
	}
	if err := classifyTransportError(context.DeadlineExceeded); !errors.Is(err, domain.ErrUpstreamTimeout) {
		t.Fatalf("deadline -> %v", err)
	}
	if err := classifyTransportError(fmt.Errorf("connect: connection refused")); !errors.Is(err, domain.ErrUpstream) {
		t.Fatalf("refused -> %v", err)
	}
}
