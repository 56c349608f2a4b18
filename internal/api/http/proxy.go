package apihttp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"davstream/internal/stats"
	"davstream/internal/upstream"
)

// Hop-by-hop headers are consumed by each hop and never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// originURL maps an incoming request path onto the WebDAV origin.
func (s *Server) originURL(u *url.URL) string {
	out := *s.target
	out.Path = s.target.Path + u.Path
	out.RawQuery = u.RawQuery
	return out.String()
}

// handlePassthrough forwards everything the range engine does not own,
// WebDAV verbs included, and streams the answer back. Redirects are not
// followed here; the client sees them exactly as the origin sent them.
func (s *Server) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	id := s.stats.Register(r.Method, r.URL.Path, r.Header.Get("Range"))
	defer s.stats.Unregister(id)

	req, err := http.NewRequestWithContext(r.Context(), r.Method, s.originURL(r.URL), r.Body)
	if err != nil {
		writeError(w, http.StatusBadGateway, "cannot build upstream request", id)
		return
	}
	copyProxyHeaders(req.Header, r.Header)
	req.ContentLength = r.ContentLength

	resp, err := s.proxy.Do(req)
	if err != nil {
		if r.Context().Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Warn("passthrough request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "upstream request failed", id)
		return
	}
	defer resp.Body.Close()

	dst := w.Header()
	for name, values := range resp.Header {
		// CORS is stamped by the proxy itself.
		if strings.HasPrefix(name, "Access-Control-") {
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}
	removeHopByHop(dst)
	if isVideoPath(r.URL.Path) && dst.Get("Accept-Ranges") == "" {
		dst.Set("Accept-Ranges", "bytes")
	}
	w.WriteHeader(resp.StatusCode)

	out := &stats.CountingWriter{W: w, C: s.stats}
	if _, err := io.Copy(out, resp.Body); err != nil {
		s.logger.Debug("passthrough copy interrupted",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}

func copyProxyHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
	removeHopByHop(dst)
	upstream.ScrubHeaders(dst)
}

func removeHopByHop(h http.Header) {
	for _, tokens := range h.Values("Connection") {
		for _, name := range strings.Split(tokens, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
