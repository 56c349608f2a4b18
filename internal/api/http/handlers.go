package apihttp

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"davstream/internal/stats"
)

// handleVideoRange hands a ranged video GET to the range engine. The
// engine reports an error only when the response has not started, so an
// error here can still be answered with a proper status.
func (s *Server) handleVideoRange(w http.ResponseWriter, r *http.Request) {
	rangeHeader := r.Header.Get("Range")
	id := s.stats.Register(r.Method, r.URL.Path, rangeHeader)
	defer s.stats.Unregister(id)

	if err := s.eng.ServeRange(r.Context(), w, s.originURL(r.URL), rangeHeader); err != nil {
		writeRangeError(w, err, id)
	}
}

func (s *Server) cacheCounts() stats.CacheCounts {
	seg := s.segments.Stats()
	return stats.CacheCounts{
		MetadataEntries: s.metadata.Len(),
		RedirectEntries: s.redirects.Len(),
		SegmentEntries:  seg.Entries,
		SegmentBytes:    seg.Bytes,
		HitRate:         seg.HitRate,
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", uuid.NewString())
		return
	}
	writeJSON(w, http.StatusOK, s.stats.Snapshot(s.cacheCounts()))
}

func (s *Server) handleActiveRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", uuid.NewString())
		return
	}
	writeJSON(w, http.StatusOK, s.stats.ActiveRequests())
}

// handlePreload warms the segment cache ahead of a seek. The path is
// the same one the player would request; start and size are bytes, size
// defaults to one segment.
func (s *Server) handlePreload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", uuid.NewString())
		return
	}
	id := uuid.NewString()

	query := r.URL.Query()
	filePath := strings.TrimSpace(query.Get("path"))
	if filePath == "" {
		writeError(w, http.StatusBadRequest, "path query parameter is required", id)
		return
	}
	if !strings.HasPrefix(filePath, "/") {
		filePath = "/" + filePath
	}
	start, err := parseInt64Query(query.Get("start"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start: "+err.Error(), id)
		return
	}
	size, err := parseInt64Query(query.Get("size"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid size: "+err.Error(), id)
		return
	}

	result, err := s.eng.Preload(r.Context(), s.originURL(&url.URL{Path: filePath}), start, size)
	if err != nil {
		writeRangeError(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleCache reports cache occupancy on GET and empties every cache on
// DELETE.
func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.cacheCounts())
	case http.MethodDelete:
		purged := map[string]int{
			"segments":  s.segments.Purge(),
			"metadata":  s.metadata.Purge(),
			"redirects": s.redirects.Purge(),
			"preloads":  s.preloads.Purge(),
		}
		s.logger.Info("caches purged",
			slog.Int("segments", purged["segments"]),
			slog.Int("metadata", purged["metadata"]),
			slog.Int("redirects", purged["redirects"]),
		)
		writeJSON(w, http.StatusOK, map[string]map[string]int{"purged": purged})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", uuid.NewString())
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
