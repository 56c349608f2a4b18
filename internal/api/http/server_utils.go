package apihttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"

	"davstream/internal/domain"
)

type errorEnvelope struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message, requestID string) {
	writeJSON(w, status, errorEnvelope{Error: message, RequestID: requestID})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeRangeError maps an engine failure onto a client response. The
// engine only returns an error when nothing was written yet, so the
// status line is still ours to pick. A client that already hung up gets
// nothing at all.
func writeRangeError(w http.ResponseWriter, err error, requestID string) {
	switch {
	case errors.Is(err, domain.ErrClientAborted):
	case errors.Is(err, domain.ErrMalformedRange):
		writeError(w, http.StatusBadRequest, err.Error(), requestID)
	case errors.Is(err, domain.ErrRangeUnsatisfiable):
		writeError(w, http.StatusRequestedRangeNotSatisfiable, err.Error(), requestID)
	case errors.Is(err, domain.ErrUpstreamTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error(), requestID)
	case errors.Is(err, domain.ErrUpstream):
		writeError(w, http.StatusBadGateway, err.Error(), requestID)
	default:
		writeError(w, http.StatusInternalServerError, "internal server error", requestID)
	}
}

// isVideoPath reports whether the request path names a file the range
// engine should own.
func isVideoPath(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".mp4", ".mov", ".avi", ".mkv", ".webm", ".m4v":
		return true
	default:
		return false
	}
}

func parseInt64Query(value string, defaultValue int64) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || parsed < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return parsed, nil
}
