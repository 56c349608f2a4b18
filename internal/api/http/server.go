package apihttp

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"davstream/internal/cache"
	"davstream/internal/engine"
	"davstream/internal/stats"
	"davstream/internal/upstream"
)

// Server is the HTTP face of the proxy. Ranged GETs for video files go
// to the range engine, everything else is forwarded to the WebDAV
// origin verbatim, and a small admin API exposes stats and cache
// control.
type Server struct {
	eng       *engine.Engine
	target    *url.URL
	stats     *stats.Collector
	metadata  *cache.MetadataCache
	redirects *cache.RedirectCache
	segments  *cache.SegmentCache
	preloads  *cache.PreloadMarks
	proxy     *http.Client
	proxyRT   http.RoundTripper
	logger    *slog.Logger
	handler   http.Handler
	wsHub     *wsHub
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStats shares the collector the engine reports into, so the stats
// endpoint sees range and passthrough traffic in one place.
func WithStats(collector *stats.Collector) ServerOption {
	return func(s *Server) {
		s.stats = collector
	}
}

// WithCaches shares the caches the engine works with, so the admin API
// reports and purges the real ones.
func WithCaches(metadata *cache.MetadataCache, redirects *cache.RedirectCache, segments *cache.SegmentCache, preloads *cache.PreloadMarks) ServerOption {
	return func(s *Server) {
		s.metadata = metadata
		s.redirects = redirects
		s.segments = segments
		s.preloads = preloads
	}
}

// WithProxyTransport sets the transport used for passthrough traffic.
func WithProxyTransport(rt http.RoundTripper) ServerOption {
	return func(s *Server) {
		s.proxyRT = rt
	}
}

func NewServer(eng *engine.Engine, target *url.URL, opts ...ServerOption) *Server {
	s := &Server{eng: eng}

	t := *target
	t.Path = strings.TrimSuffix(t.Path, "/")
	s.target = &t

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.stats == nil {
		s.stats = stats.NewCollector()
	}
	if s.metadata == nil {
		s.metadata = cache.NewMetadataCache(0)
	}
	if s.redirects == nil {
		s.redirects = cache.NewRedirectCache(0)
	}
	if s.segments == nil {
		s.segments = cache.NewSegmentCache()
	}
	if s.preloads == nil {
		s.preloads = cache.NewPreloadMarks(0)
	}
	if s.proxyRT == nil {
		s.proxyRT = upstream.NewTransport()
	}
	// Passthrough hands redirects to the client untouched; only the
	// range engine chases them.
	s.proxy = &http.Client{
		Transport: s.proxyRT,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/requests", s.handleActiveRequests)
	mux.HandleFunc("/api/preload", s.handlePreload)
	mux.HandleFunc("/api/cache", s.handleCache)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/", s.handleProxy)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "davstream",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/healthz"
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(100, 200, metricsMiddleware(corsMiddleware(traced))))
	return s
}

// handleProxy decides who owns the request: a ranged GET for a video
// path belongs to the range engine, the rest passes through.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && isVideoPath(r.URL.Path) && r.Header.Get("Range") != "" {
		s.handleVideoRange(w, r)
		return
	}
	s.handlePassthrough(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.wsHub == nil {
		http.Error(w, "websocket not available", http.StatusServiceUnavailable)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.wsHub.register <- client
	go client.writePump()
	go client.readPump()
}

// BroadcastStats pushes a stats snapshot to all WebSocket clients.
// A snapshot is only assembled when someone is listening.
func (s *Server) BroadcastStats() {
	if s.wsHub == nil || s.wsHub.clientCount() == 0 {
		return
	}
	s.wsHub.Broadcast("stats", s.stats.Snapshot(s.cacheCounts()))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close shuts down the WebSocket hub, disconnecting all clients.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}
