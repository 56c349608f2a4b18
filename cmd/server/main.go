package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	apihttp "davstream/internal/api/http"
	"davstream/internal/app"
	"davstream/internal/cache"
	"davstream/internal/engine"
	"davstream/internal/metrics"
	"davstream/internal/stats"
	"davstream/internal/telemetry"
	"davstream/internal/upstream"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	target, err := cfg.TargetURL()
	if err != nil {
		logger.Error("invalid target configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	shutdownTracer, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "davstream",
		Endpoint:    cfg.OTLPEndpoint,
		SampleRate:  cfg.TraceSampleRate,
	})
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "davstream"),
		slog.String("httpAddr", cfg.HTTPAddr()),
		slog.String("target", target.String()),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.Int64("cacheCapacityBytes", cfg.CacheCapacityBytes),
		slog.Int64("segmentSizeBytes", cfg.SegmentSizeBytes),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// One connection pool serves both the range engine and passthrough
	// traffic, so per-host limits hold across the whole proxy.
	transport := upstream.NewTransport()
	origin := upstream.NewClient(
		upstream.WithTransport(transport),
		upstream.WithLogger(logger),
	)

	metadata := cache.NewMetadataCache(cfg.MetadataTTL)
	redirects := cache.NewRedirectCache(cfg.RedirectTTL)
	segments := cache.NewSegmentCache(
		cache.WithMaxBytes(cfg.CacheCapacityBytes),
		cache.WithSegmentSize(cfg.SegmentSizeBytes),
	)
	preloads := cache.NewPreloadMarks(cfg.PreloadTTL)
	collector := stats.NewCollector()

	eng := engine.New(engine.Config{
		Origin:    origin,
		Metadata:  metadata,
		Redirects: redirects,
		Segments:  segments,
		Preloads:  preloads,
		Stats:     collector,
		Logger:    logger,
	})

	handler := apihttp.NewServer(eng, target,
		apihttp.WithLogger(logger),
		apihttp.WithStats(collector),
		apihttp.WithCaches(metadata, redirects, segments, preloads),
		apihttp.WithProxyTransport(transport),
	)

	sweeper := &cache.Sweeper{
		Metadata:  metadata,
		Redirects: redirects,
		Preloads:  preloads,
		Logger:    logger,
	}
	go sweeper.Run(rootCtx)
	go pushStats(rootCtx, handler)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Streaming responses have no bounded write time.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr()))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
}

// pushStats feeds the dashboard WebSocket with fresh snapshots while
// anyone is connected.
func pushStats(ctx context.Context, handler *apihttp.Server) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			handler.BroadcastStats()
		}
	}
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
