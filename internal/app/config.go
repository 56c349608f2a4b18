package app

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port               string
	TargetHost         string
	TargetScheme       string
	TargetPath         string
	CacheCapacityBytes int64
	SegmentSizeBytes   int64
	MetadataTTL        time.Duration
	RedirectTTL        time.Duration
	PreloadTTL         time.Duration
	LogLevel           string
	LogFormat          string
	OTLPEndpoint       string
	TraceSampleRate    float64
}

func LoadConfig() Config {
	return Config{
		Port:               getEnv("PORT", "8090"),
		TargetHost:         strings.TrimSpace(os.Getenv("TARGET_HOST")),
		TargetScheme:       strings.ToLower(getEnv("TARGET_SCHEME", "http")),
		TargetPath:         getEnv("TARGET_PATH", "/webdav"),
		CacheCapacityBytes: getEnvInt64("CACHE_CAPACITY_BYTES", 500<<20),
		SegmentSizeBytes:   getEnvInt64("SEGMENT_SIZE_BYTES", 2<<20),
		MetadataTTL:        getEnvDuration("METADATA_TTL", 5*time.Minute),
		RedirectTTL:        getEnvDuration("REDIRECT_TTL", 10*time.Minute),
		PreloadTTL:         getEnvDuration("PRELOAD_TTL", 2*time.Minute),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("LOG_FORMAT", "text")),
		OTLPEndpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		TraceSampleRate:    getEnvFloat("OTEL_TRACE_SAMPLE_RATE", 0.1),
	}
}

// HTTPAddr returns the listen address, binding all interfaces.
func (c Config) HTTPAddr() string {
	return ":" + c.Port
}

// TargetURL assembles the origin base URL from the TARGET_* settings.
// The host is the one setting with no usable default.
func (c Config) TargetURL() (*url.URL, error) {
	if c.TargetHost == "" {
		return nil, errors.New("TARGET_HOST is required")
	}
	if c.TargetScheme != "http" && c.TargetScheme != "https" {
		return nil, fmt.Errorf("unsupported TARGET_SCHEME %q", c.TargetScheme)
	}
	p := c.TargetPath
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return &url.URL{
		Scheme: c.TargetScheme,
		Host:   c.TargetHost,
		Path:   strings.TrimSuffix(p, "/"),
	}, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}
