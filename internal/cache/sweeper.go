package cache

import (
	"context"
	"log/slog"
	"time"
)

const DefaultSweepInterval = time.Minute

// Sweeper periodically drops expired TTL entries so idle caches do not
// keep dead entries alive between reads.
type Sweeper struct {
	Metadata  *MetadataCache
	Redirects *RedirectCache
	Preloads  *PreloadMarks
	Interval  time.Duration
	Logger    *slog.Logger
}

func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			removed := 0
			if s.Metadata != nil {
				removed += s.Metadata.Sweep(now)
			}
			if s.Redirects != nil {
				removed += s.Redirects.Sweep(now)
			}
			if s.Preloads != nil {
				removed += s.Preloads.Sweep(now)
			}
			if removed > 0 && s.Logger != nil {
				s.Logger.Debug("cache sweep", slog.Int("removed", removed))
			}
		}
	}
}
