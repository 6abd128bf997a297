package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/mastodon-ml/relay/internal/cache"
)

const (
	// janitorInterval is how often stale cache entries are swept.
	janitorInterval = time.Hour

	// maxEntryAgeHours is the eviction threshold. This also bounds the
	// effective deduplication window.
	maxEntryAgeHours = 14 * 24
)

// Janitor periodically evicts cache entries older than two weeks.
type Janitor struct {
	Cache cache.Cache
	// Interval overrides the hourly default; useful in tests.
	Interval time.Duration
}

// Start runs the sweep loop until ctx is cancelled. The first sweep happens
// after one interval, not at startup.
func (j *Janitor) Start(ctx context.Context) {
	interval := j.Interval
	if interval <= 0 {
		interval = janitorInterval
	}

	slog.Info("cache janitor started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("cache janitor stopped")
			return
		case <-ticker.C:
			if err := j.Cache.DeleteOld(ctx, maxEntryAgeHours); err != nil {
				slog.Warn("cache sweep failed", "error", err)
			}
		}
	}
}
