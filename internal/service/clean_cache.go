package service

import (
	"context"
	"log/slog"
	"time"
)

// Evicter removes expired cache records.
type Evicter interface {
	Evict() (int, error)
}

// CleanOldRecords evicts expired checksum records every interval until ctx
// is cancelled.
func CleanOldRecords(ctx context.Context, evicter Evicter, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "Clean")
	if interval <= 0 {
		logger.Info("cache cleaning disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			clean(evicter, logger)

		case <-ctx.Done():
			logger.Info("context cancelled, stopping ticker")
			return
		}
	}
}

func clean(evicter Evicter, logger *slog.Logger) {
	evicted, err := evicter.Evict()
	if err != nil {
		logger.Error("evicting cache records failed", "error", err)
		return
	}
	if evicted > 0 {
		logger.Info("evicted expired cache records", "count", evicted)
	}
}
