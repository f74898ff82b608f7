package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/dcellar/dcellar-checksum/internal/cache"
	"github.com/dcellar/dcellar-checksum/internal/checksum"
	"github.com/dcellar/dcellar-checksum/internal/models"
)

// Generator runs the checksum pipeline. Both *checksum.Service and
// *checksum.Session satisfy it.
type Generator interface {
	Generate(ctx context.Context, src checksum.ByteSource) (*models.ChecksumResult, error)
}

// Checksummer answers checksum requests from the result cache when it can
// and from the pipeline otherwise.
type Checksummer struct {
	redundancy models.RedundancyConfig
	cache      *cache.Cache
	logger     *slog.Logger
}

// NewChecksummer returns a Checksummer for results computed with redundancy.
// resultCache may be nil to disable caching.
func NewChecksummer(redundancy models.RedundancyConfig, resultCache *cache.Cache, logger *slog.Logger) *Checksummer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checksummer{
		redundancy: redundancy,
		cache:      resultCache,
		logger:     logger.With("component", "Checksummer"),
	}
}

// Checksum returns the checksum result of src and whether it came from the
// cache. Cache failures are logged and never fail the request.
func (c *Checksummer) Checksum(ctx context.Context, generator Generator, src checksum.ByteSource) (*models.ChecksumResult, bool, error) {
	logger := c.logger.With("run", uuid.New().String())
	if src == nil {
		result, err := generator.Generate(ctx, src)
		return result, false, err
	}
	size := units.HumanSize(float64(src.Size()))

	var fingerprint string
	if c.cache != nil {
		var err error
		fingerprint, err = cache.Fingerprint(ctx, src)
		if err != nil {
			// A cancelled ctx also fails the pipeline below.
			logger.Warn("fingerprinting failed, skipping cache", "error", err)
		} else if result, ok, err := c.cache.Get(fingerprint, c.redundancy); err != nil {
			logger.Warn("cache lookup failed", "error", err)
		} else if ok {
			logger.Info("checksum served from cache", "size", size, "segments", result.FileChunks)
			return result, true, nil
		}
	}

	start := time.Now()
	result, err := generator.Generate(ctx, src)
	if err != nil {
		return nil, false, err
	}
	logger.Info("checksum computed",
		"size", size,
		"segments", result.FileChunks,
		"duration", time.Since(start).Round(time.Millisecond))

	if c.cache != nil && fingerprint != "" {
		if err := c.cache.Put(fingerprint, c.redundancy, result); err != nil {
			logger.Warn("storing checksum in cache failed", "error", err)
		}
	}
	return result, false, nil
}

// Verify checks src against expected checksums.
func (c *Checksummer) Verify(ctx context.Context, generator Generator, src checksum.ByteSource, expected []string) error {
	result, _, err := c.Checksum(ctx, generator, src)
	if err != nil {
		return err
	}
	return checksum.CompareChecksums(expected, result.ExpectCheckSums)
}
