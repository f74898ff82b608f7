// Package cache keeps computed checksum results so that hashing the same
// content twice with the same layout is answered without recomputation.
//
// Results are keyed by a BLAKE3 fingerprint of the content plus the
// redundancy layout. A short-lived in-memory tier (go-cache) sits in front
// of a bolt bucket holding CBOR-encoded records.
package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/boltdb/bolt"
	gocache "github.com/patrickmn/go-cache"
	"github.com/zeebo/blake3"

	"github.com/dcellar/dcellar-checksum/internal/checksum"
	"github.com/dcellar/dcellar-checksum/internal/codec"
	"github.com/dcellar/dcellar-checksum/internal/database"
	"github.com/dcellar/dcellar-checksum/internal/models"
)

// BucketName is the bolt bucket holding cache records.
const BucketName = "checksums"

const (
	memoryTTL        = 10 * time.Minute
	fingerprintChunk = 4 * 1024 * 1024
)

type Cache struct {
	db     *bolt.DB
	memory *gocache.Cache
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// New returns a cache over db. Records older than ttl are treated as
// missing; ttl of zero keeps them forever.
func New(db *bolt.DB, ttl time.Duration, logger *slog.Logger) (*Cache, error) {
	if err := database.EnsureBucket(db, BucketName); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	memory := memoryTTL
	if ttl > 0 && ttl < memory {
		memory = ttl
	}
	return &Cache{
		db:     db,
		memory: gocache.New(memory, 2*memory),
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With("component", "Cache"),
	}, nil
}

// Fingerprint hashes the whole content of src with BLAKE3. It stops between
// chunks once ctx is done.
func Fingerprint(ctx context.Context, src checksum.ByteSource) (string, error) {
	hasher := blake3.New()
	size := src.Size()
	for offset := int64(0); offset < size; offset += fingerprintChunk {
		if ctx.Err() != nil {
			return "", fmt.Errorf("fingerprint: %w", context.Cause(ctx))
		}
		end := min(offset+fingerprintChunk, size)
		data, err := src.Slice(offset, end)
		if err != nil {
			return "", fmt.Errorf("fingerprint: %w", err)
		}
		hasher.Write(data)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Key combines a fingerprint and a layout into a record key.
func Key(fingerprint string, redundancy models.RedundancyConfig) string {
	return fmt.Sprintf("%s/%d/%d+%d", fingerprint, redundancy.SegmentSize, redundancy.DataBlocks, redundancy.ParityBlocks)
}

// memoryEntry is what the memory tier holds. It keeps the creation time so
// expiry is judged the same way on both tiers.
type memoryEntry struct {
	result    models.ChecksumResult
	createdAt int64
}

// Get looks up a result. The boolean is false on a miss. The returned result
// is owned by the caller.
func (c *Cache) Get(fingerprint string, redundancy models.RedundancyConfig) (*models.ChecksumResult, bool, error) {
	key := Key(fingerprint, redundancy)
	if v, ok := c.memory.Get(key); ok {
		entry := v.(memoryEntry)
		if !c.expired(entry.createdAt) {
			return cloneResult(entry.result), true, nil
		}
		c.memory.Delete(key)
		return nil, false, nil
	}

	data, err := database.GetData(c.db, BucketName, key)
	if errors.Is(err, database.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var record models.CacheRecord
	if err := codec.Unmarshal(data, &record); err != nil {
		c.logger.Warn("dropping undecodable cache record", "key", key, "error", err)
		return nil, false, database.DeleteKey(c.db, BucketName, key)
	}
	if c.expired(record.CreatedAt) {
		return nil, false, nil
	}

	c.memory.SetDefault(key, memoryEntry{result: record.Result, createdAt: record.CreatedAt})
	return cloneResult(record.Result), true, nil
}

// Put stores a result.
func (c *Cache) Put(fingerprint string, redundancy models.RedundancyConfig, result *models.ChecksumResult) error {
	key := Key(fingerprint, redundancy)
	record := models.CacheRecord{
		Fingerprint: fingerprint,
		Redundancy:  redundancy,
		Result:      *cloneResult(*result),
		CreatedAt:   c.now().Unix(),
	}
	data, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding cache record: %w", err)
	}
	if err := database.PutData(c.db, BucketName, key, data); err != nil {
		return err
	}
	c.memory.SetDefault(key, memoryEntry{result: record.Result, createdAt: record.CreatedAt})
	return nil
}

// Evict deletes every persisted record older than the cache TTL and
// returns how many were removed.
func (c *Cache) Evict() (int, error) {
	if c.ttl <= 0 {
		return 0, nil
	}
	all, err := database.GetAllData(c.db, BucketName)
	if err != nil {
		return 0, err
	}

	evicted := 0
	for key, data := range all {
		var record models.CacheRecord
		if err := codec.Unmarshal(data, &record); err == nil && !c.expired(record.CreatedAt) {
			continue
		}
		if err := database.DeleteKey(c.db, BucketName, key); err != nil {
			return evicted, err
		}
		c.memory.Delete(key)
		evicted++
	}
	return evicted, nil
}

func (c *Cache) expired(createdAt int64) bool {
	if c.ttl <= 0 {
		return false
	}
	return c.now().Sub(time.Unix(createdAt, 0)) > c.ttl
}

func cloneResult(result models.ChecksumResult) *models.ChecksumResult {
	result.ExpectCheckSums = slices.Clone(result.ExpectCheckSums)
	return &result
}
