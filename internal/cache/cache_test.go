package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/boltdb/bolt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcellar/dcellar-checksum/internal/checksum"
	"github.com/dcellar/dcellar-checksum/internal/database"
	"github.com/dcellar/dcellar-checksum/internal/models"
)

var testRedundancy = models.RedundancyConfig{SegmentSize: 16 << 20, DataBlocks: 4, ParityBlocks: 2}

func openTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := database.OpenDatabase(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testResult() *models.ChecksumResult {
	return &models.ChecksumResult{
		ContentLength:   3,
		FileChunks:      1,
		ExpectCheckSums: []string{"a", "b", "c", "d", "e", "f", "g"},
	}
}

func TestFingerprint(t *testing.T) {
	first, err := Fingerprint(context.Background(), checksum.BytesSource("same content"))
	require.NoError(t, err)
	second, err := Fingerprint(context.Background(), checksum.BytesSource("same content"))
	require.NoError(t, err)
	other, err := Fingerprint(context.Background(), checksum.BytesSource("other content"))
	require.NoError(t, err)

	assert.Len(t, first, 64)
	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)

	empty, err := Fingerprint(context.Background(), checksum.BytesSource{})
	require.NoError(t, err)
	assert.Len(t, empty, 64)
}

func TestFingerprintStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Fingerprint(ctx, checksum.BytesSource("content"))
	assert.ErrorIs(t, err, context.Canceled)

	// Nothing to read, nothing to cancel.
	_, err = Fingerprint(ctx, checksum.BytesSource{})
	assert.NoError(t, err)
}

func TestKeyIncludesLayout(t *testing.T) {
	other := testRedundancy
	other.ParityBlocks = 3
	assert.NotEqual(t, Key("fp", testRedundancy), Key("fp", other))
}

func TestPutGet(t *testing.T) {
	db := openTestDB(t)
	c, err := New(db, time.Hour, nil)
	require.NoError(t, err)

	_, ok, err := c.Get("fp", testRedundancy)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put("fp", testRedundancy, testResult()))

	got, ok, err := c.Get("fp", testRedundancy)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testResult(), got)

	// A fresh cache over the same database reads the persisted tier.
	reopened, err := New(db, time.Hour, nil)
	require.NoError(t, err)
	got, ok, err = reopened.Get("fp", testRedundancy)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testResult(), got)
}

func TestExpiryAndEvict(t *testing.T) {
	db := openTestDB(t)
	c, err := New(db, time.Hour, nil)
	require.NoError(t, err)

	start := time.Unix(1700000000, 0)
	c.now = func() time.Time { return start }
	require.NoError(t, c.Put("old", testRedundancy, testResult()))
	c.now = func() time.Time { return start.Add(50 * time.Minute) }
	require.NoError(t, c.Put("new", testRedundancy, testResult()))

	c.now = func() time.Time { return start.Add(90 * time.Minute) }

	// Both records are still in the memory tier.
	_, ok, err := c.Get("old", testRedundancy)
	require.NoError(t, err)
	assert.False(t, ok, "expired record is a miss")
	_, ok, err = c.Get("new", testRedundancy)
	require.NoError(t, err)
	assert.True(t, ok)

	// A bolt hit refills the memory tier without extending the record's life.
	c.memory.Flush()
	_, ok, err = c.Get("new", testRedundancy)
	require.NoError(t, err)
	require.True(t, ok)
	c.now = func() time.Time { return start.Add(115 * time.Minute) }
	_, ok, err = c.Get("new", testRedundancy)
	require.NoError(t, err)
	assert.False(t, ok)
	c.now = func() time.Time { return start.Add(90 * time.Minute) }

	evicted, err := c.Evict()
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	all, err := database.GetAllData(db, BucketName)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Contains(t, all, Key("new", testRedundancy))
}

func TestCorruptRecordIsDropped(t *testing.T) {
	db := openTestDB(t)
	c, err := New(db, 0, nil)
	require.NoError(t, err)

	key := Key("fp", testRedundancy)
	require.NoError(t, database.PutData(db, BucketName, key, []byte{0xff, 0xff}))

	_, ok, err := c.Get("fp", testRedundancy)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = database.GetData(db, BucketName, key)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestResultsAreNotShared(t *testing.T) {
	c, err := New(openTestDB(t), time.Hour, nil)
	require.NoError(t, err)

	stored := testResult()
	require.NoError(t, c.Put("fp", testRedundancy, stored))
	stored.ExpectCheckSums[0] = "changed by the caller"

	got, ok, err := c.Get("fp", testRedundancy)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testResult(), got)

	got.ExpectCheckSums[1] = "changed again"
	again, ok, err := c.Get("fp", testRedundancy)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testResult(), again)

	// Same for a result loaded from bolt.
	c.memory.Flush()
	fromDisk, ok, err := c.Get("fp", testRedundancy)
	require.NoError(t, err)
	require.True(t, ok)
	fromDisk.ExpectCheckSums[2] = "changed"
	again, ok, err = c.Get("fp", testRedundancy)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testResult(), again)
}
