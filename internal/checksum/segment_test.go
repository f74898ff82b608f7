package checksum

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"
)

// sizedSource reports a size without holding the bytes.
type sizedSource int64

func (s sizedSource) Size() int64 { return int64(s) }
func (s sizedSource) Slice(int64, int64) ([]byte, error) { return nil, nil }

func TestSegments(t *testing.T) {
	const mib = 1024 * 1024
	tests := []struct {
		name        string
		size        int64
		segmentSize int64
		wantLengths []int64
	}{
		{name: "empty", size: 0, segmentSize: 16 * mib, wantLengths: []int64{0}},
		{name: "one byte", size: 1, segmentSize: 16 * mib, wantLengths: []int64{1}},
		{name: "exact", size: 32 * mib, segmentSize: 16 * mib, wantLengths: []int64{16 * mib, 16 * mib}},
		{name: "forty MiB", size: 40 * mib, segmentSize: 16 * mib, wantLengths: []int64{16 * mib, 16 * mib, 8 * mib}},
		{name: "small segments", size: 10, segmentSize: 3, wantLengths: []int64{3, 3, 3, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segments := Segments(sizedSource(tt.size), tt.segmentSize)
			require.Len(t, segments, len(tt.wantLengths))

			var total, offset int64
			for i, segment := range segments {
				assert.Equal(t, i, segment.Index)
				assert.Equal(t, offset, segment.Offset)
				assert.Equal(t, tt.wantLengths[i], segment.Length)
				offset += segment.Length
				total += segment.Length
			}
			assert.Equal(t, tt.size, total)
		})
	}
}

func TestSegmentLoad(t *testing.T) {
	src := BytesSource("abcdefghij")
	segments := Segments(src, 4)

	var joined []byte
	for _, segment := range segments {
		data, err := segment.Load(src)
		require.NoError(t, err)
		joined = append(joined, data...)
	}
	assert.Equal(t, "abcdefghij", string(joined))
}

func TestBytesSourceRange(t *testing.T) {
	src := BytesSource("abc")
	_, err := src.Slice(2, 4)
	assert.Error(t, err)
	_, err = src.Slice(2, 1)
	assert.Error(t, err)

	data, err := src.Slice(1, 3)
	require.NoError(t, err)
	assert.Equal(t, "bc", string(data))
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "object.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello segmented world"), 0o600))

	src, err := OpenFile(path)
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, int64(21), src.Size())
	assert.Equal(t, path, src.Name())
	data, err := src.Slice(6, 15)
	require.NoError(t, err)
	assert.Equal(t, "segmented", string(data))

	data, err = src.Slice(16, 21)
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))

	_, err = OpenFile(t.TempDir())
	assert.Error(t, err)
}

func TestBlobSource(t *testing.T) {
	ctx := context.Background()
	bucket, err := blob.OpenBucket(ctx, "mem://")
	require.NoError(t, err)
	defer bucket.Close()

	content := randomBytes(t, 3*testSegmentSize+11, 5)
	require.NoError(t, bucket.WriteAll(ctx, "objects/a.bin", content, nil))

	src, err := NewBlobSource(ctx, bucket, "objects/a.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), src.Size())

	data, err := src.Slice(testSegmentSize, 2*testSegmentSize)
	require.NoError(t, err)
	assert.Equal(t, content[testSegmentSize:2*testSegmentSize], data)

	service := newTestService(t, testOptions(2))
	fromBlob, err := service.Generate(ctx, src)
	require.NoError(t, err)
	fromMemory, err := service.Generate(ctx, BytesSource(content))
	require.NoError(t, err)
	assert.Equal(t, fromMemory.ExpectCheckSums, fromBlob.ExpectCheckSums)

	_, err = NewBlobSource(ctx, bucket, "objects/missing.bin")
	assert.Error(t, err)
}

func TestChecksumEncodingRoundTrip(t *testing.T) {
	service := newTestService(t, testOptions(2))
	result, err := service.Generate(context.Background(), BytesSource(randomBytes(t, 5000, 50)))
	require.NoError(t, err)

	decoded, err := DecodeChecksums(result.ExpectCheckSums)
	require.NoError(t, err)
	require.Len(t, decoded, len(result.ExpectCheckSums))
	for i, raw := range decoded {
		assert.Len(t, raw, 32)
		assert.Equal(t, result.ExpectCheckSums[i], base64.StdEncoding.EncodeToString(raw))
	}

	_, err = DecodeChecksums([]string{"not base64!"})
	assert.Error(t, err)
	_, err = DecodeChecksums([]string{base64.StdEncoding.EncodeToString([]byte("short"))})
	assert.Error(t, err)
}

func TestCombineRejectsIncompleteInput(t *testing.T) {
	_, err := Combine(make([]Digest, 2), make([][]Digest, 1), 6)
	assert.Error(t, err)

	_, err = Combine(make([]Digest, 1), [][]Digest{make([]Digest, 5)}, 6)
	assert.Error(t, err)

	checksums, err := Combine(make([]Digest, 1), [][]Digest{make([]Digest, 6)}, 6)
	require.NoError(t, err)
	assert.Len(t, checksums, 7)
}
