package checksum

import (
	"context"
	"fmt"
	"io"

	"gocloud.dev/blob"
)

// BlobSource reads an object from a gocloud.dev bucket with ranged reads,
// so only the segments being hashed are held in memory.
type BlobSource struct {
	ctx    context.Context
	bucket *blob.Bucket
	key    string
	size   int64
}

// NewBlobSource looks up the size of key in bucket. ctx bounds every later
// range read; the bucket stays owned by the caller.
func NewBlobSource(ctx context.Context, bucket *blob.Bucket, key string) (*BlobSource, error) {
	attrs, err := bucket.Attributes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("object attributes %q: %w", key, err)
	}
	return &BlobSource{
		ctx:    ctx,
		bucket: bucket,
		key:    key,
		size:   attrs.Size,
	}, nil
}

func (s *BlobSource) Size() int64 {
	return s.size
}

func (s *BlobSource) Slice(start, end int64) ([]byte, error) {
	if err := checkRange(start, end, s.size); err != nil {
		return nil, err
	}
	if start == end {
		return []byte{}, nil
	}
	reader, err := s.bucket.NewRangeReader(s.ctx, s.key, start, end-start, nil)
	if err != nil {
		return nil, fmt.Errorf("range reader %q [%d, %d): %w", s.key, start, end, err)
	}
	defer reader.Close()

	buf := make([]byte, end-start)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, fmt.Errorf("read %q [%d, %d): %w", s.key, start, end, err)
	}
	return buf, nil
}
