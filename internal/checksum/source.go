package checksum

import (
	"fmt"
	"io"
	"os"
)

// ByteSource is a random-access view of the content being hashed. The
// pipeline only reads from it.
type ByteSource interface {
	// Size returns the total length of the content in bytes.
	Size() int64

	// Slice returns the bytes in [start, end). The returned slice must not
	// be modified by the caller.
	Slice(start, end int64) ([]byte, error)
}

// BytesSource serves content that is already in memory.
type BytesSource []byte

func (b BytesSource) Size() int64 {
	return int64(len(b))
}

func (b BytesSource) Slice(start, end int64) ([]byte, error) {
	if err := checkRange(start, end, int64(len(b))); err != nil {
		return nil, err
	}
	return b[start:end:end], nil
}

// ReaderAtSource reads slices from any io.ReaderAt of known size, such as
// an *os.File or a multipart.File. ReadAt is safe for concurrent use on
// both, so no locking is needed.
type ReaderAtSource struct {
	r    io.ReaderAt
	size int64
}

// NewReaderAtSource wraps r, whose content is size bytes long.
func NewReaderAtSource(r io.ReaderAt, size int64) *ReaderAtSource {
	return &ReaderAtSource{r: r, size: size}
}

func (s *ReaderAtSource) Size() int64 {
	return s.size
}

func (s *ReaderAtSource) Slice(start, end int64) ([]byte, error) {
	if err := checkRange(start, end, s.size); err != nil {
		return nil, err
	}
	buf := make([]byte, end-start)
	n, err := s.r.ReadAt(buf, start)
	if err != nil && !(err == io.EOF && int64(n) == end-start) {
		return nil, fmt.Errorf("read [%d, %d): %w", start, end, err)
	}
	return buf, nil
}

// FileSource is a ReaderAtSource over an opened file.
type FileSource struct {
	*ReaderAtSource
	file *os.File
}

// OpenFile opens path for hashing. The caller must Close the source.
func OpenFile(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return &FileSource{
		ReaderAtSource: NewReaderAtSource(file, info.Size()),
		file:           file,
	}, nil
}

// Name returns the path the source was opened from.
func (f *FileSource) Name() string {
	return f.file.Name()
}

// Close closes the underlying file.
func (f *FileSource) Close() error {
	return f.file.Close()
}

func checkRange(start, end, size int64) error {
	if start < 0 || end < start || end > size {
		return fmt.Errorf("range [%d, %d) out of bounds for size %d", start, end, size)
	}
	return nil
}
