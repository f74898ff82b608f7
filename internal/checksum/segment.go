package checksum

// Segment is one fixed-size window of a ByteSource. Only the last segment
// of a source may be shorter than the segment size.
type Segment struct {
	Index  int
	Offset int64
	Length int64
}

// Segments splits src into ordered, contiguous windows of segmentSize
// bytes. An empty source still yields a single zero-length segment so that
// every run goes through one task cycle.
func Segments(src ByteSource, segmentSize int64) []Segment {
	size := src.Size()
	if size == 0 {
		return []Segment{{Index: 0, Offset: 0, Length: 0}}
	}

	count := int((size + segmentSize - 1) / segmentSize)
	segments := make([]Segment, count)
	for i := range segments {
		offset := int64(i) * segmentSize
		length := segmentSize
		if remaining := size - offset; remaining < length {
			length = remaining
		}
		segments[i] = Segment{Index: i, Offset: offset, Length: length}
	}
	return segments
}

// Load reads the segment's bytes from src.
func (s Segment) Load(src ByteSource) ([]byte, error) {
	return src.Slice(s.Offset, s.Offset+s.Length)
}
