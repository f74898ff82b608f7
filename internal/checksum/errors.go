package checksum

import (
	"errors"
	"fmt"
)

var (
	// ErrHashFailed is the single failure condition a checksum run reports
	// to its caller. Segment read errors, worker errors and timeouts are
	// wrapped with it.
	ErrHashFailed = errors.New("calculating hash failed")

	// ErrSuperseded is returned by a run that was abandoned because a newer
	// run started on the same session.
	ErrSuperseded = errors.New("checksum run superseded by a newer run")

	// ErrTaskTimeout is the cause recorded when a single segment task did not
	// report back within the configured task timeout.
	ErrTaskTimeout = errors.New("segment task timed out")

	// ErrClosed is returned when work is dispatched to a closed service.
	ErrClosed = errors.New("checksum service closed")

	// ErrNilSource is returned when Generate is called without a byte source.
	ErrNilSource = errors.New("byte source is nil")
)

// MismatchError reports the first checksum that differs during Verify.
type MismatchError struct {
	Index    int
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("checksum count mismatch: expected %s, got %s", e.Expected, e.Actual)
	}
	return fmt.Sprintf("checksum %d mismatch: expected %s, got %s", e.Index, e.Expected, e.Actual)
}

func hashFailed(err error) error {
	return fmt.Errorf("%w: %w", ErrHashFailed, err)
}
