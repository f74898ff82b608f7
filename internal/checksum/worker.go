package checksum

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/klauspost/reedsolomon"
)

// Digest is a raw SHA-256 hash.
type Digest [sha256.Size]byte

// String returns the hex encoding of the digest, used in logs.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Kind selects which computation a task performs.
type Kind int

const (
	// KindPrimary hashes the raw segment bytes.
	KindPrimary Kind = iota
	// KindParity erasure-codes the segment and hashes every shard.
	KindParity
)

func (k Kind) String() string {
	switch k {
	case KindPrimary:
		return "primary"
	case KindParity:
		return "parity"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// TaskID identifies one unit of dispatched work. Every task gets its own
// reply channel, so a result can only ever reach the run that asked for it.
type TaskID struct {
	Generation uint64
	Segment    int
	Kind       Kind
}

type task struct {
	id TaskID
	// ctx is the owning run's context. Workers skip tasks whose run is
	// already over.
	ctx   context.Context
	data  []byte
	reply chan<- taskResult
}

type taskResult struct {
	id      TaskID
	primary Digest
	shards  []Digest
	err     error
}

// worker is a long-lived goroutine that processes tasks of one kind. Only
// parity workers carry an encoder.
type worker struct {
	kind    Kind
	index   int
	inbox   chan task
	encoder reedsolomon.Encoder
	shards  int
	logger  *slog.Logger
}

func (w *worker) run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case t := <-w.inbox:
			if t.ctx.Err() != nil {
				w.logger.Debug("dropping task of finished run",
					"generation", t.id.Generation, "segment", t.id.Segment)
				continue
			}
			// reply is buffered with capacity 1 and written exactly once.
			t.reply <- w.process(t)
		}
	}
}

func (w *worker) process(t task) (result taskResult) {
	result.id = t.id
	defer func() {
		if r := recover(); r != nil {
			result.err = fmt.Errorf("%s worker %d panicked on segment %d: %v", w.kind, w.index, t.id.Segment, r)
		}
	}()

	switch w.kind {
	case KindPrimary:
		result.primary = hashSegment(t.data)
	case KindParity:
		result.shards, result.err = encodeShards(w.encoder, w.shards, t.data)
	}
	return result
}

func hashSegment(data []byte) Digest {
	return sha256.Sum256(data)
}

// encodeShards splits data into equal data shards (the last one zero
// padded), computes the parity shards and returns the SHA-256 of every
// shard in shard order. A zero-length segment yields total hashes of empty
// input because the coder rejects empty data.
func encodeShards(encoder reedsolomon.Encoder, total int, data []byte) ([]Digest, error) {
	if len(data) == 0 {
		digests := make([]Digest, total)
		empty := hashSegment(nil)
		for i := range digests {
			digests[i] = empty
		}
		return digests, nil
	}

	// Split pads inside spare capacity when there is any. The primary
	// worker reads the same backing array, so clamp the capacity.
	shards, err := encoder.Split(data[:len(data):len(data)])
	if err != nil {
		return nil, fmt.Errorf("split segment: %w", err)
	}
	if err := encoder.Encode(shards); err != nil {
		return nil, fmt.Errorf("encode parity shards: %w", err)
	}

	digests := make([]Digest, len(shards))
	for i, shard := range shards {
		digests[i] = sha256.Sum256(shard)
	}
	return digests, nil
}
