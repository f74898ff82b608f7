package checksum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dcellar/dcellar-checksum/internal/models"
)

// Options configures a Service. The redundancy layout is part of the
// contract with the storage provider and must match what it verifies.
type Options struct {
	Redundancy     models.RedundancyConfig
	WorkerPoolSize int

	// TaskTimeout bounds how long a run waits for a single segment task
	// after dispatching it. Zero waits forever.
	TaskTimeout time.Duration

	Logger *slog.Logger
}

// DefaultOptions returns the layout used by the storage network: 16 MiB
// segments, 4 data and 2 parity shards, 6 workers per kind.
func DefaultOptions() Options {
	return Options{
		Redundancy: models.RedundancyConfig{
			SegmentSize:  16 * 1024 * 1024,
			DataBlocks:   4,
			ParityBlocks: 2,
		},
		WorkerPoolSize: 6,
		TaskTimeout:    2 * time.Minute,
	}
}

// Service computes object checksums on a shared set of worker pools. Create
// one per process and Close it on shutdown.
type Service struct {
	redundancy  models.RedundancyConfig
	taskTimeout time.Duration
	dispatcher  *Dispatcher
	generation  atomic.Uint64
	session     *Session
	logger      *slog.Logger
}

// NewService validates opts and starts the worker pools.
func NewService(opts Options) (*Service, error) {
	r := opts.Redundancy
	if r.SegmentSize <= 0 {
		return nil, fmt.Errorf("segment size %d is invalid (must be positive)", r.SegmentSize)
	}
	if r.DataBlocks <= 0 || r.ParityBlocks < 0 || r.ShardCount() > 256 {
		return nil, fmt.Errorf("erasure layout %d+%d is invalid", r.DataBlocks, r.ParityBlocks)
	}
	if opts.TaskTimeout < 0 {
		return nil, fmt.Errorf("task timeout %v is negative", opts.TaskTimeout)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dispatcher, err := NewDispatcher(opts.WorkerPoolSize, r.DataBlocks, r.ParityBlocks, logger)
	if err != nil {
		return nil, err
	}

	s := &Service{
		redundancy:  r,
		taskTimeout: opts.TaskTimeout,
		dispatcher:  dispatcher,
		logger:      logger.With("component", "Checksum"),
	}
	s.session = s.NewSession()
	s.logger.Debug("checksum service started",
		"segment_size", r.SegmentSize,
		"data_blocks", r.DataBlocks,
		"parity_blocks", r.ParityBlocks,
		"pool_size", dispatcher.PoolSize())
	return s, nil
}

// Redundancy returns the layout the service encodes with.
func (s *Service) Redundancy() models.RedundancyConfig {
	return s.redundancy
}

// Generate runs the pipeline on the service's default session.
func (s *Service) Generate(ctx context.Context, src ByteSource) (*models.ChecksumResult, error) {
	return s.session.Generate(ctx, src)
}

// Verify recomputes the checksums of src on the default session and
// compares them with expected.
func (s *Service) Verify(ctx context.Context, src ByteSource, expected []string) error {
	return s.session.Verify(ctx, src, expected)
}

// Close stops the worker pools. Runs still in flight fail with ErrClosed.
func (s *Service) Close() {
	s.dispatcher.Close()
}

// Session is a line of runs where each new run abandons the previous one,
// like a user picking another file before the first finished hashing.
// Separate sessions never interfere with each other.
type Session struct {
	service *Service

	mu      sync.Mutex
	current uint64
	cancel  context.CancelCauseFunc
}

// NewSession returns an independent session on the shared pools.
func (s *Service) NewSession() *Session {
	return &Session{service: s}
}

// Generate computes the checksum result of src. Starting another run on
// the same session makes this call return ErrSuperseded. Every other
// failure wraps ErrHashFailed; a partial result is never returned.
func (s *Session) Generate(ctx context.Context, src ByteSource) (*models.ChecksumResult, error) {
	if src == nil {
		return nil, hashFailed(ErrNilSource)
	}

	runCtx, generation, end := s.begin(ctx)
	defer end()

	logger := s.service.logger.With("generation", generation)
	start := time.Now()
	result, err := s.service.run(runCtx, generation, src)
	if err != nil {
		if errors.Is(context.Cause(runCtx), ErrSuperseded) {
			logger.Debug("checksum run superseded")
			return nil, ErrSuperseded
		}
		logger.Warn("checksum run failed", "error", err)
		return nil, hashFailed(err)
	}

	logger.Debug("checksum run finished",
		"content_length", result.ContentLength,
		"segments", result.FileChunks,
		"duration", time.Since(start))
	return result, nil
}

// Verify recomputes the checksums of src and compares them with expected,
// returning a *MismatchError for the first difference.
func (s *Session) Verify(ctx context.Context, src ByteSource, expected []string) error {
	result, err := s.Generate(ctx, src)
	if err != nil {
		return err
	}
	return CompareChecksums(expected, result.ExpectCheckSums)
}

func (s *Session) begin(ctx context.Context) (context.Context, uint64, func()) {
	runCtx, cancel := context.WithCancelCause(ctx)
	generation := s.service.generation.Add(1)

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel(ErrSuperseded)
	}
	s.current = generation
	s.cancel = cancel
	s.mu.Unlock()

	return runCtx, generation, func() {
		s.mu.Lock()
		if s.current == generation {
			s.cancel = nil
		}
		s.mu.Unlock()
		cancel(nil)
	}
}

// CompareChecksums reports the first difference between two checksum lists.
func CompareChecksums(expected, actual []string) error {
	if len(expected) != len(actual) {
		return &MismatchError{
			Index:    -1,
			Expected: strconv.Itoa(len(expected)),
			Actual:   strconv.Itoa(len(actual)),
		}
	}
	for i := range expected {
		if expected[i] != actual[i] {
			return &MismatchError{Index: i, Expected: expected[i], Actual: actual[i]}
		}
	}
	return nil
}

type pendingTask struct {
	id       TaskID
	reply    <-chan taskResult
	deadline time.Time
}

func (s *Service) run(ctx context.Context, generation uint64, src ByteSource) (*models.ChecksumResult, error) {
	segments := Segments(src, s.redundancy.SegmentSize)

	pending := make([]pendingTask, 0, 2*len(segments))
	for _, segment := range segments {
		data, err := segment.Load(src)
		if err != nil {
			return nil, fmt.Errorf("load segment %d: %w", segment.Index, err)
		}
		for _, kind := range []Kind{KindPrimary, KindParity} {
			id := TaskID{Generation: generation, Segment: segment.Index, Kind: kind}
			var deadline time.Time
			if s.taskTimeout > 0 {
				deadline = time.Now().Add(s.taskTimeout)
			}
			reply, err := s.dispatcher.Dispatch(ctx, id, data, deadline)
			if err != nil {
				return nil, fmt.Errorf("dispatch %s task for segment %d: %w", kind, segment.Index, err)
			}
			pending = append(pending, pendingTask{id: id, reply: reply, deadline: deadline})
		}
	}

	primary := make([]Digest, len(segments))
	shards := make([][]Digest, len(segments))
	for _, p := range pending {
		result, err := s.await(ctx, p)
		if err != nil {
			return nil, err
		}
		switch p.id.Kind {
		case KindPrimary:
			primary[p.id.Segment] = result.primary
		case KindParity:
			shards[p.id.Segment] = result.shards
		}
	}

	checksums, err := Combine(primary, shards, s.redundancy.ShardCount())
	if err != nil {
		return nil, err
	}
	return &models.ChecksumResult{
		ContentLength:   src.Size(),
		FileChunks:      len(segments),
		ExpectCheckSums: checksums,
	}, nil
}

func (s *Service) await(ctx context.Context, p pendingTask) (taskResult, error) {
	var timeout <-chan time.Time
	if s.taskTimeout > 0 {
		timer := time.NewTimer(time.Until(p.deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case result := <-p.reply:
		return checkResult(p.id, result)
	case <-ctx.Done():
		return taskResult{}, context.Cause(ctx)
	case <-s.dispatcher.Done():
		return taskResult{}, ErrClosed
	case <-timeout:
		select {
		case result := <-p.reply:
			return checkResult(p.id, result)
		default:
		}
		return taskResult{}, fmt.Errorf("%s task for segment %d: %w", p.id.Kind, p.id.Segment, ErrTaskTimeout)
	}
}

func checkResult(id TaskID, result taskResult) (taskResult, error) {
	if result.err != nil {
		return taskResult{}, fmt.Errorf("%s task for segment %d: %w", id.Kind, id.Segment, result.err)
	}
	if result.id != id {
		return taskResult{}, fmt.Errorf("result for %+v delivered to task %+v", result.id, id)
	}
	return result, nil
}
