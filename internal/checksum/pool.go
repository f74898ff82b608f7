package checksum

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/klauspost/reedsolomon"
)

// Dispatcher owns one fixed pool of long-lived workers per task kind and
// routes each task to the worker at segment mod pool size. The pools are
// created once and shared by every run until Close.
type Dispatcher struct {
	pools [2][]*worker
	size  int

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewDispatcher starts poolSize primary workers and poolSize parity workers
// coding with dataBlocks data shards and parityBlocks parity shards.
func NewDispatcher(poolSize, dataBlocks, parityBlocks int, logger *slog.Logger) (*Dispatcher, error) {
	if poolSize < 1 {
		return nil, fmt.Errorf("worker pool size %d is invalid (minimum 1)", poolSize)
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		size:   poolSize,
		done:   make(chan struct{}),
		logger: logger.With("component", "Dispatcher"),
	}

	for _, kind := range []Kind{KindPrimary, KindParity} {
		workers := make([]*worker, poolSize)
		for i := range workers {
			w := &worker{
				kind:   kind,
				index:  i,
				inbox:  make(chan task, 1),
				shards: dataBlocks + parityBlocks,
				logger: d.logger.With("kind", kind.String(), "worker", i),
			}
			if kind == KindParity {
				encoder, err := reedsolomon.New(dataBlocks, parityBlocks)
				if err != nil {
					d.Close()
					return nil, fmt.Errorf("creating reed-solomon encoder (%d+%d): %w", dataBlocks, parityBlocks, err)
				}
				w.encoder = encoder
			}
			workers[i] = w
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				w.run(d.done)
			}()
		}
		d.pools[kind] = workers
	}

	d.logger.Debug("worker pools started", "pool_size", poolSize)
	return d, nil
}

// PoolSize returns the number of workers per kind.
func (d *Dispatcher) PoolSize() int {
	return d.size
}

// Dispatch hands data to the worker responsible for id.Segment and returns
// the channel its result will arrive on. The hand-off blocks while that
// worker is busy, which bounds the number of segments held in memory. A
// non-zero deadline bounds the hand-off; missing it returns ErrTaskTimeout.
func (d *Dispatcher) Dispatch(ctx context.Context, id TaskID, data []byte, deadline time.Time) (<-chan taskResult, error) {
	if id.Kind != KindPrimary && id.Kind != KindParity {
		return nil, fmt.Errorf("dispatch: unknown task %s", id.Kind)
	}
	select {
	case <-d.done:
		return nil, ErrClosed
	default:
	}

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	w := d.pools[id.Kind][id.Segment%d.size]
	reply := make(chan taskResult, 1)
	select {
	case w.inbox <- task{id: id, ctx: ctx, data: data, reply: reply}:
		return reply, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-d.done:
		return nil, ErrClosed
	case <-timeout:
		return nil, fmt.Errorf("%s worker %d busy: %w", id.Kind, w.index, ErrTaskTimeout)
	}
}

// Done is closed when the dispatcher shuts down.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Close stops all workers and waits for them to exit. Tasks still queued
// are dropped; their waiters observe Done.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
	})
	d.wg.Wait()
}
