// Package workerpool runs remote calls with bounded parallelism.
package workerpool

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Config configures a worker pool.
type Config struct {
	MaxConcurrent int // Maximum in-flight calls (default: 3)
}

// DefaultConfig returns the entity-creation limit.
func DefaultConfig() Config {
	return Config{MaxConcurrent: 3}
}

// Pool bounds the number of concurrently executing work items.
type Pool struct {
	config Config
	logger *zap.Logger
}

// New creates a pool. name distinguishes pools in logs.
func New(name string, config Config, logger *zap.Logger) *Pool {
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	return &Pool{
		config: config,
		logger: logger.Named("worker-pool").With(zap.String("pool", name)),
	}
}

// MaxConcurrent returns the configured limit.
func (p *Pool) MaxConcurrent() int {
	return p.config.MaxConcurrent
}

// WorkItem represents a unit of work to be processed.
type WorkItem[T any] struct {
	ID      string                               // For logging/tracking
	Execute func(ctx context.Context) (T, error) // The work to be executed
}

// WorkResult represents the result of a work item. Skipped is set when the
// item never ran because processing stopped first.
type WorkResult[T any] struct {
	ID      string
	Result  T
	Err     error
	Skipped bool
}

// Process runs all items with at most MaxConcurrent in flight, starting the
// next item as soon as a slot frees up. Results are in submission order and
// failures do not stop the remaining items. Items that had not started when
// ctx ended are returned Skipped. onProgress runs on the calling goroutine.
func Process[T any](
	ctx context.Context,
	pool *Pool,
	items []WorkItem[T],
	onProgress func(completed, total int),
) []WorkResult[T] {
	if len(items) == 0 {
		return nil
	}

	results := make([]WorkResult[T], len(items))
	done := make(chan struct{}, len(items))
	sem := make(chan struct{}, pool.config.MaxConcurrent)

	go func() {
		for i := range items {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
			}
			if err := ctx.Err(); err != nil {
				results[i] = WorkResult[T]{ID: items[i].ID, Err: err, Skipped: true}
				done <- struct{}{}
				continue
			}
			go func(i int) {
				defer func() { <-sem }()
				result, err := items[i].Execute(ctx)
				results[i] = WorkResult[T]{ID: items[i].ID, Result: result, Err: err}
				done <- struct{}{}
			}(i)
		}
	}()

	for completed := 1; completed <= len(items); completed++ {
		<-done
		if onProgress != nil {
			onProgress(completed, len(items))
		}
	}

	pool.logger.Debug("Pool finished", zap.Int("items", len(items)))
	return results
}

// BatchHooks observe and control ProcessBatches. All fields are optional.
type BatchHooks struct {
	// BeforeBatch runs before each batch starts; a non-nil error stops
	// processing and marks the remaining items skipped with that error.
	BeforeBatch func(batch, batches int) error
	// AfterBatch runs once every item of a batch has settled.
	AfterBatch func(batch, batches int)
}

// ProcessBatches splits items into consecutive batches of MaxConcurrent and
// runs one batch at a time: batch N+1 starts only after every item of batch N
// finished. Completion order inside a batch is not guaranteed; the returned
// slice is in submission order.
func ProcessBatches[T any](
	ctx context.Context,
	pool *Pool,
	items []WorkItem[T],
	hooks BatchHooks,
) []WorkResult[T] {
	results := make([]WorkResult[T], len(items))
	size := pool.config.MaxConcurrent
	batches := (len(items) + size - 1) / size

	for b := 0; b < batches; b++ {
		start := b * size
		end := min(start+size, len(items))

		stopErr := ctx.Err()
		if stopErr == nil && hooks.BeforeBatch != nil {
			stopErr = hooks.BeforeBatch(b+1, batches)
		}
		if stopErr != nil {
			pool.logger.Info("Stopping batch processing",
				zap.Int("batch", b+1),
				zap.Int("batches", batches),
				zap.Error(stopErr))
			for i := start; i < len(items); i++ {
				results[i] = WorkResult[T]{ID: items[i].ID, Err: stopErr, Skipped: true}
			}
			return results
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				result, err := items[i].Execute(ctx)
				results[i] = WorkResult[T]{ID: items[i].ID, Result: result, Err: err}
			}(i)
		}
		wg.Wait()

		pool.logger.Debug("Batch finished",
			zap.Int("batch", b+1),
			zap.Int("batches", batches),
			zap.Int("items", end-start))
		if hooks.AfterBatch != nil {
			hooks.AfterBatch(b+1, batches)
		}
	}
	return results
}
