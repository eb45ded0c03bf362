package handler

import (
	"context"
	"errors"

	"github.com/mapquest/rendermq/pkg/metatile"
	"github.com/mapquest/rendermq/pkg/metrics"
	"github.com/mapquest/rendermq/pkg/storage"
	"github.com/mapquest/rendermq/pkg/tile"
)

// DefaultPoolSize is the bounded storage worker pool size spec §4.7
// calls for.
const DefaultPoolSize = 64

// expiryChecker is the subset of an expiry-service client the pool
// needs, kept as an interface so tests can fake it and so a deployment
// without a redundant expiry pair can pass nil.
type expiryChecker interface {
	isExpired(style string, format tile.Format, z, x, y int) bool
	setExpired(style string, format tile.Format, z, x, y int)
}

// storageTask is one unit of work submitted to the pool.
type storageTask struct {
	fn   func(ctx context.Context) storageResult
	done chan<- storageResult
}

// storageResult is what a storage lookup yields the pipeline: the tile
// data (if any), its freshness, and the job status that follows from
// it (Done, Ignore, or NotDone, per spec §4.7 step 3).
type storageResult struct {
	status       tile.Status
	data         []byte
	lastModified int64
}

// Pool is a bounded pool of goroutines performing blocking storage I/O,
// decoupling the HTTP reactor from storage latency the way spec §5
// describes: the reactor and the pool talk only through channels.
type Pool struct {
	tasks chan storageTask
	stop  chan struct{}
}

// NewPool starts size worker goroutines pulling from a shared task
// channel. size <= 0 uses DefaultPoolSize.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	p := &Pool{
		tasks: make(chan storageTask, size*4),
		stop:  make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for {
		select {
		case <-p.stop:
			return
		case t := <-p.tasks:
			t.done <- t.fn(context.Background())
		}
	}
}

// Stop signals every worker goroutine to exit after its current task.
func (p *Pool) Stop() {
	close(p.stop)
}

// Lookup queries store for (style, z, x, y), reporting whether the data
// is fresh, stale (expired), or missing. Storage errors other than
// ErrNotFound are treated as a miss too, per spec §7's
// StorageUnavailable-equivalent-to-missing rule.
func (p *Pool) Lookup(ctx context.Context, store storage.Store, expired expiryChecker, style string, format tile.Format, z, x, y int) <-chan storageResult {
	done := make(chan storageResult, 1)
	p.tasks <- storageTask{
		done: done,
		fn: func(ctx context.Context) storageResult {
			timer := metrics.NewTimer()
			defer timer.ObserveDuration(metrics.StorageLookupDuration)

			meta, err := store.Stat(ctx, style, z, x, y)
			if err != nil {
				return storageResult{status: tile.NotDone}
			}
			buf, err := store.Get(ctx, style, z, x, y)
			if err != nil {
				return storageResult{status: tile.NotDone}
			}
			data, err := metatile.Slice(buf, format, x, y)
			if err != nil {
				return storageResult{status: tile.NotDone}
			}

			status := tile.Done
			if expired != nil && expired.isExpired(style, format, z, x, y) {
				status = tile.Ignore
			}
			return storageResult{status: status, data: data, lastModified: meta.LastModified}
		},
	}
	return done
}

// Expire asks store to drop the metatile for every style in styles and
// marks the expiry flag for each style whose drop succeeded or found
// nothing to drop; a style whose drop failed with any other error is
// left unflagged.
func (p *Pool) Expire(ctx context.Context, store storage.Store, expired expiryChecker, styles []string, format tile.Format, z, x, y int) <-chan storageResult {
	done := make(chan storageResult, 1)
	p.tasks <- storageTask{
		done: done,
		fn: func(ctx context.Context) storageResult {
			for _, style := range styles {
				if err := store.Expire(ctx, style, z, x, y); err != nil && !errors.Is(err, storage.ErrNotFound) {
					continue
				}
				if expired != nil {
					expired.setExpired(style, format, z, x, y)
				}
			}
			return storageResult{status: tile.Done}
		},
	}
	return done
}
