package handler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mapquest/rendermq/pkg/metrics"
	"github.com/mapquest/rendermq/pkg/runner"
	"github.com/mapquest/rendermq/pkg/tile"
)

// requestKey correlates a runner result back to the HTTP request that
// caused it. Unlike tile.Key, it is NOT rounded to the metatile origin
// — the broker echoes each subscriber's exact requested tile back
// unchanged, so the handler can tell its own waiting requests apart
// even though they all share one broker connection.
type requestKey struct {
	style   string
	z, x, y int
	format  tile.Format
}

func keyFor(job tile.Job) requestKey {
	return requestKey{style: job.Style, z: job.Z, x: job.X, y: job.Y, format: job.Format}
}

// Dispatcher pairs the handler runner's single result stream back up
// with the individual HTTP requests waiting on it.
type Dispatcher struct {
	r *runner.Runner

	mu      sync.Mutex
	waiting map[requestKey]chan tile.Job
}

// NewDispatcher wraps r, draining its Results channel in a background
// goroutine until ctx is cancelled.
func NewDispatcher(ctx context.Context, r *runner.Runner) *Dispatcher {
	d := &Dispatcher{r: r, waiting: make(map[requestKey]chan tile.Job)}
	go d.run(ctx)
	return d
}

func (d *Dispatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.r.Results:
			d.deliver(job)
		}
	}
}

func (d *Dispatcher) deliver(job tile.Job) {
	key := keyFor(job)
	d.mu.Lock()
	ch, ok := d.waiting[key]
	if ok {
		delete(d.waiting, key)
	}
	d.mu.Unlock()
	if ok {
		ch <- job
	}
}

// Submit sends job to whichever broker owns its metatile and waits up
// to timeout for the matching result, or returns an error from Send or
// a timeout.
func (d *Dispatcher) Submit(job tile.Job, timeout time.Duration) (tile.Job, error) {
	key := keyFor(job)
	ch := make(chan tile.Job, 1)
	timer := metrics.NewTimer()

	d.mu.Lock()
	d.waiting[key] = ch
	d.mu.Unlock()

	if err := d.r.Send(job); err != nil {
		d.mu.Lock()
		delete(d.waiting, key)
		d.mu.Unlock()
		return tile.Job{}, err
	}

	select {
	case result := <-ch:
		timer.ObserveDuration(metrics.RenderRoundTripDuration)
		return result, nil
	case <-time.After(timeout):
		d.mu.Lock()
		delete(d.waiting, key)
		d.mu.Unlock()
		return tile.Job{}, fmt.Errorf("handler: timed out waiting for render result")
	}
}
