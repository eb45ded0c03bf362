// Package queue implements the broker's task queue: jobs for the same
// metatile coalesce into one task, tasks are served highest-priority
// first, and tasks stuck "processing" past a timeout are resubmitted.
package queue

import (
	"sync"
	"time"

	"github.com/mapquest/rendermq/pkg/tile"
)

// Priority constants, highest first. A Dirty (expiry) request always
// outranks a bulk render but never a foreground one; RenderPrio is
// reserved for requests a handler has already decided are worth jumping
// the queue for.
const (
	PriorityRenderPrio = 150
	PriorityRender     = 100
	PriorityDirty      = 50
	PriorityRenderBulk = 0
)

// Subscriber is one client's interest in a task's result: the exact tile
// it asked for (which may differ from the task's metatile-aligned job —
// individual x/y, requested format, client id) plus the return address
// to route the finished job back to.
type Subscriber struct {
	Job  tile.Job
	Addr string
}

// Task is one entry in the queue: a metatile-aligned job that one or more
// subscribers are waiting on.
type Task struct {
	Job         tile.Job
	Priority    int
	Timestamp   time.Time
	Processed   bool
	Subscribers []Subscriber
}

// Queue is the broker's task queue. A single mutex guards it; the broker
// reactor is single-threaded against the queue anyway, but the queue is
// safe to share with, e.g., a metrics scraper goroutine.
//
// The original queue keeps three simultaneous ordered views (priority,
// metatile identity, timestamp) via boost::multi_index. Go has no
// equivalent off-the-shelf container, and task counts are bounded by the
// number of distinct in-flight metatiles (never more than a few thousand
// at once), so this keeps one map for metatile identity and does a
// linear scan for the priority- and timestamp-ordered operations rather
// than maintaining three live indices.
type Queue struct {
	mu    sync.Mutex
	tasks map[tile.Key]*Task
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{tasks: make(map[tile.Key]*Task)}
}

// Push adds a job to the queue under addr's subscription, merging with an
// existing task for the same metatile if one is queued. Returns true if
// a new task was created, false if it merged into an existing one.
//
// Merging takes the max of the two priorities (so a newly-arrived
// high-priority request pulls a low-priority task forward) and ORs the
// format masks together (so one render satisfies every format any
// subscriber asked for). The merged task's status is always forced to
// Render: a job may arrive while its metatile is already out being
// rendered, and the worker must always be told to return data, even if
// some earlier, now-superseded request was a fire-and-forget bulk one.
// A newly created task keeps the status of the job that created it.
func (q *Queue) Push(job tile.Job, addr string, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := job.Key()
	if existing, ok := q.tasks[key]; ok {
		if priority > existing.Priority {
			existing.Priority = priority
		}
		existing.Job.Format |= job.Format
		existing.Job.Status = tile.Render
		existing.Subscribers = append(existing.Subscribers, Subscriber{Job: job, Addr: addr})
		return false
	}

	meta := job
	meta.X = tile.MetaBase(job.X)
	meta.Y = tile.MetaBase(job.Y)

	task := &Task{
		Job:       meta,
		Priority:  priority,
		Timestamp: time.Now(),
	}
	task.Subscribers = append(task.Subscribers, Subscriber{Job: job, Addr: addr})
	q.tasks[key] = task
	return true
}

// SetProcessed marks the task for key as being rendered, so it won't be
// handed out again until ResubmitOlderThan reclaims it or it's erased.
// It restarts the task's timestamp, from which ResubmitOlderThan measures
// how long the task has been processed.
func (q *Queue) SetProcessed(key tile.Key) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.tasks[key]; ok {
		t.Processed = true
		t.Timestamp = time.Now()
	}
}

// ResubmitOlderThan resets the processed flag (and refreshes the
// timestamp, so it won't be immediately re-resubmitted) of every task
// that has been marked processed for at least timeout, to recover work
// assigned to a worker that has since died. Bulk-render tasks are
// exempt: nobody is waiting synchronously on them, so losing one to a
// dead worker is not worth resubmitting.
func (q *Queue) ResubmitOlderThan(timeout time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	resubmitted := 0
	for _, t := range q.tasks {
		if t.Job.Status == tile.RenderBulk {
			continue
		}
		if t.Processed && now.Sub(t.Timestamp) >= timeout {
			t.Processed = false
			t.Timestamp = now
			resubmitted++
		}
	}
	return resubmitted
}

// Erase removes the task for key entirely, dropping any subscribers
// still waiting on it. Returns false if no such task was queued.
func (q *Queue) Erase(key tile.Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.tasks[key]; !ok {
		return false
	}
	delete(q.tasks, key)
	return true
}

// Get returns the task queued for key, if any.
func (q *Queue) Get(key tile.Key) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[key]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// FrontUnprocessed returns the highest-priority task that isn't currently
// marked processed, or false if every queued task is already out for
// render. Same-priority tasks are served FIFO, oldest Timestamp first.
func (q *Queue) FrontUnprocessed() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var best *Task
	for _, t := range q.tasks {
		if t.Processed {
			continue
		}
		if best == nil || t.Priority > best.Priority ||
			(t.Priority == best.Priority && t.Timestamp.Before(best.Timestamp)) {
			best = t
		}
	}
	if best == nil {
		return Task{}, false
	}
	return *best, true
}

// Size returns the total number of tasks in the queue, processed or not.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// CountUnprocessed returns the number of tasks available to be handed out.
func (q *Queue) CountUnprocessed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, t := range q.tasks {
		if !t.Processed {
			count++
		}
	}
	return count
}

// Clear removes every task from the queue.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = make(map[tile.Key]*Task)
}
