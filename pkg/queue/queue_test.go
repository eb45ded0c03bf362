package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapquest/rendermq/pkg/tile"
)

func TestPushCreatesNewTask(t *testing.T) {
	q := New()
	job := tile.Job{Style: "osm", Z: 10, X: 0, Y: 0, Status: tile.Render}

	isNew := q.Push(job, "client-1", PriorityRender)
	assert.True(t, isNew)
	assert.Equal(t, 1, q.Size())
}

func TestPushMergesSameMetatile(t *testing.T) {
	q := New()
	a := tile.Job{Style: "osm", Z: 10, X: 0, Y: 0, Format: tile.FormatPNG, Status: tile.RenderBulk}
	b := tile.Job{Style: "osm", Z: 10, X: 1, Y: 0, Format: tile.FormatJPEG, Status: tile.Render}

	assert.True(t, q.Push(a, "client-1", PriorityRenderBulk))
	assert.False(t, q.Push(b, "client-2", PriorityRender), "second push for the same metatile should merge")
	assert.Equal(t, 1, q.Size())

	task, ok := q.Get(a.Key())
	require.True(t, ok)
	assert.Equal(t, PriorityRender, task.Priority, "merge takes the max priority")
	assert.Equal(t, tile.FormatPNG|tile.FormatJPEG, task.Job.Format, "merge ORs the format masks")
	assert.Equal(t, tile.Render, task.Job.Status, "a merged task is always forced back to Render")
	assert.Len(t, task.Subscribers, 2)
}

func TestPushMetatileAlignsTheStoredJob(t *testing.T) {
	q := New()
	job := tile.Job{Style: "osm", Z: 10, X: 5, Y: 9}
	q.Push(job, "client-1", PriorityRender)

	task, ok := q.Get(job.Key())
	require.True(t, ok)
	assert.Equal(t, 0, task.Job.X)
	assert.Equal(t, 8, task.Job.Y)
}

func TestSetProcessedHidesFromFrontUnprocessed(t *testing.T) {
	q := New()
	job := tile.Job{Style: "osm", Z: 1, X: 0, Y: 0}
	q.Push(job, "c", PriorityRender)
	q.SetProcessed(job.Key())

	_, ok := q.FrontUnprocessed()
	assert.False(t, ok)
}

func TestFrontUnprocessedPicksHighestPriority(t *testing.T) {
	q := New()
	low := tile.Job{Style: "osm", Z: 1, X: 0, Y: 0, Status: tile.RenderBulk}
	high := tile.Job{Style: "osm", Z: 1, X: 8, Y: 0, Status: tile.RenderPrio}
	q.Push(low, "c1", PriorityRenderBulk)
	q.Push(high, "c2", PriorityRenderPrio)

	task, ok := q.FrontUnprocessed()
	require.True(t, ok)
	assert.Equal(t, PriorityRenderPrio, task.Priority)
}

func TestFrontUnprocessedBreaksSamePriorityTiesFIFO(t *testing.T) {
	q := New()
	first := tile.Job{Style: "osm", Z: 1, X: 0, Y: 0}
	second := tile.Job{Style: "osm", Z: 1, X: 8, Y: 0}
	third := tile.Job{Style: "osm", Z: 1, X: 16, Y: 0}

	q.Push(first, "c1", PriorityRender)
	q.Push(second, "c2", PriorityRender)
	q.Push(third, "c3", PriorityRender)

	// Force an out-of-map-iteration-order oldest timestamp onto the last
	// task pushed, so only a correct FIFO tie-break picks it.
	task, ok := q.Get(third.Key())
	require.True(t, ok)
	task.Timestamp = task.Timestamp.Add(-time.Hour)
	q.tasks[third.Key()] = &task

	front, ok := q.FrontUnprocessed()
	require.True(t, ok)
	assert.Equal(t, third.Key(), front.Job.Key())
}

func TestResubmitOlderThanRecoversStuckProcessedTasks(t *testing.T) {
	q := New()
	job := tile.Job{Style: "osm", Z: 1, X: 0, Y: 0, Status: tile.Render}
	q.Push(job, "c", PriorityRender)
	q.SetProcessed(job.Key())

	n := q.ResubmitOlderThan(0)
	assert.Equal(t, 1, n)

	task, ok := q.Get(job.Key())
	require.True(t, ok)
	assert.False(t, task.Processed)
}

func TestResubmitOlderThanRespectsTimeout(t *testing.T) {
	q := New()
	job := tile.Job{Style: "osm", Z: 1, X: 0, Y: 0}
	q.Push(job, "c", PriorityRender)
	q.SetProcessed(job.Key())

	n := q.ResubmitOlderThan(time.Hour)
	assert.Equal(t, 0, n)
}

func TestResubmitOlderThanExemptsRenderBulk(t *testing.T) {
	q := New()
	job := tile.Job{Style: "osm", Z: 1, X: 0, Y: 0, Status: tile.RenderBulk}
	q.Push(job, "c", PriorityRenderBulk)
	q.SetProcessed(job.Key())

	n := q.ResubmitOlderThan(0)
	assert.Equal(t, 0, n, "bulk tasks are never resubmitted, nobody waits on them synchronously")
}

func TestEraseRemovesTaskAndSubscribers(t *testing.T) {
	q := New()
	job := tile.Job{Style: "osm", Z: 1, X: 0, Y: 0}
	q.Push(job, "c", PriorityRender)

	assert.True(t, q.Erase(job.Key()))
	_, ok := q.Get(job.Key())
	assert.False(t, ok)
	assert.False(t, q.Erase(job.Key()), "erasing twice reports not-found the second time")
}

func TestCountUnprocessedAndSize(t *testing.T) {
	q := New()
	a := tile.Job{Style: "osm", Z: 1, X: 0, Y: 0}
	b := tile.Job{Style: "osm", Z: 1, X: 8, Y: 0}
	q.Push(a, "c1", PriorityRender)
	q.Push(b, "c2", PriorityRender)
	q.SetProcessed(a.Key())

	assert.Equal(t, 2, q.Size())
	assert.Equal(t, 1, q.CountUnprocessed())
}

func TestClearEmptiesTheQueue(t *testing.T) {
	q := New()
	q.Push(tile.Job{Style: "osm", Z: 1, X: 0, Y: 0}, "c", PriorityRender)
	q.Clear()
	assert.Equal(t, 0, q.Size())
}
