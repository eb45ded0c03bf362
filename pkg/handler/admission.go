package handler

import "github.com/mapquest/rendermq/pkg/tile"

// Action is the outcome the admission decision reaches for one request.
type Action int

const (
	// ActionReplyData serves whatever bytes storage returned, fresh or stale.
	ActionReplyData Action = iota
	// ActionOverloaded replies 503 without touching the queue.
	ActionOverloaded
	// ActionAccepted enqueues a RenderBulk job and replies 202; for a
	// stale tile it serves the stale bytes instead of the 202.
	ActionAccepted
	// ActionEnqueueAndWait enqueues a Render job and blocks for the result.
	ActionEnqueueAndWait
	// ActionNotFound replies 404 (status probe on an absent tile).
	ActionNotFound
)

func (a Action) String() string {
	switch a {
	case ActionReplyData:
		return "reply_data"
	case ActionOverloaded:
		return "overloaded"
	case ActionAccepted:
		return "accepted"
	case ActionEnqueueAndWait:
		return "enqueue_and_wait"
	case ActionNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Thresholds are the three queue-length admission tiers spec §4.7
// requires: stale < satisfy < max.
type Thresholds struct {
	Stale   uint64
	Satisfy uint64
	Max     uint64

	// StaleRenderBackground, when true, enqueues a background re-render
	// even for a stale-but-under-threshold reply.
	StaleRenderBackground bool
}

// Decide implements the admission table from spec §4.7 exactly:
// fresh data always serves; otherwise the queue length against the
// three thresholds decides between overload rejection, accepted-async,
// serve-stale, serve-stale-and-rerender, or enqueue-and-wait.
func Decide(status tile.Status, queueLength uint64, th Thresholds) Action {
	switch status {
	case tile.Done:
		return ActionReplyData
	case tile.Ignore: // stale
		switch {
		case queueLength >= th.Max:
			return ActionOverloaded
		case queueLength >= th.Stale:
			return ActionReplyData
		case th.StaleRenderBackground:
			return ActionAccepted
		default:
			return ActionEnqueueAndWait
		}
	default: // NotDone (missing)
		switch {
		case queueLength >= th.Max:
			return ActionOverloaded
		case queueLength >= th.Satisfy:
			return ActionAccepted
		default:
			return ActionEnqueueAndWait
		}
	}
}
