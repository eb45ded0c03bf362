// Package expiry implements the binary-star redundant expiry service: a
// pair of nodes exchanging liveness events over pub/sub, of which
// exactly one serves client requests at a time, plus the per-tile
// expiry-flag store and its fingerprint packing.
package expiry

import (
	"errors"
	"sync"
	"time"

	"github.com/mapquest/rendermq/pkg/metrics"
)

// State is one of the four binary-star node states.
type State int

const (
	Primary State = iota
	Backup
	Active
	Passive
)

func (s State) String() string {
	switch s {
	case Primary:
		return "primary"
	case Backup:
		return "backup"
	case Active:
		return "active"
	case Passive:
		return "passive"
	default:
		return "unknown"
	}
}

// Event is a state transition trigger: either a peer announcing its own
// state, or a client asking this node to serve a request.
type Event int

const (
	EventPeerPrimary Event = iota
	EventPeerBackup
	EventPeerActive
	EventPeerPassive
	EventClientRequest
)

// ErrSplitBrain means both nodes believe they hold the same role
// (Active/Active or Passive/Passive) — a fatal, unrecoverable condition.
var ErrSplitBrain = errors.New("expiry: split brain detected")

// ErrRejected means the event is valid but this node's current state
// does not permit serving it (e.g. a client request reaching a Backup,
// or a Passive node whose peer hasn't yet expired).
var ErrRejected = errors.New("expiry: event rejected by current state")

// FSM is the binary-star state machine for one node.
type FSM struct {
	mu         sync.Mutex
	state      State
	peerExpiry time.Time
	heartbeat  time.Duration
}

// NewFSM returns an FSM starting in init, using heartbeat as the
// liveness interval (the peer is presumed dead after 2x heartbeat
// without a non-client event).
func NewFSM(init State, heartbeat time.Duration) *FSM {
	metrics.ExpiryState.WithLabelValues(init.String()).Set(1)
	return &FSM{state: init, heartbeat: heartbeat, peerExpiry: time.Now().Add(2 * heartbeat)}
}

// State returns the current state.
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Event applies ev to the state machine, returning ErrSplitBrain if the
// event reveals both nodes in the same exclusive role, ErrRejected if
// the event is merely not allowed from the current state, or nil if the
// transition (or no-op) succeeded.
func (f *FSM) Event(ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ok := true
	fatal := false
	prevState := f.state
	failover := false

	switch f.state {
	case Primary:
		switch ev {
		case EventPeerBackup:
			f.state = Active
		case EventPeerActive:
			f.state = Passive
		}
	case Backup:
		switch ev {
		case EventPeerActive:
			f.state = Passive
		case EventClientRequest:
			ok = false
		}
	case Active:
		if ev == EventPeerActive {
			ok = false
			fatal = true
		}
	case Passive:
		switch ev {
		case EventPeerPrimary, EventPeerBackup:
			f.state = Active
		case EventPeerPassive:
			ok = false
			fatal = true
		case EventClientRequest:
			if time.Now().After(f.peerExpiry) {
				f.state = Active
				failover = true
			} else {
				ok = false
			}
		}
	}

	if ok && ev != EventClientRequest {
		f.peerExpiry = time.Now().Add(2 * f.heartbeat)
	}

	if f.state != prevState {
		metrics.ExpiryState.WithLabelValues(prevState.String()).Set(0)
		metrics.ExpiryState.WithLabelValues(f.state.String()).Set(1)
	}
	if failover {
		metrics.ExpiryFailoversTotal.Inc()
	}

	if fatal {
		return ErrSplitBrain
	}
	if !ok {
		return ErrRejected
	}
	return nil
}
