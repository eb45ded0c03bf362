// Package workercomm implements the worker-side communicator: the
// scheduling loop that tracks which brokers are advertising jobs, picks
// the best one to ask, and hands finished renders back to whichever
// broker it got the job from. It is paired with the actual rendering
// code over a single in-process socket, never talking to the renderer
// directly.
package workercomm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mapquest/rendermq/pkg/log"
	"github.com/mapquest/rendermq/pkg/tile"
	"github.com/mapquest/rendermq/pkg/transport"
)

// State is the four-state machine spec §4.5 describes: Idle while
// nothing is needed, Waiting when no broker has work, Trying while a
// GET_JOB is outstanding, Processing while the local renderer has the job.
type State int

const (
	Idle State = iota
	Waiting
	Trying
	Processing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case Trying:
		return "trying"
	case Processing:
		return "processing"
	default:
		return "unknown"
	}
}

// availability is a broker's advertised record: how attractive it is to
// ask for work right now.
type availability struct {
	priority    int
	queueLength uint64
	lastSeen    time.Time
}

// Config configures one worker communicator instance.
type Config struct {
	WorkerID string

	// BrokerReqEndpoints are the broker front-req/back-req endpoints this
	// worker connects its request socket to (fair-queued by the socket).
	BrokerReqEndpoints []string
	// BrokerSubEndpoints are the matching back-pub endpoints to subscribe
	// to for availability announcements.
	BrokerSubEndpoints []string

	RequestTimeout time.Duration
	PollTimeout    time.Duration
}

func (c *Config) setDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 250 * time.Millisecond
	}
}

// Communicator is the worker-side scheduling loop.
type Communicator struct {
	cfg Config
	log zerolog.Logger

	req  *transport.Socket
	sub  *transport.Socket
	poll *transport.Poller

	state         State
	brokers       map[string]*availability
	awaiting      string    // broker id we sent GET_JOB to, while Trying
	awaitingSince time.Time

	// JobCh/ResultCh are the in-process pairing with the actual renderer:
	// a job pulled from a broker is pushed to JobCh, and the renderer's
	// finished result is read from ResultCh and sent back to the broker
	// it came from.
	JobCh    chan tile.Job
	ResultCh chan tile.Job
}

// New connects the communicator's sockets and returns it ready to Run.
func New(cfg Config) (*Communicator, error) {
	cfg.setDefaults()

	req, err := transport.NewDealer(cfg.BrokerReqEndpoints[0])
	if err != nil {
		return nil, err
	}
	// A single DEALER socket connects to every broker and fair-queues
	// across them, matching spec's "single socket... multiplexed
	// fair-queue semantics provided by the socket".
	for _, ep := range cfg.BrokerReqEndpoints[1:] {
		if err := req.Connect(ep); err != nil {
			return nil, err
		}
	}

	if len(cfg.BrokerSubEndpoints) == 0 {
		return nil, fmt.Errorf("workercomm: at least one broker sub endpoint required")
	}
	sub, err := transport.NewSub(cfg.BrokerSubEndpoints[0])
	if err != nil {
		return nil, err
	}
	for _, ep := range cfg.BrokerSubEndpoints[1:] {
		if err := sub.Connect(ep); err != nil {
			return nil, err
		}
	}

	poller, err := transport.NewPoller(req, sub)
	if err != nil {
		return nil, err
	}

	return &Communicator{
		cfg:      cfg,
		log:      log.WithComponent("worker-comm").With().Str("worker_id", cfg.WorkerID).Logger(),
		req:      req,
		sub:      sub,
		poll:     poller,
		state:    Idle,
		brokers:  make(map[string]*availability),
		JobCh:    make(chan tile.Job, 1),
		ResultCh: make(chan tile.Job, 1),
	}, nil
}

// Close releases the communicator's sockets.
func (c *Communicator) Close() {
	c.poll.Destroy()
	c.req.Destroy()
	c.sub.Destroy()
}

// Run drives the state machine until ctx is cancelled.
func (c *Communicator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case result := <-c.ResultCh:
			c.sendResult(result)
			c.state = Idle
		default:
		}

		switch c.state {
		case Idle:
			c.tryAdvance()
		case Waiting:
			c.tryAdvance()
		case Trying:
			if time.Since(c.awaitingSince) > c.cfg.RequestTimeout {
				c.log.Warn().Str("broker_id", c.awaiting).Msg("GET_JOB timed out, dropping broker")
				delete(c.brokers, c.awaiting)
				c.awaiting = ""
				c.state = Waiting
			}
		case Processing:
			// waiting on ResultCh, handled above
		}

		sock, err := c.poll.Wait(c.cfg.PollTimeout)
		if err != nil {
			c.log.Error().Err(err).Msg("poller wait failed")
			continue
		}
		if sock == nil {
			continue
		}
		if sock == c.req {
			c.handleReqReply()
			continue
		}
		c.handleSub(sock)
	}
}

// tryAdvance picks the best available broker and sends GET_JOB, moving
// from Idle/Waiting to Trying; if no broker advertises work it stays (or
// becomes) Waiting.
func (c *Communicator) tryAdvance() {
	best := c.selectBroker()
	if best == "" {
		c.state = Waiting
		return
	}
	if err := c.req.Send([][]byte{[]byte(best), []byte("GET_JOB")}); err != nil {
		c.log.Error().Err(err).Msg("send GET_JOB failed")
		return
	}
	c.awaiting = best
	c.awaitingSince = time.Now()
	c.state = Trying
}

// selectBroker implements the ordering spec §4.5 requires: highest
// priority first, queue length breaking ties (a longer queue is more
// likely to still have work by the time we ask).
func (c *Communicator) selectBroker() string {
	var bestID string
	var best *availability
	for id, a := range c.brokers {
		if best == nil ||
			a.priority > best.priority ||
			(a.priority == best.priority && a.queueLength > best.queueLength) {
			best, bestID = a, id
		}
	}
	return bestID
}

func (c *Communicator) handleReqReply() {
	frames, err := c.req.Recv()
	if err != nil {
		c.log.Error().Err(err).Msg("req recv failed")
		return
	}
	// The broker's ROUTER reply starts with the empty delimiter frame
	// that Envelope.Wrap adds; skip it.
	if len(frames) > 0 && len(frames[0]) == 0 {
		frames = frames[1:]
	}
	if len(frames) == 0 {
		return
	}
	switch string(frames[0]) {
	case "JOB":
		if c.state != Trying {
			c.log.Warn().Msg("unexpected JOB offer while not Trying, dropping")
			return
		}
		if len(frames) < 2 {
			return
		}
		job, err := tile.Unmarshal(frames[1])
		if err != nil {
			c.log.Warn().Err(err).Msg("malformed JOB payload, dropping")
			return
		}
		c.state = Processing
		c.JobCh <- job
	case "NO JOBS":
		if c.state == Trying {
			c.state = Waiting
		}
	default:
		c.log.Warn().Str("frame", string(frames[0])).Msg("unexpected req reply")
	}
}

func (c *Communicator) handleSub(sock *transport.Socket) {
	frames, err := sock.Recv()
	if err != nil {
		c.log.Error().Err(err).Msg("sub recv failed")
		return
	}
	if len(frames) < 4 {
		return
	}
	brokerID := string(frames[0])
	priority := int(beUint32(frames[2]))
	queueLength := beUint64(frames[3])

	a, ok := c.brokers[brokerID]
	if !ok {
		a = &availability{}
		c.brokers[brokerID] = a
	}
	a.priority = priority
	a.queueLength = queueLength
	a.lastSeen = time.Now()

	if c.state == Waiting {
		c.tryAdvance()
	}
}

func (c *Communicator) sendResult(job tile.Job) {
	if err := c.req.Send([][]byte{[]byte(c.awaiting), []byte("RESULT"), tile.Marshal(job)}); err != nil {
		c.log.Error().Err(err).Msg("send RESULT failed")
	}
}

func beUint32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func beUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
