// Package broker implements the single-threaded reactor that routes
// client tile-render jobs to workers: it accepts jobs on its front-req
// socket, coalesces them into the task queue, hands the highest-priority
// unprocessed task to whichever worker asks for one, and routes a
// worker's finished metatile back out to every subscriber waiting on it.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mapquest/rendermq/pkg/log"
	"github.com/mapquest/rendermq/pkg/metatile"
	"github.com/mapquest/rendermq/pkg/metrics"
	"github.com/mapquest/rendermq/pkg/queue"
	"github.com/mapquest/rendermq/pkg/tile"
	"github.com/mapquest/rendermq/pkg/transport"
)

// Config is the broker's bind configuration and timing.
type Config struct {
	ID string

	FrontReqEndpoint string
	FrontPubEndpoint string
	BackReqEndpoint  string
	BackPubEndpoint  string
	MonitorEndpoint  string

	HeartbeatInterval time.Duration
	ZombieTimeout     time.Duration
	PollTimeout       time.Duration
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.ZombieTimeout <= 0 {
		c.ZombieTimeout = 300 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 250 * time.Millisecond
	}
}

// Broker is the reactor. It owns the task queue outright — no other
// goroutine ever touches it — so the queue's own mutex is defense in
// depth, not a requirement.
type Broker struct {
	cfg Config
	log zerolog.Logger

	queue *queue.Queue

	frontReq *transport.Socket
	frontPub *transport.Socket
	backReq  *transport.Socket
	backPub  *transport.Socket
	monitor  *transport.Socket
	poller   *transport.Poller

	topPriority int
	stopCh      chan struct{}
}

// New binds all of the broker's sockets and returns a Broker ready to Run.
func New(cfg Config) (*Broker, error) {
	cfg.setDefaults()

	frontReq, err := transport.NewRouter(cfg.FrontReqEndpoint)
	if err != nil {
		return nil, err
	}
	frontPub, err := transport.NewPub(cfg.FrontPubEndpoint)
	if err != nil {
		return nil, err
	}
	backReq, err := transport.NewRouter(cfg.BackReqEndpoint)
	if err != nil {
		return nil, err
	}
	backPub, err := transport.NewPub(cfg.BackPubEndpoint)
	if err != nil {
		return nil, err
	}
	monitor, err := transport.NewRep(cfg.MonitorEndpoint)
	if err != nil {
		return nil, err
	}

	poller, err := transport.NewPoller(frontReq, backReq, monitor)
	if err != nil {
		return nil, err
	}

	return &Broker{
		cfg:      cfg,
		log:      log.WithComponent("broker").With().Str("broker_id", cfg.ID).Logger(),
		queue:    queue.New(),
		frontReq: frontReq,
		frontPub: frontPub,
		backReq:  backReq,
		backPub:  backPub,
		monitor:  monitor,
		poller:   poller,
		stopCh:   make(chan struct{}),
	}, nil
}

// Close releases every bound socket.
func (b *Broker) Close() {
	b.poller.Destroy()
	b.frontReq.Destroy()
	b.frontPub.Destroy()
	b.backReq.Destroy()
	b.backPub.Destroy()
	b.monitor.Destroy()
}

// Run drives the reactor until ctx is cancelled or a SHUTDOWN command
// arrives on the monitor socket. It blocks only in the poller's bounded
// wait; every handler below must return quickly, per spec's suspension
// point and ordering guarantees.
func (b *Broker) Run(ctx context.Context) error {
	heartbeat := time.NewTicker(b.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	resubmit := time.NewTicker(b.cfg.ZombieTimeout / 10)
	defer resubmit.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.stopCh:
			return nil
		case <-heartbeat.C:
			b.publishHeartbeat()
			continue
		case <-resubmit.C:
			if n := b.queue.ResubmitOlderThan(b.cfg.ZombieTimeout); n > 0 {
				metrics.ZombieResubmissionsTotal.WithLabelValues(b.cfg.ID).Add(float64(n))
			}
			continue
		default:
		}

		sock, err := b.poller.Wait(b.cfg.PollTimeout)
		if err != nil {
			b.log.Error().Err(err).Msg("poller wait failed")
			continue
		}
		if sock == nil {
			continue
		}

		switch sock {
		case b.frontReq:
			b.handleFrontReq()
		case b.backReq:
			b.handleBackReq()
		case b.monitor:
			b.handleMonitor()
		}
	}
}

// Stop requests a clean shutdown from outside the reactor goroutine.
func (b *Broker) Stop() {
	select {
	case <-b.stopCh:
	default:
		close(b.stopCh)
	}
}

func (b *Broker) handleFrontReq() {
	frames, err := b.frontReq.Recv()
	if err != nil {
		b.log.Error().Err(err).Msg("front-req recv failed")
		return
	}
	env, body, ok := transport.SplitEnvelope(frames)
	if !ok || len(body) == 0 {
		b.log.Warn().Msg("front-req: malformed envelope, dropping")
		return
	}
	job, err := tile.Unmarshal(body[0])
	if err != nil {
		b.log.Warn().Err(err).Msg("front-req: malformed job, dropping")
		return
	}

	priority := priorityFor(job.Status)
	b.queue.Push(job, string(env.Identity), priority)

	if priority > b.topPriority {
		b.topPriority = priority
		b.publishBackAvailability()
	}
}

func (b *Broker) handleBackReq() {
	frames, err := b.backReq.Recv()
	if err != nil {
		b.log.Error().Err(err).Msg("back-req recv failed")
		return
	}
	env, body, ok := transport.SplitEnvelope(frames)
	if !ok || len(body) == 0 {
		b.log.Warn().Msg("back-req: malformed envelope, dropping")
		return
	}

	switch string(body[0]) {
	case "GET_JOB":
		b.handleGetJob(env)
	case "RESULT":
		if len(body) < 2 {
			b.log.Warn().Msg("back-req: RESULT missing job frame")
			return
		}
		b.handleResult(body[1])
	default:
		b.log.Warn().Str("command", string(body[0])).Msg("back-req: unknown command")
	}
}

func (b *Broker) handleGetJob(env transport.Envelope) {
	task, ok := b.queue.FrontUnprocessed()
	if !ok {
		if err := b.backReq.Send(env.Wrap(cmdNoJobs)); err != nil {
			b.log.Error().Err(err).Msg("send NO JOBS failed")
		}
		return
	}
	if err := b.backReq.Send(env.Wrap(cmdJob, tile.Marshal(task.Job))); err != nil {
		b.log.Error().Err(err).Msg("send JOB failed")
		return
	}
	b.queue.SetProcessed(task.Job.Key())
}

func (b *Broker) handleResult(jobBytes []byte) {
	result, err := tile.Unmarshal(jobBytes)
	if err != nil {
		b.log.Warn().Err(err).Msg("back-req: malformed RESULT job, dropping")
		return
	}
	key := result.Key()
	task, ok := b.queue.Get(key)
	if !ok {
		b.log.Warn().Interface("key", key).Msg("back-req: RESULT for unknown task")
		return
	}

	for _, sub := range task.Subscribers {
		reply := sub.Job
		reply.Status = tile.Done
		reply.LastModified = result.LastModified
		slice, err := metatile.Slice(result.Image, sub.Job.Format, sub.Job.X, sub.Job.Y)
		if err != nil {
			b.log.Warn().Err(err).Msg("slicing result for subscriber failed")
			reply.Status = tile.NotDone
		} else {
			reply.Image = slice
		}
		env := transport.Envelope{Identity: []byte(sub.Addr)}
		if err := b.frontReq.Send(env.Wrap(tile.Marshal(reply))); err != nil {
			b.log.Error().Err(err).Msg("routing result to subscriber failed")
		}
	}
	b.queue.Erase(key)
	b.recomputeTopPriority()
}

func (b *Broker) recomputeTopPriority() {
	if task, ok := b.queue.FrontUnprocessed(); ok {
		b.topPriority = task.Priority
	} else {
		b.topPriority = 0
	}
}

func (b *Broker) publishHeartbeat() {
	size := uint64(b.queue.Size())
	metrics.QueueSize.WithLabelValues(b.cfg.ID).Set(float64(size))
	metrics.QueueUnprocessed.WithLabelValues(b.cfg.ID).Set(float64(b.queue.CountUnprocessed()))
	if err := b.frontPub.Send([][]byte{[]byte(b.cfg.ID), putUint64(size)}); err != nil {
		b.log.Error().Err(err).Msg("front-pub heartbeat failed")
	}
	b.publishBackAvailability()
}

func (b *Broker) publishBackAvailability() {
	b.recomputeTopPriority()
	unprocessed := uint64(b.queue.CountUnprocessed())
	frame := [][]byte{[]byte(b.cfg.ID), cmdJobsAvailable, putUint32(uint32(b.topPriority)), putUint64(unprocessed)}
	if err := b.backPub.Send(frame); err != nil {
		b.log.Error().Err(err).Msg("back-pub availability failed")
	}
}

func (b *Broker) handleMonitor() {
	frames, err := b.monitor.Recv()
	if err != nil {
		b.log.Error().Err(err).Msg("monitor recv failed")
		return
	}
	if len(frames) == 0 {
		return
	}
	cmd := string(frames[0])

	var reply string
	switch cmd {
	case "CLEAR TASK QUEUE":
		b.queue.Clear()
		reply = "OK"
	case "RESUBMIT ZOMBIE TASKS":
		b.queue.ResubmitOlderThan(0)
		reply = "OK"
	case "STATS":
		reply = fmt.Sprintf("size=%d unprocessed=%d top_priority=%d",
			b.queue.Size(), b.queue.CountUnprocessed(), b.topPriority)
	case "HEARTBEAT":
		reply = "OK"
	case "SHUTDOWN":
		reply = "OK"
		defer b.Stop()
	default:
		reply = "ERROR unknown command"
	}

	if err := b.monitor.Send([][]byte{[]byte(reply)}); err != nil {
		b.log.Error().Err(err).Msg("monitor reply failed")
	}
}

// priorityFor assigns the queue priority conventions from spec's table.
func priorityFor(status tile.Status) int {
	switch status {
	case tile.RenderPrio:
		return queue.PriorityRenderPrio
	case tile.Dirty:
		return queue.PriorityDirty
	case tile.RenderBulk:
		return queue.PriorityRenderBulk
	default:
		return queue.PriorityRender
	}
}
