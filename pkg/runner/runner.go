// Package runner implements the handler-side broker client: the
// consistent-hash-routed connection a handler uses to submit jobs to
// whichever broker owns a given metatile, and to receive the matching
// results back.
package runner

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/mapquest/rendermq/pkg/hashring"
	"github.com/mapquest/rendermq/pkg/log"
	"github.com/mapquest/rendermq/pkg/metrics"
	"github.com/mapquest/rendermq/pkg/tile"
	"github.com/mapquest/rendermq/pkg/transport"
)

// ErrStillSettling is returned by Send during the startup settle window,
// before the runner has a full view of which brokers are live.
var ErrStillSettling = errors.New("runner: still settling")

// ErrNoBrokersAvailable is returned by Send when the consistent-hash ring
// has no live brokers to route a job to.
var ErrNoBrokersAvailable = errors.New("runner: no brokers available")

// MaxQueueLength is reported by QueueLength while settling, so that the
// handler's admission tiers treat the queue as maximally loaded rather
// than falsely empty before any broker has been heard from.
const MaxQueueLength = math.MaxUint64 >> 1

// heartbeat tracks what a runner has last heard from one broker.
type heartbeat struct {
	time        time.Time
	queueSize   uint64
	isLive      bool
}

// Config configures a Runner.
type Config struct {
	BrokerReqEndpoints []string
	BrokerSubEndpoints map[string]string // broker id -> front-pub endpoint

	SettleTime           time.Duration
	LivenessTime         time.Duration
	ResubscribeInterval  time.Duration
	Repeats              int
}

func (c *Config) setDefaults() {
	if c.SettleTime <= 0 {
		c.SettleTime = 5 * time.Second
	}
	if c.LivenessTime <= 0 {
		c.LivenessTime = 30 * time.Second
	}
	if c.ResubscribeInterval <= 0 {
		c.ResubscribeInterval = 3600 * time.Second
	}
	if c.Repeats <= 0 {
		c.Repeats = 100
	}
}

// Runner is the handler-side broker client.
type Runner struct {
	cfg Config
	log zerolog.Logger

	req *transport.Socket
	sub *transport.Socket

	ring       *hashring.Ring[tile.Key, string]
	heartbeats map[string]*heartbeat
	liveBrokers map[string]bool

	startedAt          time.Time
	lastSubReconnect   time.Time

	// Results delivers jobs completed by a broker, for the handler
	// pipeline to match back up to its waiting HTTP request.
	Results chan tile.Job
}

// New connects the runner's request and subscription sockets.
func New(cfg Config) (*Runner, error) {
	cfg.setDefaults()
	if len(cfg.BrokerReqEndpoints) == 0 {
		return nil, fmt.Errorf("runner: at least one broker req endpoint required")
	}

	req, err := transport.NewDealer(cfg.BrokerReqEndpoints[0])
	if err != nil {
		return nil, err
	}
	for _, ep := range cfg.BrokerReqEndpoints[1:] {
		if err := req.Connect(ep); err != nil {
			return nil, err
		}
	}

	sub, err := newSub(cfg.BrokerSubEndpoints)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:         cfg,
		log:         log.WithComponent("handler-runner"),
		req:         req,
		sub:         sub,
		ring:        hashring.New[tile.Key, string](cfg.Repeats, tile.Key.Hash, hashring.StringHasher),
		heartbeats:  make(map[string]*heartbeat),
		liveBrokers: make(map[string]bool),
		startedAt:   time.Now(),
		lastSubReconnect: time.Now(),
		Results:     make(chan tile.Job, 16),
	}
	return r, nil
}

func newSub(endpoints map[string]string) (*transport.Socket, error) {
	var sock *transport.Socket
	for _, ep := range endpoints {
		if sock == nil {
			s, err := transport.NewSub(ep)
			if err != nil {
				return nil, err
			}
			sock = s
			continue
		}
		if err := sock.Connect(ep); err != nil {
			return nil, err
		}
	}
	if sock == nil {
		return nil, fmt.Errorf("runner: at least one broker sub endpoint required")
	}
	return sock, nil
}

// Close releases the runner's sockets.
func (r *Runner) Close() {
	r.req.Destroy()
	r.sub.Destroy()
}

// settling reports whether the runner is still inside its startup window.
func (r *Runner) settling() bool {
	return time.Since(r.startedAt) < r.cfg.SettleTime
}

// Send routes job to the broker its metatile key hashes to.
func (r *Runner) Send(job tile.Job) error {
	if r.settling() {
		return ErrStillSettling
	}
	r.updateLiveBrokers()

	brokerID, ok := r.ring.Lookup(job.Key())
	if !ok {
		return ErrNoBrokersAvailable
	}
	if err := r.req.Send([][]byte{[]byte(brokerID), tile.Marshal(job)}); err != nil {
		return fmt.Errorf("runner: send to broker %s: %w", brokerID, err)
	}
	return nil
}

// HandleEvents drains whichever of the runner's sockets is ready,
// delivering completed jobs to Results and updating heartbeat state from
// the subscription socket. Call after a Poller reports one of these
// sockets readable.
func (r *Runner) HandleEvents(sock *transport.Socket) error {
	switch sock {
	case r.req:
		return r.handleReqReply()
	case r.sub:
		return r.handleHeartbeat()
	}
	return nil
}

// Sockets returns the sockets a caller should register with a Poller.
func (r *Runner) Sockets() (req, sub *transport.Socket) {
	return r.req, r.sub
}

func (r *Runner) handleReqReply() error {
	frames, err := r.req.Recv()
	if err != nil {
		return fmt.Errorf("runner: req recv: %w", err)
	}
	// The broker's ROUTER reply starts with the empty delimiter frame
	// that Envelope.Wrap adds; skip it.
	if len(frames) > 0 && len(frames[0]) == 0 {
		frames = frames[1:]
	}
	if len(frames) == 0 {
		return nil
	}
	job, err := tile.Unmarshal(frames[0])
	if err != nil {
		r.log.Warn().Err(err).Msg("malformed job reply, dropping")
		return nil
	}
	r.Results <- job
	return nil
}

func (r *Runner) handleHeartbeat() error {
	frames, err := r.sub.Recv()
	if err != nil {
		return fmt.Errorf("runner: sub recv: %w", err)
	}
	if len(frames) < 2 {
		return nil
	}
	brokerID := string(frames[0])
	queueSize := beUint64(frames[1])

	hb, ok := r.heartbeats[brokerID]
	if !ok {
		hb = &heartbeat{}
		r.heartbeats[brokerID] = hb
	}
	hb.time = time.Now()
	hb.queueSize = queueSize
	return nil
}

// updateLiveBrokers promotes/demotes ring membership by heartbeat
// freshness and reconnects the subscription socket if the resubscribe
// interval has elapsed, matching spec §4.6 exactly.
func (r *Runner) updateLiveBrokers() {
	now := time.Now()
	for id, hb := range r.heartbeats {
		live := now.Sub(hb.time) < r.cfg.LivenessTime
		if live && !hb.isLive {
			r.ring.Insert(id)
			r.liveBrokers[id] = true
		} else if !live && hb.isLive {
			r.ring.Erase(id)
			delete(r.liveBrokers, id)
		}
		hb.isLive = live
	}
	metrics.RingLiveBrokers.Set(float64(len(r.liveBrokers)))

	if now.Sub(r.lastSubReconnect) >= r.cfg.ResubscribeInterval {
		r.resubscribe()
		r.lastSubReconnect = now
	}
}

// resubscribe tears down and reconnects the subscription socket, the
// defense against a silent-subscription failure mode spec §4.6 calls for.
func (r *Runner) resubscribe() {
	r.sub.Destroy()
	sock, err := newSub(r.cfg.BrokerSubEndpoints)
	if err != nil {
		r.log.Error().Err(err).Msg("resubscribe failed")
		return
	}
	r.sub = sock
}

// QueueLength reports the mean advertised queue length across live
// brokers, or MaxQueueLength while settling.
func (r *Runner) QueueLength() uint64 {
	if r.settling() {
		return MaxQueueLength
	}
	if len(r.liveBrokers) == 0 {
		return 0
	}
	var total uint64
	for id := range r.liveBrokers {
		if hb, ok := r.heartbeats[id]; ok {
			total += hb.queueSize
		}
	}
	return total / uint64(len(r.liveBrokers))
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
