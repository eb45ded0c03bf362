package expiry

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/rs/zerolog"

	"github.com/mapquest/rendermq/pkg/log"
	"github.com/mapquest/rendermq/pkg/tile"
	"github.com/mapquest/rendermq/pkg/transport"
)

// Heartbeat is the binary-star liveness interval: a node announces its
// state to its peer this often, and a peer is presumed dead after twice
// this long without hearing from it (tracked by FSM internally).
const Heartbeat = time.Second

// Config is a Server's bind/connect configuration. FrontendEndpoint and
// StatePubEndpoint are both bound locally; PeerStateSubEndpoint connects
// to the other node's StatePubEndpoint.
type Config struct {
	InitialState         State
	FrontendEndpoint     string
	StatePubEndpoint     string
	PeerStateSubEndpoint string
}

// Server is one node of the redundant expiry pair: it answers client
// queries and set/clear commands for expired-tile fingerprints while
// active, and tracks its peer's announced state to know when to take
// over or step aside.
type Server struct {
	cfg Config
	log zerolog.Logger

	fsm     *FSM
	expired *Store

	frontend *transport.Socket
	statePub *transport.Socket
	stateSub *transport.Socket
	poller   *transport.Poller
}

// NewServer binds the server's sockets and returns it ready to Run.
func NewServer(cfg Config) (*Server, error) {
	frontend, err := transport.NewRouter(cfg.FrontendEndpoint)
	if err != nil {
		return nil, err
	}
	statePub, err := transport.NewPub(cfg.StatePubEndpoint)
	if err != nil {
		return nil, err
	}
	stateSub, err := transport.NewSub(cfg.PeerStateSubEndpoint)
	if err != nil {
		return nil, err
	}

	poller, err := transport.NewPoller(frontend, stateSub)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:      cfg,
		log:      log.WithComponent("expiry-server").With().Str("state", cfg.InitialState.String()).Logger(),
		fsm:      NewFSM(cfg.InitialState, Heartbeat),
		expired:  NewStore(),
		frontend: frontend,
		statePub: statePub,
		stateSub: stateSub,
		poller:   poller,
	}, nil
}

// Close releases the server's sockets.
func (s *Server) Close() {
	s.poller.Destroy()
	s.frontend.Destroy()
	s.statePub.Destroy()
	s.stateSub.Destroy()
}

// Run drives the server until ctx is cancelled or the binary-star state
// machine rejects an event — at which point, matching the original
// implementation exactly, the server stops rather than continuing in an
// inconsistent state. A supervising process is expected to restart it.
func (s *Server) Run(ctx context.Context) error {
	nextHeartbeat := time.Now().Add(Heartbeat)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		wait := time.Until(nextHeartbeat)
		if wait < 0 {
			wait = 0
		}

		sock, err := s.poller.Wait(wait)
		if err != nil {
			s.log.Error().Err(err).Msg("poller wait failed")
			return err
		}

		if sock == s.frontend {
			if !s.handleFrontend() {
				return nil
			}
		}
		if sock == s.stateSub {
			if !s.handlePeerState() {
				return nil
			}
		}

		if !time.Now().Before(nextHeartbeat) {
			s.publishState()
			nextHeartbeat = nextHeartbeat.Add(Heartbeat)
		}
	}
}

// handleFrontend answers one client request: a tile plus an optional
// value frame. No value frame means a lookup query; value != 0 marks
// the tile expired, value == 0 clears it. Returns false if the binary
// star state machine rejected serving this request, signalling the
// caller to stop the server.
func (s *Server) handleFrontend() bool {
	frames, err := s.frontend.Recv()
	if err != nil {
		s.log.Error().Err(err).Msg("frontend recv failed")
		return true
	}
	env, body, ok := transport.SplitEnvelope(frames)
	if !ok || len(body) == 0 {
		s.log.Warn().Msg("frontend: malformed envelope, dropping")
		return true
	}

	if err := s.fsm.Event(EventClientRequest); err != nil {
		s.log.Warn().Err(err).Msg("client request rejected by state machine")
		return false
	}

	job, err := tile.Unmarshal(body[0])
	if err != nil {
		s.log.Warn().Err(err).Msg("frontend: malformed tile, dropping")
		return true
	}

	var response bool
	if len(body) > 1 && len(body[1]) >= 4 {
		if binary.BigEndian.Uint32(body[1]) != 0 {
			s.expired.SetExpired(job.Style, job.Format, job.Z, job.X, job.Y)
			response = true
		} else {
			s.expired.ClearExpired(job.Style, job.Format, job.Z, job.X, job.Y)
			response = true
		}
	} else {
		response = s.expired.IsExpired(job.Style, job.Format, job.Z, job.X, job.Y)
	}

	reply := uint32(0)
	if response {
		reply = 1
	}
	if err := s.frontend.Send(env.Wrap(putUint32(reply))); err != nil {
		s.log.Error().Err(err).Msg("frontend reply failed")
	}
	return true
}

// handlePeerState applies an announced peer state as an event. Returns
// false on split brain or any other rejection, signalling the caller to
// stop the server.
func (s *Server) handlePeerState() bool {
	frames, err := s.stateSub.Recv()
	if err != nil {
		s.log.Error().Err(err).Msg("statesub recv failed")
		return true
	}
	if len(frames) == 0 || len(frames[0]) < 4 {
		return true
	}
	peerState := State(binary.BigEndian.Uint32(frames[0]))

	var ev Event
	switch peerState {
	case Primary:
		ev = EventPeerPrimary
	case Backup:
		ev = EventPeerBackup
	case Active:
		ev = EventPeerActive
	case Passive:
		ev = EventPeerPassive
	default:
		return true
	}

	if err := s.fsm.Event(ev); err != nil {
		s.log.Error().Err(err).Str("peer_state", peerState.String()).Msg("peer state event rejected")
		return false
	}
	return true
}

func (s *Server) publishState() {
	if err := s.statePub.Send([][]byte{putUint32(uint32(s.fsm.State()))}); err != nil {
		s.log.Error().Err(err).Msg("state publish failed")
	}
}

func putUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}
