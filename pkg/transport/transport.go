// Package transport wraps the ZeroMQ socket types RenderMQ's wire
// protocol needs (router/dealer request-reply with routing envelopes,
// publish/subscribe) over github.com/zeromq/goczmq/v4, the cgo binding to
// libzmq. It is a thin layer: callers work in terms of multipart
// [][]byte frames and a millisecond-resolution Poller, matching the
// shape the original implementation's zmq_backend used and the pattern
// the Majordomo broker example wraps czmq.Sock in.
package transport

import (
	"fmt"
	"time"

	czmq "github.com/zeromq/goczmq/v4"
)

// Socket is a framed multipart message endpoint.
type Socket struct {
	sock *czmq.Sock
	kind string
}

// NewRouter binds a ROUTER socket at endpoint. Used by the broker's
// front-req and back-req sockets, which must track the identity frame of
// whoever sent a message in order to route a reply back to them.
func NewRouter(endpoint string) (*Socket, error) {
	sock, err := czmq.NewRouter(endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: bind router %s: %w", endpoint, err)
	}
	return &Socket{sock: sock, kind: "router"}, nil
}

// NewDealer connects a DEALER socket to endpoint. Used by the handler
// runner's out-xreq socket, which fans requests out across every broker
// it's connected to and load-balances replies back.
func NewDealer(endpoint string) (*Socket, error) {
	sock, err := czmq.NewDealer(endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: connect dealer %s: %w", endpoint, err)
	}
	return &Socket{sock: sock, kind: "dealer"}, nil
}

// NewPub binds a PUB socket at endpoint. Used by the broker's front-pub
// and back-pub availability-advertisement sockets.
func NewPub(endpoint string) (*Socket, error) {
	sock, err := czmq.NewPub(endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: bind pub %s: %w", endpoint, err)
	}
	return &Socket{sock: sock, kind: "pub"}, nil
}

// NewSub connects a SUB socket to endpoint, subscribed to every message
// (empty prefix filter — brokers publish only the one topic of interest
// on a given socket).
func NewSub(endpoint string) (*Socket, error) {
	sock, err := czmq.NewSub(endpoint, "")
	if err != nil {
		return nil, fmt.Errorf("transport: connect sub %s: %w", endpoint, err)
	}
	return &Socket{sock: sock, kind: "sub"}, nil
}

// NewReq connects a REQ socket to endpoint. Used by the expiry service's
// failover RPC client and rendermqctl's monitor-socket client.
func NewReq(endpoint string) (*Socket, error) {
	sock, err := czmq.NewReq(endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: connect req %s: %w", endpoint, err)
	}
	return &Socket{sock: sock, kind: "req"}, nil
}

// NewRep binds a REP socket at endpoint. Used by the broker's monitor
// socket and the expiry service's command endpoint.
func NewRep(endpoint string) (*Socket, error) {
	sock, err := czmq.NewRep(endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: bind rep %s: %w", endpoint, err)
	}
	return &Socket{sock: sock, kind: "rep"}, nil
}

// Connect adds another endpoint to an already-open socket. ZeroMQ DEALER
// and SUB sockets may connect to any number of endpoints and treat them
// as one fair-queued peer set, which is how a single worker or handler
// socket talks to every broker without the caller tracking per-broker
// sockets.
func (s *Socket) Connect(endpoint string) error {
	if err := s.sock.Connect(endpoint); err != nil {
		return fmt.Errorf("transport: connect %s socket to %s: %w", s.kind, endpoint, err)
	}
	return nil
}

// Send writes a multipart message.
func (s *Socket) Send(frames [][]byte) error {
	if err := s.sock.SendMessage(frames); err != nil {
		return fmt.Errorf("transport: send on %s socket: %w", s.kind, err)
	}
	return nil
}

// Recv reads one multipart message, blocking until one arrives.
func (s *Socket) Recv() ([][]byte, error) {
	frames, err := s.sock.RecvMessage()
	if err != nil {
		return nil, fmt.Errorf("transport: recv on %s socket: %w", s.kind, err)
	}
	return frames, nil
}

// Raw exposes the underlying czmq socket for Poller registration.
func (s *Socket) Raw() *czmq.Sock { return s.sock }

// Destroy releases the socket.
func (s *Socket) Destroy() {
	s.sock.Destroy()
}

// Poller multiplexes reads across a fixed set of sockets with a bounded
// wait, the only blocking point each reactor goroutine has.
type Poller struct {
	poller *czmq.Poller
	lookup map[*czmq.Sock]*Socket
}

// NewPoller builds a poller over the given sockets.
func NewPoller(sockets ...*Socket) (*Poller, error) {
	raws := make([]*czmq.Sock, len(sockets))
	lookup := make(map[*czmq.Sock]*Socket, len(sockets))
	for i, s := range sockets {
		raws[i] = s.sock
		lookup[s.sock] = s
	}
	p, err := czmq.NewPoller(raws...)
	if err != nil {
		return nil, fmt.Errorf("transport: new poller: %w", err)
	}
	return &Poller{poller: p, lookup: lookup}, nil
}

// Wait blocks up to timeout for a readable socket, returning nil, nil on
// timeout with nothing ready.
func (p *Poller) Wait(timeout time.Duration) (*Socket, error) {
	raw, err := p.poller.Wait(int(timeout.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("transport: poller wait: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	return p.lookup[raw], nil
}

// Destroy releases the poller (not the underlying sockets).
func (p *Poller) Destroy() {
	p.poller.Destroy()
}
