package expiry

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mapquest/rendermq/pkg/log"
	"github.com/mapquest/rendermq/pkg/tile"
	"github.com/mapquest/rendermq/pkg/transport"
)

// RequestTimeout is how long the client waits for a reply from the node
// it believes is active before assuming it has failed.
const RequestTimeout = time.Second

// SettleTimeout is how long the client waits after tearing down a
// timed-out connection before reconnecting to the other node, giving
// ZeroMQ's own reconnect/teardown machinery time to settle.
const SettleTimeout = 2 * time.Second

// Client is the failover-aware RPC wrapper a handler or worker uses to
// query or set a tile's expired flag: it always talks to one endpoint,
// and on timeout swaps to the other and retries exactly once.
type Client struct {
	log zerolog.Logger

	endpoints [2]string
	current   int
	sock      *transport.Socket
}

// NewClient connects to primary, keeping backup in reserve for failover.
func NewClient(primary, backup string) (*Client, error) {
	sock, err := transport.NewReq(primary)
	if err != nil {
		return nil, err
	}
	return &Client{
		log:       log.WithComponent("expiry-client"),
		endpoints: [2]string{primary, backup},
		current:   0,
		sock:      sock,
	}, nil
}

// Close releases the client's socket.
func (c *Client) Close() {
	c.sock.Destroy()
}

// IsExpired queries whether a tile is marked expired.
func (c *Client) IsExpired(job tile.Job) (bool, error) {
	return c.call(job, nil)
}

// SetExpired marks a tile expired (expired=true) or clears the mark
// (expired=false).
func (c *Client) SetExpired(job tile.Job, expired bool) (bool, error) {
	value := uint32(0)
	if expired {
		value = 1
	}
	return c.call(job, putUint32(value))
}

// call sends a request to the current endpoint, failing over to the
// other one exactly once if the first attempt times out.
func (c *Client) call(job tile.Job, value []byte) (bool, error) {
	reply, err := c.attempt(job, value)
	if err == nil {
		return reply, nil
	}

	c.log.Warn().Err(err).Str("endpoint", c.endpoints[c.current]).Msg("request timed out, failing over")
	c.failover()

	reply, err = c.attempt(job, value)
	if err != nil {
		return false, fmt.Errorf("expiry: both endpoints unreachable: %w", err)
	}
	return reply, nil
}

func (c *Client) attempt(job tile.Job, value []byte) (bool, error) {
	frame := [][]byte{tile.Marshal(job)}
	if value != nil {
		frame = append(frame, value)
	}
	if err := c.sock.Send(frame); err != nil {
		return false, err
	}

	poller, err := transport.NewPoller(c.sock)
	if err != nil {
		return false, err
	}
	defer poller.Destroy()

	ready, err := poller.Wait(RequestTimeout)
	if err != nil {
		return false, err
	}
	if ready == nil {
		return false, fmt.Errorf("expiry: request to %s timed out", c.endpoints[c.current])
	}

	frames, err := c.sock.Recv()
	if err != nil {
		return false, err
	}
	if len(frames) == 0 || len(frames[0]) < 4 {
		return false, fmt.Errorf("expiry: malformed reply")
	}
	return binary.BigEndian.Uint32(frames[0]) != 0, nil
}

// failover tears down the current connection, waits SettleTimeout, and
// reconnects to the other configured endpoint.
func (c *Client) failover() {
	c.sock.Destroy()
	time.Sleep(SettleTimeout)

	c.current = 1 - c.current
	sock, err := transport.NewReq(c.endpoints[c.current])
	if err != nil {
		c.log.Error().Err(err).Str("endpoint", c.endpoints[c.current]).Msg("failover reconnect failed")
		return
	}
	c.sock = sock
}
