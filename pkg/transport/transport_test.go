package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollerWaitTimesOutWithNothingReady(t *testing.T) {
	rep, err := NewRep("inproc://transport-test-idle")
	require.NoError(t, err)
	defer rep.Destroy()

	poller, err := NewPoller(rep)
	require.NoError(t, err)
	defer poller.Destroy()

	sock, err := poller.Wait(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, sock)
}

func TestRouterDealerRoundTrip(t *testing.T) {
	endpoint := "inproc://transport-test-router"
	router, err := NewRouter(endpoint)
	require.NoError(t, err)
	defer router.Destroy()

	dealer, err := NewDealer(endpoint)
	require.NoError(t, err)
	defer dealer.Destroy()

	require.NoError(t, dealer.Send([][]byte{[]byte("hello")}))

	poller, err := NewPoller(router)
	require.NoError(t, err)
	defer poller.Destroy()

	sock, err := poller.Wait(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, router, sock)

	frames, err := router.Recv()
	require.NoError(t, err)

	env, body, ok := SplitEnvelope(frames)
	require.True(t, ok)
	require.Equal(t, [][]byte{[]byte("hello")}, body)

	require.NoError(t, router.Send(env.Wrap([]byte("world"))))

	reply, err := dealer.Recv()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("world")}, reply)
}

func TestPubSubDeliversMessage(t *testing.T) {
	endpoint := "inproc://transport-test-pubsub"
	pub, err := NewPub(endpoint)
	require.NoError(t, err)
	defer pub.Destroy()

	sub, err := NewSub(endpoint)
	require.NoError(t, err)
	defer sub.Destroy()

	// inproc PUB/SUB still has a slow-joiner window; give the subscriber
	// a moment to attach before publishing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, pub.Send([][]byte{[]byte("broker-1"), []byte("heartbeat")}))

	poller, err := NewPoller(sub)
	require.NoError(t, err)
	defer poller.Destroy()

	sock, err := poller.Wait(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, sub, sock)

	frames, err := sub.Recv()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("broker-1"), []byte("heartbeat")}, frames)
}
