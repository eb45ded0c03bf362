package handler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapquest/rendermq/pkg/runner"
	"github.com/mapquest/rendermq/pkg/tile"
	"github.com/mapquest/rendermq/pkg/transport"
)

func newTestDispatcher(t *testing.T, reqEndpoint, subEndpoint string) (*Dispatcher, *runner.Runner) {
	t.Helper()
	r, err := runner.New(runner.Config{
		BrokerReqEndpoints: []string{reqEndpoint},
		BrokerSubEndpoints: map[string]string{"broker-1": subEndpoint},
		SettleTime:         time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewDispatcher(ctx, r), r
}

// publishHeartbeatAndWait sends one heartbeat frame to subEndpoint and
// drives it through HandleEvents, so the runner's hash ring has a live
// broker to route Send calls to.
func publishHeartbeatAndWait(t *testing.T, r *runner.Runner, subEndpoint string) {
	t.Helper()
	pub, err := transport.NewPub(subEndpoint)
	require.NoError(t, err)
	defer pub.Destroy()
	time.Sleep(100 * time.Millisecond)

	queueSize := make([]byte, 8)
	require.NoError(t, pub.Send([][]byte{[]byte("broker-1"), queueSize}))

	_, sub := r.Sockets()
	poller, err := transport.NewPoller(sub)
	require.NoError(t, err)
	defer poller.Destroy()

	sock, err := poller.Wait(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, sub, sock)
	require.NoError(t, r.HandleEvents(sock))
}

func TestSubmitReturnsResultDeliveredOnRunnerResults(t *testing.T) {
	reqEndpoint := "inproc://dispatch-test-req"
	router, err := transport.NewRouter(reqEndpoint)
	require.NoError(t, err)
	defer router.Destroy()

	d, r := newTestDispatcher(t, reqEndpoint, "inproc://dispatch-test-sub")
	time.Sleep(2 * time.Millisecond)
	publishHeartbeatAndWait(t, r, "inproc://dispatch-test-sub")

	// Drain whatever Submit sends to the broker so the test isn't left
	// with a router holding an unread message.
	go func() {
		poller, err := transport.NewPoller(router)
		if err != nil {
			return
		}
		defer poller.Destroy()
		sock, err := poller.Wait(2 * time.Second)
		if err != nil || sock == nil {
			return
		}
		router.Recv()
	}()

	job := tile.Job{Style: "osm", Z: 1, X: 0, Y: 0, Status: tile.Render}

	resultCh := make(chan tile.Job, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := d.Submit(job, 2*time.Second)
		resultCh <- result
		errCh <- err
	}()

	// Give Submit a moment to register its waiter before the result
	// arrives, mirroring the real race between Send and the reply.
	time.Sleep(50 * time.Millisecond)
	done := tile.Job{Style: "osm", Z: 1, X: 0, Y: 0, Status: tile.Done, Image: []byte("png bytes")}
	r.Results <- done

	require.NoError(t, <-errCh)
	got := <-resultCh
	assert.Equal(t, tile.Done, got.Status)
	assert.Equal(t, []byte("png bytes"), got.Image)
}

func TestSubmitTimesOutWithoutAMatchingResult(t *testing.T) {
	reqEndpoint := "inproc://dispatch-test-timeout-req"
	router, err := transport.NewRouter(reqEndpoint)
	require.NoError(t, err)
	defer router.Destroy()

	d, r := newTestDispatcher(t, reqEndpoint, "inproc://dispatch-test-timeout-sub")
	time.Sleep(2 * time.Millisecond)
	publishHeartbeatAndWait(t, r, "inproc://dispatch-test-timeout-sub")

	go func() {
		poller, err := transport.NewPoller(router)
		if err != nil {
			return
		}
		defer poller.Destroy()
		sock, err := poller.Wait(2 * time.Second)
		if err != nil || sock == nil {
			return
		}
		router.Recv()
	}()

	job := tile.Job{Style: "osm", Z: 1, X: 0, Y: 0, Status: tile.Render}
	_, err = d.Submit(job, 20*time.Millisecond)
	assert.Error(t, err)
}

func TestSubmitPropagatesSendError(t *testing.T) {
	// SettleTime never elapses, so the runner's Send always fails with
	// ErrStillSettling and Submit should surface that immediately.
	r, err := runner.New(runner.Config{
		BrokerReqEndpoints: []string{"inproc://dispatch-test-settle-req"},
		BrokerSubEndpoints: map[string]string{"broker-1": "inproc://dispatch-test-settle-sub"},
		SettleTime:         time.Hour,
	})
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := NewDispatcher(ctx, r)

	job := tile.Job{Style: "osm", Z: 1, X: 0, Y: 0, Status: tile.Render}
	_, err = d.Submit(job, time.Second)
	assert.ErrorIs(t, err, runner.ErrStillSettling)
}
