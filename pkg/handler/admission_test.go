package handler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mapquest/rendermq/pkg/tile"
)

func TestDecide(t *testing.T) {
	th := Thresholds{Stale: 2, Satisfy: 5, Max: 10}

	tests := []struct {
		name        string
		status      tile.Status
		queueLength uint64
		th          Thresholds
		want        Action
	}{
		{"fresh always serves", tile.Done, 1000, th, ActionReplyData},
		{"missing under satisfy waits", tile.NotDone, 3, th, ActionEnqueueAndWait},
		{"missing at satisfy is accepted", tile.NotDone, 5, th, ActionAccepted},
		{"missing above max is overloaded", tile.NotDone, 11, th, ActionOverloaded},
		{"stale under stale threshold waits", tile.Ignore, 1, th, ActionEnqueueAndWait},
		{"stale at stale threshold serves stale", tile.Ignore, 2, th, ActionReplyData},
		{"stale at max is overloaded", tile.Ignore, 10, th, ActionOverloaded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.status, tt.queueLength, tt.th)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecideStaleRenderBackground(t *testing.T) {
	th := Thresholds{Stale: 5, Satisfy: 10, Max: 20, StaleRenderBackground: true}
	got := Decide(tile.Ignore, 1, th)
	assert.Equal(t, ActionAccepted, got)
}

func TestHandlerAdmissionScenario(t *testing.T) {
	// spec §8 scenario 5: stale=2, satisfy=5, max=10.
	th := Thresholds{Stale: 2, Satisfy: 5, Max: 10}

	got := Decide(tile.NotDone, 7, th)
	assert.Equal(t, ActionAccepted, got)

	got = Decide(tile.NotDone, 11, th)
	assert.Equal(t, ActionOverloaded, got)
}
