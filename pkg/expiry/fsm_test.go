package expiry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFSMPeerTransitions(t *testing.T) {
	tests := []struct {
		name    string
		initial State
		event   Event
		want    State
		wantErr error
	}{
		{"primary sees peer backup becomes active", Primary, EventPeerBackup, Active, nil},
		{"primary sees peer active becomes passive", Primary, EventPeerActive, Passive, nil},
		{"backup sees peer active becomes passive", Backup, EventPeerActive, Passive, nil},
		{"passive sees peer primary becomes active", Passive, EventPeerPrimary, Active, nil},
		{"passive sees peer backup becomes active", Passive, EventPeerBackup, Active, nil},
		{"active sees peer active is split brain", Active, EventPeerActive, Active, ErrSplitBrain},
		{"passive sees peer passive is split brain", Passive, EventPeerPassive, Passive, ErrSplitBrain},
		{"backup rejects client request", Backup, EventClientRequest, Backup, ErrRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFSM(tt.initial, time.Second)
			err := f.Event(tt.event)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, f.State())
		})
	}
}

func TestFSMPassiveFailoverOnExpiredPeer(t *testing.T) {
	f := NewFSM(Passive, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	err := f.Event(EventClientRequest)
	assert.NoError(t, err)
	assert.Equal(t, Active, f.State())
}

func TestFSMPassiveRejectsClientRequestBeforePeerExpires(t *testing.T) {
	f := NewFSM(Passive, time.Hour)

	err := f.Event(EventClientRequest)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, Passive, f.State())
}

func TestFSMPeerEventRefreshesExpiry(t *testing.T) {
	f := NewFSM(Passive, time.Hour)
	before := f.peerExpiry

	err := f.Event(EventPeerPrimary)
	assert.NoError(t, err)
	assert.Equal(t, Active, f.State())
	assert.True(t, f.peerExpiry.After(before) || f.peerExpiry.Equal(before))
}
