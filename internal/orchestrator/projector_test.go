package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/switchboard/internal/broadcast"
	"github.com/zulandar/switchboard/internal/connection"
	"github.com/zulandar/switchboard/internal/models"
)

var projectNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func statuses(p Plan) []models.InstanceStatus {
	var out []models.InstanceStatus
	for _, w := range p.Writes {
		out = append(out, w.Status)
	}
	return out
}

func TestProject_Transitions(t *testing.T) {
	tests := []struct {
		name       string
		current    models.InstanceStatus
		event      connection.Event
		wantWrites []models.InstanceStatus
		wantTopics []broadcast.Topic
		release    bool
		clear      bool
	}{
		{
			name:       "pairing code from fresh run",
			current:    "",
			event:      connection.PairingCodeIssued{Code: "ABC"},
			wantWrites: []models.InstanceStatus{models.StatusPairingPending},
			wantTopics: []broadcast.Topic{broadcast.TopicPairingCode},
		},
		{
			name:       "refreshed pairing code",
			current:    models.StatusPairingPending,
			event:      connection.PairingCodeIssued{Code: "DEF"},
			wantWrites: []models.InstanceStatus{models.StatusPairingPending},
			wantTopics: []broadcast.Topic{broadcast.TopicPairingCode},
		},
		{
			name:    "pairing code while connected is ignored",
			current: models.StatusConnected,
			event:   connection.PairingCodeIssued{Code: "late"},
		},
		{
			name:       "authenticated opens the run",
			current:    "",
			event:      connection.Authenticated{},
			wantWrites: []models.InstanceStatus{models.StatusPairingPending},
			wantTopics: []broadcast.Topic{broadcast.TopicInstanceStatus},
		},
		{
			name:    "authenticated while pairing is log only",
			current: models.StatusPairingPending,
			event:   connection.Authenticated{},
		},
		{
			name:       "ready after pairing",
			current:    models.StatusPairingPending,
			event:      connection.Ready{Identity: "5511999"},
			wantWrites: []models.InstanceStatus{models.StatusConnected},
			wantTopics: []broadcast.Topic{broadcast.TopicInstanceStatus},
		},
		{
			name:       "ready as first event passes through pairing",
			current:    "",
			event:      connection.Ready{Identity: "5511999"},
			wantWrites: []models.InstanceStatus{models.StatusPairingPending, models.StatusConnected},
			wantTopics: []broadcast.Topic{broadcast.TopicInstanceStatus},
		},
		{
			name:       "duplicate ready reapplies",
			current:    models.StatusConnected,
			event:      connection.Ready{Identity: "5511999"},
			wantWrites: []models.InstanceStatus{models.StatusConnected},
			wantTopics: []broadcast.Topic{broadcast.TopicInstanceStatus},
		},
		{
			name:       "disconnected",
			current:    models.StatusConnected,
			event:      connection.Disconnected{Reason: "bye"},
			wantWrites: []models.InstanceStatus{models.StatusDisconnected},
			wantTopics: []broadcast.Topic{broadcast.TopicInstanceStatus},
			release:    true,
		},
		{
			name:       "auth failed",
			current:    models.StatusPairingPending,
			event:      connection.AuthFailed{Reason: "revoked"},
			wantWrites: []models.InstanceStatus{models.StatusError},
			wantTopics: []broadcast.Topic{broadcast.TopicInstanceStatus},
			release:    true,
			clear:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Project("I1", tt.current, tt.event, projectNow)
			assert.Equal(t, tt.wantWrites, statuses(p))
			var topics []broadcast.Topic
			for _, b := range p.Broadcasts {
				topics = append(topics, b.Topic)
			}
			assert.Equal(t, tt.wantTopics, topics)
			assert.Equal(t, tt.release, p.Release)
			assert.Equal(t, tt.clear, p.ClearSession)
			assert.Nil(t, p.Ingest)
		})
	}
}

func TestProject_PairingCodePayload(t *testing.T) {
	p := Project("I1", "", connection.PairingCodeIssued{Code: "ABC"}, projectNow)
	require.Len(t, p.Writes, 1)
	require.NotNil(t, p.Writes[0].Fields.LastPairingPayload)
	assert.Equal(t, "ABC", *p.Writes[0].Fields.LastPairingPayload)
	assert.Equal(t, broadcast.PairingCode{InstanceID: "I1", Code: "ABC"}, p.Broadcasts[0].Payload)
}

func TestProject_ReadyFields(t *testing.T) {
	p := Project("I1", models.StatusPairingPending, connection.Ready{Identity: "5511999"}, projectNow)
	require.Len(t, p.Writes, 1)
	f := p.Writes[0].Fields
	require.NotNil(t, f.PhoneNumber)
	assert.Equal(t, "5511999", *f.PhoneNumber)
	require.NotNil(t, f.LastConnectedAt)
	assert.True(t, f.LastConnectedAt.Equal(projectNow))
	assert.True(t, f.ClearPairingPayload)
	assert.Equal(t, broadcast.InstanceStatus{
		InstanceID:  "I1",
		Status:      models.StatusConnected,
		PhoneNumber: "5511999",
	}, p.Broadcasts[0].Payload)
}

func TestProject_Messages(t *testing.T) {
	in := connection.InboundMessage{ExternalAddress: "5511888@net", Body: "hi", ExternalMessageID: "m1"}
	p := Project("I1", models.StatusConnected, connection.MessageReceived{Message: in}, projectNow)
	require.NotNil(t, p.Ingest)
	assert.Equal(t, in, *p.Ingest)
	assert.Empty(t, p.Writes)
	assert.Empty(t, p.Broadcasts)

	in.FromSelf = true
	p = Project("I1", models.StatusConnected, connection.MessageReceived{Message: in}, projectNow)
	assert.Nil(t, p.Ingest)
}

func TestProject_StatusSequenceIsOrdered(t *testing.T) {
	rank := map[models.InstanceStatus]int{
		models.StatusCreated:        0,
		models.StatusPairingPending: 1,
		models.StatusConnected:      2,
		models.StatusDisconnected:   3,
		models.StatusError:          3,
	}
	runs := [][]connection.Event{
		{connection.PairingCodeIssued{Code: "A"}, connection.Authenticated{}, connection.Ready{Identity: "x"}, connection.Disconnected{}},
		{connection.Authenticated{}, connection.Ready{Identity: "x"}, connection.Ready{Identity: "x"}},
		{connection.Ready{Identity: "x"}, connection.PairingCodeIssued{Code: "late"}, connection.AuthFailed{}},
		{connection.PairingCodeIssued{Code: "A"}, connection.PairingCodeIssued{Code: "B"}, connection.AuthFailed{}},
	}
	for i, run := range runs {
		var current models.InstanceStatus
		var seq []models.InstanceStatus
		for _, ev := range run {
			p := Project("I1", current, ev, projectNow)
			seq = append(seq, statuses(p)...)
			current = finalStatus(p, current)
		}
		for j := 1; j < len(seq); j++ {
			assert.LessOrEqual(t, rank[seq[j-1]], rank[seq[j]], "run %d: %v", i, seq)
		}
		if len(seq) > 0 {
			assert.Equal(t, models.StatusPairingPending, seq[0], "run %d must open in PAIRING_PENDING", i)
		}
	}
}

// finalStatus returns the status p leaves the instance in.
func finalStatus(p Plan, current models.InstanceStatus) models.InstanceStatus {
	if len(p.Writes) == 0 {
		return current
	}
	return p.Writes[len(p.Writes)-1].Status
}
