package orchestrator

import (
	"time"

	"github.com/zulandar/switchboard/internal/broadcast"
	"github.com/zulandar/switchboard/internal/connection"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/store"
)

// StatusWrite is one persisted status transition.
type StatusWrite struct {
	Status models.InstanceStatus
	Fields store.InstanceFields
}

// Emission is one broadcast to publish.
type Emission struct {
	Topic   broadcast.Topic
	Payload any
}

// Plan is the set of side effects a single event produces. Effects are
// applied in field order: writes, session clear, ingestion, broadcasts,
// release.
type Plan struct {
	Writes       []StatusWrite
	ClearSession bool
	Ingest       *connection.InboundMessage
	Broadcasts   []Emission
	// Release removes the instance from the registry and terminates its
	// connection.
	Release bool
	// Note is logged when the event causes no state change.
	Note string
}

// Project maps an event onto side effects given the status already
// persisted in the current run ("" before the first transition). It has no
// side effects of its own.
//
// The first lifecycle event of a run always lands the instance in
// PAIRING_PENDING, so CONNECTED is never persisted before it.
func Project(instanceID string, current models.InstanceStatus, ev connection.Event, now time.Time) Plan {
	switch e := ev.(type) {
	case connection.PairingCodeIssued:
		if current == models.StatusConnected {
			return Plan{Note: "pairing code ignored while connected"}
		}
		code := e.Code
		return Plan{
			Writes: []StatusWrite{{
				Status: models.StatusPairingPending,
				Fields: store.InstanceFields{LastPairingPayload: &code},
			}},
			Broadcasts: []Emission{{
				Topic:   broadcast.TopicPairingCode,
				Payload: broadcast.PairingCode{InstanceID: instanceID, Code: code},
			}},
		}

	case connection.Authenticated:
		if current == models.StatusPairingPending || current == models.StatusConnected {
			return Plan{Note: "credentials accepted"}
		}
		return Plan{
			Writes: []StatusWrite{{Status: models.StatusPairingPending}},
			Broadcasts: []Emission{{
				Topic:   broadcast.TopicInstanceStatus,
				Payload: broadcast.InstanceStatus{InstanceID: instanceID, Status: models.StatusPairingPending},
			}},
			Note: "credentials accepted",
		}

	case connection.Ready:
		var plan Plan
		if current != models.StatusPairingPending && current != models.StatusConnected {
			plan.Writes = append(plan.Writes, StatusWrite{Status: models.StatusPairingPending})
		}
		phone := e.Identity
		connectedAt := now
		plan.Writes = append(plan.Writes, StatusWrite{
			Status: models.StatusConnected,
			Fields: store.InstanceFields{
				PhoneNumber:         &phone,
				LastConnectedAt:     &connectedAt,
				ClearPairingPayload: true,
			},
		})
		plan.Broadcasts = []Emission{{
			Topic: broadcast.TopicInstanceStatus,
			Payload: broadcast.InstanceStatus{
				InstanceID:  instanceID,
				Status:      models.StatusConnected,
				PhoneNumber: phone,
			},
		}}
		return plan

	case connection.Disconnected:
		return Plan{
			Writes: []StatusWrite{{Status: models.StatusDisconnected}},
			Broadcasts: []Emission{{
				Topic:   broadcast.TopicInstanceStatus,
				Payload: broadcast.InstanceStatus{InstanceID: instanceID, Status: models.StatusDisconnected},
			}},
			Release: true,
			Note:    e.Reason,
		}

	case connection.AuthFailed:
		return Plan{
			Writes:       []StatusWrite{{Status: models.StatusError}},
			ClearSession: true,
			Broadcasts: []Emission{{
				Topic:   broadcast.TopicInstanceStatus,
				Payload: broadcast.InstanceStatus{InstanceID: instanceID, Status: models.StatusError},
			}},
			Release: true,
			Note:    e.Reason,
		}

	case connection.MessageReceived:
		msg := e.Message
		if msg.FromSelf {
			return Plan{Note: "own message skipped"}
		}
		return Plan{Ingest: &msg}
	}
	return Plan{Note: "unhandled event"}
}
