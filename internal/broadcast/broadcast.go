// Package broadcast fans out instance events to live subscribers.
package broadcast

import (
	"time"

	"github.com/zulandar/switchboard/internal/models"
)

// Topic names a stream of broadcast events.
type Topic string

const (
	TopicPairingCode     Topic = "pairing_code"
	TopicInstanceStatus  Topic = "instance_status"
	TopicMessageReceived Topic = "message_received"
)

// AllTopics lists every topic the orchestrator publishes.
var AllTopics = []Topic{TopicPairingCode, TopicInstanceStatus, TopicMessageReceived}

// Channel is the publish side of the broadcast system. Publish never blocks
// on subscribers and never fails the caller; delivery is best-effort.
type Channel interface {
	Publish(topic Topic, payload any)
}

// PairingCode is the payload for TopicPairingCode.
type PairingCode struct {
	InstanceID string `json:"instanceId"`
	Code       string `json:"code"`
}

// InstanceStatus is the payload for TopicInstanceStatus.
type InstanceStatus struct {
	InstanceID  string                `json:"instanceId"`
	Status      models.InstanceStatus `json:"status"`
	PhoneNumber string                `json:"phoneNumber,omitempty"`
}

// MessageReceived is the payload for TopicMessageReceived.
type MessageReceived struct {
	InstanceID string          `json:"instanceId"`
	ContactID  string          `json:"contactId"`
	Message    *models.Message `json:"message"`
}

// Envelope is a delivered event as seen by subscribers.
type Envelope struct {
	ID        string    `json:"id"`
	Topic     Topic     `json:"topic"`
	Payload   []byte    `json:"-"`
	Published time.Time `json:"publishedAt"`
}
