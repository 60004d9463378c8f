package models

import (
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

// Direction tells whether a message was received or sent by the gateway.
type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

// Message is an immutable conversation entry. ExternalMessageID, when set,
// is unique per instance and is the dedup key for redelivered inbound events.
type Message struct {
	ID                string    `gorm:"primaryKey;size:32" json:"id"`
	InstanceID        string    `gorm:"size:32;not null;uniqueIndex:idx_message_instance_external,priority:1" json:"instanceId"`
	ContactID         string    `gorm:"size:32;not null;index" json:"contactId"`
	Direction         Direction `gorm:"size:8;not null" json:"direction"`
	ExternalMessageID *string   `gorm:"size:191;uniqueIndex:idx_message_instance_external,priority:2" json:"externalMessageId,omitempty"`
	Body              string    `gorm:"type:text" json:"body"`
	SentByOperator    bool      `gorm:"default:false" json:"sentByOperator"`
	Timestamp         time.Time `gorm:"index" json:"timestamp"`
	CreatedAt         time.Time `json:"createdAt"`
}

// BeforeCreate assigns a ULID when the caller left ID empty.
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	return nil
}

// ExternalID returns the network message id or "" when absent.
func (m *Message) ExternalID() string {
	if m.ExternalMessageID == nil {
		return ""
	}
	return *m.ExternalMessageID
}
