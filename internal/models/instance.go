package models

import (
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

// InstanceStatus is the persisted lifecycle state of an Instance.
type InstanceStatus string

const (
	StatusCreated        InstanceStatus = "CREATED"
	StatusPairingPending InstanceStatus = "PAIRING_PENDING"
	StatusConnected      InstanceStatus = "CONNECTED"
	StatusDisconnected   InstanceStatus = "DISCONNECTED"
	StatusError          InstanceStatus = "ERROR"
)

// Instance is one tenant-owned connection context to a messaging network.
// Rows are created by the API layer and never deleted by the orchestrator.
type Instance struct {
	ID                 string         `gorm:"primaryKey;size:32" json:"id"`
	Name               string         `gorm:"size:128;not null" json:"name"`
	Platform           string         `gorm:"size:16;not null;default:mock" json:"platform"`
	Status             InstanceStatus `gorm:"size:16;not null;default:CREATED;index" json:"status"`
	PhoneNumber        string         `gorm:"size:64" json:"phoneNumber,omitempty"`
	LastConnectedAt    *time.Time     `json:"lastConnectedAt,omitempty"`
	LastPairingPayload *string        `gorm:"type:text" json:"lastPairingPayload,omitempty"`
	SessionBlob        []byte         `gorm:"type:blob" json:"-"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// BeforeCreate assigns a ULID when the caller left ID empty.
func (i *Instance) BeforeCreate(tx *gorm.DB) error {
	if i.ID == "" {
		i.ID = ulid.Make().String()
	}
	return nil
}

// HasSession reports whether a sealed credential blob is persisted.
func (i *Instance) HasSession() bool {
	return len(i.SessionBlob) > 0
}
