package models

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

// Contact is a counterparty address known within one instance. The pair
// (InstanceID, ExternalAddress) is unique.
type Contact struct {
	ID              string     `gorm:"primaryKey;size:32" json:"id"`
	InstanceID      string     `gorm:"size:32;not null;uniqueIndex:idx_contact_instance_address,priority:1" json:"instanceId"`
	ExternalAddress string     `gorm:"size:191;not null;uniqueIndex:idx_contact_instance_address,priority:2" json:"externalAddress"`
	PhoneNumber     string     `gorm:"size:64" json:"phoneNumber,omitempty"`
	DisplayName     string     `gorm:"size:128" json:"displayName,omitempty"`
	LastMessageAt   *time.Time `gorm:"index" json:"lastMessageAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// BeforeCreate assigns a ULID when the caller left ID empty.
func (c *Contact) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = ulid.Make().String()
	}
	return nil
}

// PhoneFromAddress strips the network domain from an external address,
// e.g. "5511888@net" -> "5511888".
func PhoneFromAddress(addr string) string {
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		return addr[:i]
	}
	return addr
}
