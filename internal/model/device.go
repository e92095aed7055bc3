package model

import (
	"fmt"
	"time"
)

// RegistrationStatus is the closed set of device access states.
type RegistrationStatus string

const (
	StatusUnregistered        RegistrationStatus = "unregistered"
	StatusPendingVerification RegistrationStatus = "pending_verification"
	StatusActive              RegistrationStatus = "active"
	StatusRestricted          RegistrationStatus = "restricted"
	StatusBlocked             RegistrationStatus = "blocked"
	StatusDisconnected        RegistrationStatus = "disconnected"
)

// ConnectionType is how the device reaches the network. It is inferred once,
// at registration, and never changes afterwards.
type ConnectionType string

const (
	ConnectionWiFi    ConnectionType = "wifi"
	ConnectionWired   ConnectionType = "wired"
	ConnectionUnknown ConnectionType = "unknown"
)

// Valid reports whether c is one of the known connection types.
func (c ConnectionType) Valid() bool {
	switch c {
	case ConnectionWiFi, ConnectionWired, ConnectionUnknown:
		return true
	}
	return false
}

// ParseConnectionType rejects anything outside the closed set.
func ParseConnectionType(raw string) (ConnectionType, error) {
	c := ConnectionType(raw)
	if !c.Valid() {
		return "", fmt.Errorf("unknown connection type %q", raw)
	}
	return c, nil
}

// Device is the authoritative record of what access a device should have.
type Device struct {
	ID                    uint               `gorm:"primaryKey" json:"id"`
	MACAddress            string             `gorm:"uniqueIndex;size:17;not null" json:"mac_address"`
	OwnerID               *uint              `gorm:"index" json:"owner_id,omitempty"`
	RegistrationStatus    RegistrationStatus `gorm:"size:32;index;not null;default:unregistered" json:"registration_status"`
	ConnectionType        ConnectionType     `gorm:"size:16;not null;default:unknown" json:"connection_type"`
	CurrentVLAN           int                `json:"current_vlan"`
	SSID                  string             `gorm:"size:100" json:"ssid,omitempty"`
	IPAddress             string             `gorm:"size:45" json:"ip_address,omitempty"`
	Hostname              string             `gorm:"size:100" json:"hostname,omitempty"`
	VerificationToken     *string            `gorm:"uniqueIndex;size:64" json:"-"`
	VerificationExpiresAt *time.Time         `json:"-"`
	UnregisterToken       *string            `gorm:"uniqueIndex;size:64" json:"-"`
	FirstSeen             time.Time          `gorm:"index;not null" json:"first_seen"`
	LastSeen              *time.Time         `json:"last_seen,omitempty"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`

	// Associations
	Owner *Identity `gorm:"constraint:OnDelete:SET NULL" json:"owner,omitempty"`
}

// ClearVerification drops the single-use verification token.
func (d *Device) ClearVerification() {
	d.VerificationToken = nil
	d.VerificationExpiresAt = nil
}

// VerificationExpired reports whether the pending token is past its expiry.
func (d *Device) VerificationExpired(now time.Time) bool {
	return d.VerificationExpiresAt == nil || !now.Before(*d.VerificationExpiresAt)
}
