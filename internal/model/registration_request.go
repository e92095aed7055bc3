package model

import "time"

// RequestStatus is the state of a pending approval record.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

// RegistrationRequest is created when an unknown identity registers a
// device outside the auto-approve set. An admin approves or rejects it.
type RegistrationRequest struct {
	ID          string        `gorm:"primaryKey;size:36" json:"id"`
	MACAddress  string        `gorm:"index;size:17;not null" json:"mac_address"`
	Email       string        `gorm:"index;size:255;not null" json:"email"`
	FirstName   string        `gorm:"size:100" json:"first_name,omitempty"`
	LastName    string        `gorm:"size:100" json:"last_name,omitempty"`
	Phone       string        `gorm:"size:20" json:"phone,omitempty"`
	IPAddress   string        `gorm:"size:45" json:"ip_address,omitempty"`
	UserAgent   string        `json:"user_agent,omitempty"`
	Status      RequestStatus `gorm:"size:16;index;not null;default:pending" json:"status"`
	SubmittedAt time.Time     `gorm:"not null" json:"submitted_at"`
	ProcessedAt *time.Time    `json:"processed_at,omitempty"`
	ProcessedBy string        `gorm:"size:100" json:"processed_by,omitempty"`
	Notes       string        `json:"notes,omitempty"`
}
