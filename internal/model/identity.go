package model

import "time"

// Identity is a person (or service account) entitled to network access.
// Role drives the default wired VLAN.
type Identity struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Email      string    `gorm:"uniqueIndex;size:255;not null" json:"email"`
	FirstName  string    `gorm:"size:100" json:"first_name,omitempty"`
	LastName   string    `gorm:"size:100" json:"last_name,omitempty"`
	Phone      string    `gorm:"size:20" json:"phone,omitempty"`
	Role       string    `gorm:"size:50;not null" json:"role"`
	ValidFrom  time.Time `gorm:"not null" json:"valid_from"`
	ValidUntil time.Time `gorm:"not null" json:"valid_until"`
	CreatedBy  string    `gorm:"size:100" json:"created_by,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Active reports whether now falls inside the identity's access window.
// Both bounds are inclusive.
func (i *Identity) Active(now time.Time) bool {
	return !now.Before(i.ValidFrom) && !now.After(i.ValidUntil)
}
