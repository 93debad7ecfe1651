package models

import "time"

// User is a real account created from an approved request (or seeded as the
// bootstrap administrator).
type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email,omitempty"`
	RealName     string `json:"realName,omitempty"`
	PasswordHash string `json:"-"`
	IsAdmin      bool   `json:"isAdmin"`
	// Notify marks admins who receive the confirmed-request notice email.
	Notify           bool       `json:"-"`
	EmailConfirmedAt *time.Time `json:"emailConfirmedAt,omitempty"`

	// A confirmation token issued while the request was pending keeps working
	// after approval: its hash is copied here so a late click confirms the
	// account's email instead of hitting a dead link.
	ConfirmTokenHash      string     `json:"-"`
	ConfirmTokenExpiresAt *time.Time `json:"-"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}
