package models

import "time"

// RequestState is the moderation state of an account request. Exactly one
// state holds for a stored row at any time; approved rows are removed from
// account_requests and live on as an AccountCredential plus a User.
type RequestState string

const (
	StatePending  RequestState = "pending"
	StateHeld     RequestState = "held"
	StateRejected RequestState = "rejected"
)

// AccountRequest is a pending or resolved request for a new account.
type AccountRequest struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	RealName string `json:"realName,omitempty"`
	Email    string `json:"email"`

	EmailTokenHash      string     `json:"-"`
	EmailTokenExpiresAt time.Time  `json:"-"`
	EmailAuthenticated  *time.Time `json:"emailAuthenticatedAt,omitempty"`

	// Type selects the review queue the request lands in.
	Type int `json:"type"`

	Bio       string   `json:"bio,omitempty"`
	Notes     string   `json:"notes,omitempty"`
	URLs      string   `json:"urls,omitempty"`
	Company   string   `json:"company,omitempty"`
	City      string   `json:"city,omitempty"`
	State     string   `json:"state,omitempty"`
	Country   string   `json:"country,omitempty"`
	Prefix    string   `json:"prefix,omitempty"`
	Title     string   `json:"title,omitempty"`
	FirstName string   `json:"firstName,omitempty"`
	LastName  string   `json:"lastName,omitempty"`
	Areas     []string `json:"areas,omitempty"`

	AttachmentKey  *string `json:"-"`
	AttachmentName *string `json:"attachmentName,omitempty"`

	RegisteredAt time.Time `json:"registeredAt"`
	IP           string    `json:"-"`
	ForwardedFor string    `json:"-"`
	UserAgent    string    `json:"-"`

	HeldAt     *time.Time `json:"heldAt,omitempty"`
	RejectedAt *time.Time `json:"rejectedAt,omitempty"`
	Deleted    bool       `json:"-"`

	// HandledBy is the admin user id behind the last hold/reject decision.
	// Empty means the system acted (auto-rejection by the maintenance sweep).
	HandledBy string `json:"-"`
	Comment   string `json:"comment,omitempty"`
}

// ModerationState derives the moderation state from the row's timestamps.
func (r *AccountRequest) ModerationState() RequestState {
	switch {
	case r.RejectedAt != nil:
		return StateRejected
	case r.HeldAt != nil:
		return StateHeld
	default:
		return StatePending
	}
}

// AutoRejected reports whether the request was rejected by the maintenance
// sweep rather than an administrator.
func (r *AccountRequest) AutoRejected() bool {
	return r.RejectedAt != nil && r.HandledBy == ""
}

// AccountCredential is the historical snapshot of an approved request,
// decoupled from the live request row once the account exists.
type AccountCredential struct {
	ID           string
	UserID       string
	Username     string
	Email        string
	RealName     string
	Bio          string
	Notes        string
	URLs         string
	Company      string
	City         string
	State        string
	Country      string
	Prefix       string
	Title        string
	FirstName    string
	LastName     string
	Areas        []string
	Type         int
	RegisteredAt time.Time
	ApprovedAt   time.Time
	ApprovedBy   string
	Comment      string
}
