package actors

import "time"

// Status is the administrative state of an actor.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Actor is an authenticated human or service identity. Role assignments are
// owned by the role graph.
type Actor struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Status             Status     `json:"status"`
	FailedAttemptCount int        `json:"failed_attempt_count"`
	LockedUntil        *time.Time `json:"locked_until,omitempty"`
	PasswordHash       string     `json:"-"`
	TOTPSecret         string     `json:"-"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Locked reports whether a lockout window is still open at now.
func (a Actor) Locked(now time.Time) bool {
	return a.LockedUntil != nil && now.Before(*a.LockedUntil)
}

// Suspended reports whether the actor may not authenticate.
func (a Actor) Suspended() bool {
	return a.Status == StatusSuspended
}

// HasTOTP reports whether a second factor is enrolled.
func (a Actor) HasTOTP() bool {
	return a.TOTPSecret != ""
}

// CreateInput carries the fields accepted when registering an actor.
type CreateInput struct {
	ID       string `json:"id" validate:"omitempty,max=64,printascii,excludesall=/"`
	Name     string `json:"name" validate:"required,max=200"`
	Password string `json:"password" validate:"required"`
}

// Enrollment is returned once when a TOTP secret is generated.
type Enrollment struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}
