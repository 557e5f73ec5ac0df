package auth

import (
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/actors"
)

// LoginOptions carries session preferences across the second factor.
type LoginOptions struct {
	Device     string `json:"device"`
	RememberMe bool   `json:"remember_me"`
}

// Challenge is a pending second-factor step. It is single use and expires
// after a fixed window.
type Challenge struct {
	ID        string       `json:"id"`
	ActorID   string       `json:"actor_id"`
	SourceIP  string       `json:"source_ip"`
	Options   LoginOptions `json:"options"`
	ExpiresAt time.Time    `json:"expires_at"`
	Attempts  int          `json:"attempts"`
}

// Result is the outcome of a credential check. Challenge is set when a
// second factor must be completed before a session may be issued.
type Result struct {
	Actor     actors.Actor
	Options   LoginOptions
	Challenge *Challenge
}

// Complete reports whether a session may be issued.
func (r Result) Complete() bool {
	return r.Challenge == nil
}
