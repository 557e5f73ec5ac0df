package sessions

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

// State is a position in the session lifecycle. Terminal states are final.
type State string

const (
	StateCreated   State = "created"
	StateActive    State = "active"
	StateExpired   State = "expired"
	StateEvicted   State = "evicted"
	StateRevoked   State = "revoked"
	StateLoggedOut State = "logged_out"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateExpired, StateEvicted, StateRevoked, StateLoggedOut:
		return true
	}
	return false
}

// Session is a bounded-lifetime proof of prior authentication. ID is a
// public handle; the bearer token itself is never stored, only its digest.
type Session struct {
	ID             string     `json:"id"`
	TokenHash      string     `json:"-"`
	ActorID        string     `json:"actor_id"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	SourceIP       string     `json:"source_ip"`
	Device         string     `json:"device"`
	RememberMe     bool       `json:"remember_me"`
	State          State      `json:"state"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	EndReason      string     `json:"end_reason,omitempty"`
}

// Live reports whether the session can still authorize requests at now.
func (s Session) Live(now time.Time) bool {
	return !s.State.Terminal() && !now.After(s.ExpiresAt)
}

func (s Session) end(state State, reason string, now time.Time) Session {
	s.State = state
	s.EndReason = reason
	ended := now
	s.EndedAt = &ended
	return s
}

// NewToken returns a random bearer token and its digest.
func NewToken() (token, digest string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("sessions: generate token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(buf)
	return token, HashToken(token), nil
}

// HashToken returns the digest under which a token is indexed.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
