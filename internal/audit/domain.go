package audit

import (
	"encoding/json"
	"time"
)

// Outcome classifies an audited event.
type Outcome string

const (
	// OutcomeSuccess marks completed operations, including enforced policy outcomes.
	OutcomeSuccess Outcome = "success"
	// OutcomeFailure marks operations that did not complete.
	OutcomeFailure Outcome = "failure"
	// OutcomeDenied marks refused authorization decisions.
	OutcomeDenied Outcome = "denied"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeDenied:
		return true
	}
	return false
}

// Audited actions.
const (
	ActionAuthorize = "Authorize"

	ActionPolicyUpdated = "PolicyUpdated"

	ActionLoginSucceeded      = "LoginSucceeded"
	ActionLoginFailed         = "LoginFailed"
	ActionAccountLocked       = "AccountLocked"
	ActionTwoFactorChallenged = "TwoFactorChallenged"
	ActionTwoFactorVerified   = "TwoFactorVerified"
	ActionTwoFactorFailed     = "TwoFactorFailed"

	ActionSessionCreated   = "SessionCreated"
	ActionSessionEvicted   = "SessionEvicted"
	ActionSessionExpired   = "SessionExpired"
	ActionSessionRevoked   = "SessionRevoked"
	ActionSessionLoggedOut = "SessionLoggedOut"

	ActionRoleCreated    = "RoleCreated"
	ActionRoleUpdated    = "RoleUpdated"
	ActionRoleDeleted    = "RoleDeleted"
	ActionRoleAssigned   = "RoleAssigned"
	ActionRoleUnassigned = "RoleUnassigned"

	ActionIPRuleAdded   = "IpRuleAdded"
	ActionIPRuleRemoved = "IpRuleRemoved"

	ActionActorCreated         = "ActorCreated"
	ActionActorSuspended       = "ActorSuspended"
	ActionActorReactivated     = "ActorReactivated"
	ActionActorUnlocked        = "ActorUnlocked"
	ActionActorPasswordChanged = "ActorPasswordChanged"
	ActionTwoFactorEnrolled    = "TwoFactorEnrolled"
)

// Entry is one immutable audit record. ID, Timestamp, PrevHash and Hash are
// assigned by the Log when the entry is sequenced.
type Entry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	ActorID   string    `json:"actor_id"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	SourceIP  string    `json:"source_ip"`
	Outcome   Outcome   `json:"outcome"`
	Detail    string    `json:"detail"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// Filter narrows a query. Zero values are ignored.
type Filter struct {
	ActorID string
	Action  string
	Outcome Outcome
	From    time.Time
	To      time.Time
	AfterID int64
	Limit   int
}

// Match reports whether e satisfies the filter predicates (Limit excluded).
func (f Filter) Match(e Entry) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if f.AfterID > 0 && e.ID <= f.AfterID {
		return false
	}
	return true
}

// Head is the last sequenced entry of the chain.
type Head struct {
	ID        int64
	Hash      string
	Timestamp time.Time
}

// Detail encodes structured context for Entry.Detail.
func Detail(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return ""
	}
	return string(data)
}
