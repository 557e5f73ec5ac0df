package authz

// Reason explains a decision. Allowed decisions carry ReasonAllowed.
type Reason string

const (
	ReasonAllowed          Reason = "Allowed"
	ReasonIPBlocked        Reason = "IpBlocked"
	ReasonSessionInvalid   Reason = "SessionInvalid"
	ReasonActorSuspended   Reason = "ActorSuspended"
	ReasonPermissionDenied Reason = "PermissionDenied"
	// ReasonTimeout is used when the check was cancelled or ran out of time.
	ReasonTimeout Reason = "Timeout"
	// ReasonUnavailable is used when a store consulted by the check failed.
	ReasonUnavailable Reason = "Unavailable"
	// ReasonAuditUnavailable replaces an Allow that could not be recorded.
	ReasonAuditUnavailable Reason = "AuditUnavailable"
)

// Decision is the outcome of one authorization check.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Reason    Reason `json:"reason"`
	ActorID   string `json:"actor_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Module    string `json:"module"`
	Action    string `json:"action"`
	AuditID   int64  `json:"audit_id,omitempty"`
}

func allow(d Decision) Decision {
	d.Allowed = true
	d.Reason = ReasonAllowed
	return d
}

func deny(d Decision, reason Reason) Decision {
	d.Allowed = false
	d.Reason = reason
	return d
}

// Outcome is "allow" or "deny".
func (d Decision) Outcome() string {
	if d.Allowed {
		return "allow"
	}
	return "deny"
}
