package policy

import (
	"slices"
	"time"
)

// SecurityPolicy is the singleton rule set enforced by the access core.
type SecurityPolicy struct {
	Version                   int64     `json:"version"`
	MinPasswordLength         int       `json:"min_password_length" validate:"min=6,max=50"`
	RequireUppercase          bool      `json:"require_uppercase"`
	RequireLowercase          bool      `json:"require_lowercase"`
	RequireDigits             bool      `json:"require_digits"`
	RequireSymbols            bool      `json:"require_symbols"`
	MaxFailedAttempts         int       `json:"max_failed_attempts" validate:"min=3,max=10"`
	LockoutDurationSeconds    int       `json:"lockout_duration_seconds" validate:"min=1,max=86400"`
	TwoFactorRequiredForRoles []string  `json:"two_factor_required_for_roles" validate:"dive,required"`
	GlobalIdleTimeoutSeconds  int       `json:"global_idle_timeout_seconds" validate:"min=60,max=86400"`
	MaxConcurrentSessions     int       `json:"max_concurrent_sessions" validate:"min=1,max=100"`
	RememberMeDurationDays    int       `json:"remember_me_duration_days" validate:"min=0,max=365"`
	IPDefaultDeny             bool      `json:"ip_default_deny"`
	UpdatedAt                 time.Time `json:"updated_at"`
	UpdatedBy                 string    `json:"updated_by"`
}

// Default is installed when no policy has been persisted yet.
func Default() SecurityPolicy {
	return SecurityPolicy{
		Version:                  1,
		MinPasswordLength:        8,
		RequireUppercase:         true,
		RequireLowercase:         true,
		RequireDigits:            true,
		MaxFailedAttempts:        5,
		LockoutDurationSeconds:   900,
		GlobalIdleTimeoutSeconds: 1800,
		MaxConcurrentSessions:    3,
		RememberMeDurationDays:   30,
	}
}

// IdleTimeout is the sliding session lifetime.
func (p SecurityPolicy) IdleTimeout() time.Duration {
	return time.Duration(p.GlobalIdleTimeoutSeconds) * time.Second
}

// LockoutDuration is how long an account stays locked.
func (p SecurityPolicy) LockoutDuration() time.Duration {
	return time.Duration(p.LockoutDurationSeconds) * time.Second
}

// RememberMeAllowed reports whether long-lived sessions may be issued.
func (p SecurityPolicy) RememberMeAllowed() bool {
	return p.RememberMeDurationDays > 0
}

// RememberMeDuration is the lifetime of remember-me sessions.
func (p SecurityPolicy) RememberMeDuration() time.Duration {
	return time.Duration(p.RememberMeDurationDays) * 24 * time.Hour
}

// RequiresTwoFactor reports whether any of roleIDs demands a second factor.
func (p SecurityPolicy) RequiresTwoFactor(roleIDs []string) bool {
	for _, id := range roleIDs {
		if slices.Contains(p.TwoFactorRequiredForRoles, id) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (p SecurityPolicy) Clone() SecurityPolicy {
	p.TwoFactorRequiredForRoles = slices.Clone(p.TwoFactorRequiredForRoles)
	return p
}
