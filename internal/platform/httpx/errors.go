// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Stable problem codes.
const (
	CodeValidation        = "validation"
	CodeNotFound          = "not_found"
	CodeDuplicate         = "duplicate"
	CodeRoleInUse         = "role_in_use"
	CodeInvalidCredential = "invalid_credential"
	CodeAccountLocked     = "account_locked"
	CodeTwoFactorRequired = "two_factor_required"
	CodeTwoFactorExpired  = "two_factor_expired"
	CodeSessionExpired    = "session_expired"
	CodeSessionNotFound   = "session_not_found"
	CodeSessionRevoked    = "session_revoked"
	CodeActorSuspended    = "actor_suspended"
	CodeIPBlocked         = "ip_blocked"
	CodePersistence       = "persistence"
	CodeUnauthorized      = "unauthorized"
	CodeForbidden         = "forbidden"
	CodeInternal          = "internal"
)

type mapping struct {
	target error
	status int
	title  string
	code   string
}

var mappings = []mapping{
	{shared.ErrPersistence, http.StatusServiceUnavailable, "Storage Unavailable", CodePersistence},
	{shared.ErrValidation, http.StatusBadRequest, "Validation Failed", CodeValidation},
	{shared.ErrNotFound, http.StatusNotFound, "Not Found", CodeNotFound},
	{shared.ErrDuplicate, http.StatusConflict, "Duplicate", CodeDuplicate},
	{shared.ErrRoleInUse, http.StatusConflict, "Role In Use", CodeRoleInUse},
	{shared.ErrInvalidCredential, http.StatusUnauthorized, "Invalid Credential", CodeInvalidCredential},
	{shared.ErrAccountLocked, http.StatusLocked, "Account Locked", CodeAccountLocked},
	{shared.ErrTwoFactorRequired, http.StatusForbidden, "Two-Factor Required", CodeTwoFactorRequired},
	{shared.ErrTwoFactorExpired, http.StatusUnauthorized, "Two-Factor Expired", CodeTwoFactorExpired},
	{shared.ErrSessionExpired, http.StatusUnauthorized, "Session Expired", CodeSessionExpired},
	{shared.ErrSessionNotFound, http.StatusNotFound, "Session Not Found", CodeSessionNotFound},
	{shared.ErrSessionRevoked, http.StatusUnauthorized, "Session Revoked", CodeSessionRevoked},
	{shared.ErrActorSuspended, http.StatusForbidden, "Actor Suspended", CodeActorSuspended},
	{shared.ErrIPBlocked, http.StatusForbidden, "Address Blocked", CodeIPBlocked},
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	for _, m := range mappings {
		if !errors.Is(err, m.target) {
			continue
		}
		problem := ProblemDetail{Title: m.title, Status: m.status, Code: m.code, Detail: shared.UserSafeMessage(err)}
		var verr *shared.ValidationError
		if errors.As(err, &verr) {
			problem.Fields = verr.Fields
		}
		WriteProblem(w, problem)
		return
	}
	WriteProblem(w, ProblemDetail{Title: "Internal Error", Status: http.StatusInternalServerError, Code: CodeInternal})
}
