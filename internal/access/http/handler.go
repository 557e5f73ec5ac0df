package accesshttp

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-access/internal/access"
	"github.com/odyssey-erp/odyssey-access/internal/actors"
	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/ipfilter"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/policy"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// Handler exposes the access core over JSON.
type Handler struct {
	logger *slog.Logger
	svc    *access.Service
	guard  Guard
	limits Limits
}

// Limits are per-minute request budgets.
type Limits struct {
	Login  int
	Export int
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, svc *access.Service, limits Limits) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if limits.Login <= 0 {
		limits.Login = 10
	}
	if limits.Export <= 0 {
		limits.Export = 10
	}
	return &Handler{
		logger: logger,
		svc:    svc,
		guard:  Guard{Authorizer: svc, Logger: logger},
		limits: limits,
	}
}

// fail logs infrastructure and unexpected errors before responding.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, shared.ErrPersistence) || shared.UserSafeMessage(err) == "internal error" {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

type loginRequest struct {
	ActorID    string `json:"actor_id"`
	Credential string `json:"credential"`
	Device     string `json:"device"`
	RememberMe bool   `json:"remember_me"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	device := req.Device
	if device == "" {
		device = r.UserAgent()
	}
	result, err := h.svc.Login(r.Context(), access.LoginRequest{
		ActorID:    req.ActorID,
		Credential: req.Credential,
		SourceIP:   clientIP(r),
		Device:     device,
		RememberMe: req.RememberMe,
	})
	if err != nil {
		h.fail(w, "login", err)
		return
	}
	status := http.StatusOK
	if result.Challenge != nil {
		status = http.StatusAccepted
	}
	httpx.JSON(w, status, result)
}

type twoFactorRequest struct {
	ChallengeID string `json:"challenge_id"`
	Code        string `json:"code"`
}

func (h *Handler) handleTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req twoFactorRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.svc.CompleteTwoFactor(r.Context(), req.ChallengeID, req.Code, clientIP(r))
	if err != nil {
		h.fail(w, "complete two-factor", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := BearerToken(r)
	if token == "" {
		httpx.Problem(w, http.StatusUnauthorized, httpx.CodeUnauthorized, "Unauthorized", "bearer token required")
		return
	}
	if err := h.svc.Logout(r.Context(), token); err != nil {
		h.fail(w, "logout", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type authorizeRequest struct {
	Token    string `json:"token"`
	SourceIP string `json:"source_ip"`
	Module   string `json:"module"`
	Action   string `json:"action"`
}

// handleAuthorize lets collaborator modules ask for a decision on behalf of
// their own callers. Only an Allow answers 200; every Deny is a problem
// document carrying the reason.
func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	decision, err := h.svc.Authorize(r.Context(), req.Token, req.SourceIP, req.Module, req.Action)
	if err != nil {
		h.logger.Error("authorize", slog.Any("error", err))
	}
	if err != nil || !decision.Allowed {
		respondDenied(w, decision, err)
		return
	}
	httpx.JSON(w, http.StatusOK, decision)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	actorID := strings.TrimSpace(r.URL.Query().Get("actor_id"))
	if actorID == "" {
		actorID = callerFrom(r).ActorID
	}
	list, err := h.svc.ListSessions(r.Context(), actorID)
	if err != nil {
		h.fail(w, "list sessions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (h *Handler) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RevokeSession(r.Context(), callerFrom(r), chi.URLParam(r, "id")); err != nil {
		h.fail(w, "revoke session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRevokeActorSessions(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.RevokeAllSessions(r.Context(), callerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "revoke actor sessions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{"revoked": n})
}

func (h *Handler) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, h.svc.GetPolicy())
}

func (h *Handler) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var next policy.SecurityPolicy
	if err := httpx.DecodeJSON(r, &next); err != nil {
		httpx.RespondError(w, err)
		return
	}
	updated, err := h.svc.UpdatePolicy(r.Context(), callerFrom(r), next)
	if err != nil {
		h.fail(w, "update policy", err)
		return
	}
	httpx.JSON(w, http.StatusOK, updated)
}

func (h *Handler) handleListRoles(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": h.svc.Roles()})
}

func (h *Handler) handleCatalog(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{"modules": h.svc.Catalog()})
}

func (h *Handler) handleGetRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.svc.Role(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "get role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var input rbac.RoleInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.svc.CreateRole(r.Context(), callerFrom(r), input)
	if err != nil {
		h.fail(w, "create role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	var input rbac.RoleInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.svc.UpdateRole(r.Context(), callerFrom(r), chi.URLParam(r, "id"), input)
	if err != nil {
		h.fail(w, "update role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteRole(r.Context(), callerFrom(r), chi.URLParam(r, "id")); err != nil {
		h.fail(w, "delete role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.AssignRole(r.Context(), callerFrom(r), chi.URLParam(r, "id"), chi.URLParam(r, "roleID")); err != nil {
		h.fail(w, "assign role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleUnassignRole(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.UnassignRole(r.Context(), callerFrom(r), chi.URLParam(r, "id"), chi.URLParam(r, "roleID")); err != nil {
		h.fail(w, "unassign role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.svc.EffectivePermissions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "effective permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *Handler) handleListActors(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListActors(r.Context())
	if err != nil {
		h.fail(w, "list actors", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"actors": list})
}

func (h *Handler) handleGetActor(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetActor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "get actor", err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) handleCreateActor(w http.ResponseWriter, r *http.Request) {
	var input actors.CreateInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	view, err := h.svc.CreateActor(r.Context(), callerFrom(r), input)
	if err != nil {
		h.fail(w, "create actor", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, view)
}

func (h *Handler) handleSuspendActor(w http.ResponseWriter, r *http.Request) {
	view, revoked, err := h.svc.SuspendActor(r.Context(), callerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "suspend actor", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"actor": view, "revoked_sessions": revoked})
}

func (h *Handler) handleReactivateActor(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.ReactivateActor(r.Context(), callerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "reactivate actor", err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) handleUnlockActor(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.UnlockActor(r.Context(), callerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "unlock actor", err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) handleEnrollTOTP(w http.ResponseWriter, r *http.Request) {
	enrollment, err := h.svc.EnrollTwoFactor(r.Context(), callerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "enroll totp", err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httpx.JSON(w, http.StatusOK, enrollment)
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.svc.ChangePassword(r.Context(), callerFrom(r), chi.URLParam(r, "id"), req.Password); err != nil {
		h.fail(w, "change password", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListIPRules(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{"rules": h.svc.IPRules()})
}

type ipRuleRequest struct {
	Type        ipfilter.RuleType `json:"type"`
	CIDR        string            `json:"cidr"`
	Description string            `json:"description"`
}

func (h *Handler) handleAddIPRule(w http.ResponseWriter, r *http.Request) {
	var req ipRuleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	rule, err := h.svc.AddIPRule(r.Context(), callerFrom(r), req.Type, req.CIDR, req.Description)
	if err != nil {
		h.fail(w, "add ip rule", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rule)
}

func (h *Handler) handleRemoveIPRule(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RemoveIPRule(r.Context(), callerFrom(r), chi.URLParam(r, "id")); err != nil {
		h.fail(w, "remove ip rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entries := make([]audit.Entry, 0, filter.Limit)
	for e, err := range h.svc.QueryAuditLog(r.Context(), filter) {
		if err != nil {
			h.fail(w, "query audit log", shared.Persistence("audit query", err))
			return
		}
		entries = append(entries, e)
	}
	var next int64
	if len(entries) == filter.Limit {
		next = entries[len(entries)-1].ID
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries, "next_after_id": next})
}

func (h *Handler) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if r.URL.Query().Get("limit") == "" {
		filter.Limit = 0
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\"audit-log.csv\"")
	if _, err := audit.WriteCSV(r.Context(), w, h.svc.QueryAuditLog(r.Context(), filter)); err != nil {
		h.logger.Warn("write audit csv", slog.Any("error", err))
	}
}

func (h *Handler) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.VerifyAuditLog(r.Context())
	if err != nil {
		h.fail(w, "verify audit log", shared.Persistence("audit verify", err))
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func parseAuditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	verr := &shared.ValidationError{}
	filter := audit.Filter{
		ActorID: strings.TrimSpace(q.Get("actor_id")),
		Action:  strings.TrimSpace(q.Get("action")),
		Outcome: audit.Outcome(strings.TrimSpace(q.Get("outcome"))),
		Limit:   defaultAuditLimit,
	}
	if filter.Outcome != "" && !filter.Outcome.Valid() {
		verr.Add("outcome", "must be success, failure or denied")
	}
	for _, bound := range []struct {
		name   string
		target *time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		raw := strings.TrimSpace(q.Get(bound.name))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			verr.Add(bound.name, "must be an RFC 3339 timestamp")
			continue
		}
		*bound.target = t.UTC()
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.From.After(filter.To) {
		verr.Add("from", "must not be after to")
	}
	if raw := q.Get("after_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 0 {
			verr.Add("after_id", "must be a non-negative integer")
		}
		filter.AfterID = id
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxAuditLimit {
			verr.Add("limit", "must be between 1 and "+strconv.Itoa(maxAuditLimit))
		}
		filter.Limit = limit
	}
	if !verr.Empty() {
		return audit.Filter{}, verr
	}
	return filter, nil
}
