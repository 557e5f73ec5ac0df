package accesshttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/sessions"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// MountRoutes registers the access API.
func (h *Handler) MountRoutes(r chi.Router) {
	require := h.guard.Require

	r.Route("/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(limiter(h.limits.Login, httprate.KeyByIP))
			r.Post("/login", h.handleLogin)
			r.Post("/2fa", h.handleTwoFactor)
		})
		r.Post("/logout", h.handleLogout)
	})

	r.Post("/authorize", h.handleAuthorize)

	r.Route("/sessions", func(r chi.Router) {
		r.With(require(shared.ModuleSessionManagement, shared.ActionView)).Get("/", h.handleListSessions)
		r.With(require(shared.ModuleSessionManagement, shared.ActionDelete)).Delete("/{id}", h.handleRevokeSession)
	})

	r.Route("/policy", func(r chi.Router) {
		r.With(require(shared.ModuleSecuritySettings, shared.ActionView)).Get("/", h.handleGetPolicy)
		r.With(require(shared.ModuleSecuritySettings, shared.ActionUpdate)).Put("/", h.handleUpdatePolicy)
	})

	r.With(require(shared.ModuleRoleManagement, shared.ActionView)).Get("/catalog", h.handleCatalog)
	r.Route("/roles", func(r chi.Router) {
		r.With(require(shared.ModuleRoleManagement, shared.ActionView)).Get("/", h.handleListRoles)
		r.With(require(shared.ModuleRoleManagement, shared.ActionCreate)).Post("/", h.handleCreateRole)
		r.With(require(shared.ModuleRoleManagement, shared.ActionView)).Get("/{id}", h.handleGetRole)
		r.With(require(shared.ModuleRoleManagement, shared.ActionUpdate)).Put("/{id}", h.handleUpdateRole)
		r.With(require(shared.ModuleRoleManagement, shared.ActionDelete)).Delete("/{id}", h.handleDeleteRole)
	})

	r.Route("/actors", func(r chi.Router) {
		r.With(require(shared.ModuleUserManagement, shared.ActionView)).Get("/", h.handleListActors)
		r.With(require(shared.ModuleUserManagement, shared.ActionCreate)).Post("/", h.handleCreateActor)
		r.Route("/{id}", func(r chi.Router) {
			r.With(require(shared.ModuleUserManagement, shared.ActionView)).Get("/", h.handleGetActor)
			r.Group(func(r chi.Router) {
				r.Use(require(shared.ModuleUserManagement, shared.ActionUpdate))
				r.Post("/suspend", h.handleSuspendActor)
				r.Post("/reactivate", h.handleReactivateActor)
				r.Post("/unlock", h.handleUnlockActor)
				r.Post("/totp", h.handleEnrollTOTP)
				r.Put("/password", h.handleChangePassword)
			})
			r.With(require(shared.ModuleRoleManagement, shared.ActionView)).Get("/permissions", h.handlePermissions)
			r.With(require(shared.ModuleRoleManagement, shared.ActionUpdate)).Post("/roles/{roleID}", h.handleAssignRole)
			r.With(require(shared.ModuleRoleManagement, shared.ActionUpdate)).Delete("/roles/{roleID}", h.handleUnassignRole)
			r.With(require(shared.ModuleSessionManagement, shared.ActionDelete)).Delete("/sessions", h.handleRevokeActorSessions)
		})
	})

	r.Route("/ip-rules", func(r chi.Router) {
		r.With(require(shared.ModuleSecuritySettings, shared.ActionView)).Get("/", h.handleListIPRules)
		r.With(require(shared.ModuleSecuritySettings, shared.ActionCreate)).Post("/", h.handleAddIPRule)
		r.With(require(shared.ModuleSecuritySettings, shared.ActionDelete)).Delete("/{id}", h.handleRemoveIPRule)
	})

	r.Route("/audit", func(r chi.Router) {
		r.With(require(shared.ModuleAuditLog, shared.ActionView)).Get("/", h.handleAuditQuery)
		r.With(require(shared.ModuleAuditLog, shared.ActionView)).Get("/verify", h.handleAuditVerify)
		r.With(limiter(h.limits.Export, rateLimitKey), require(shared.ModuleAuditLog, shared.ActionExport)).
			Get("/export.csv", h.handleAuditExport)
	})
}

func limiter(perMinute int, key httprate.KeyFunc) func(http.Handler) http.Handler {
	return httprate.Limit(perMinute, time.Minute,
		httprate.WithKeyFuncs(key),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "rate_limited", "Too Many Requests", "")
		}),
	)
}

// rateLimitKey buckets by bearer token when present, by address otherwise.
func rateLimitKey(r *http.Request) (string, error) {
	if token := BearerToken(r); token != "" {
		return "token:" + sessions.HashToken(token), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
