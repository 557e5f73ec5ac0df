package accesshttp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-access/internal/access"
	"github.com/odyssey-erp/odyssey-access/internal/actors"
	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

const password = "Registry9Key"

type server struct {
	t      *testing.T
	svc    *access.Service
	router http.Handler
}

func newServer(t *testing.T) *server {
	t.Helper()
	ctx := context.Background()
	clock := shared.NewManualClock(time.Date(2025, 11, 3, 9, 0, 0, 0, time.UTC))
	stores, closeAudit, err := access.MemoryStores(ctx, testKey, clock, audit.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeAudit() })
	svc, err := access.Build(ctx, stores, access.Options{Clock: clock, BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)

	r := chi.NewRouter()
	NewHandler(nil, svc, Limits{Login: 1000, Export: 1000}).MountRoutes(r)
	return &server{t: t, svc: svc, router: r}
}

// actor creates an actor holding every permission of the given modules.
func (s *server) actor(id string, modules ...string) {
	s.t.Helper()
	ctx := context.Background()
	_, err := s.svc.CreateActor(ctx, shared.SystemCaller(), actors.CreateInput{ID: id, Name: id, Password: password})
	require.NoError(s.t, err)
	var perms []rbac.Permission
	for _, m := range modules {
		for _, a := range shared.StandardActions() {
			perms = append(perms, rbac.Permission{Module: m, Action: a})
		}
	}
	role, err := s.svc.CreateRole(ctx, shared.SystemCaller(), rbac.RoleInput{Name: "role-" + id, Permissions: perms})
	require.NoError(s.t, err)
	require.NoError(s.t, s.svc.AssignRole(ctx, shared.SystemCaller(), id, role.ID))
}

func (s *server) do(method, path, token string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.0.1.7:51234"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func (s *server) login(id string) string {
	s.t.Helper()
	rr := s.do(http.MethodPost, "/auth/login", "", map[string]any{"actor_id": id, "credential": password})
	require.Equal(s.t, http.StatusOK, rr.Code, rr.Body.String())
	var result access.LoginResult
	require.NoError(s.t, json.Unmarshal(rr.Body.Bytes(), &result))
	require.NotEmpty(s.t, result.Token)
	return result.Token
}

func problem(t *testing.T, rr *httptest.ResponseRecorder) httpx.ProblemDetail {
	t.Helper()
	var p httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
	return p
}

func TestLoginAndLogout(t *testing.T) {
	s := newServer(t)
	s.actor("admin", shared.CoreModules()...)

	rr := s.do(http.MethodPost, "/auth/login", "", map[string]any{"actor_id": "admin", "credential": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, httpx.CodeInvalidCredential, problem(t, rr).Code)

	token := s.login("admin")
	rr = s.do(http.MethodGet, "/policy", token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = s.do(http.MethodPost, "/auth/logout", token, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = s.do(http.MethodGet, "/policy", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "SessionInvalid", problem(t, rr).Reason)
}

func TestMissingPermissionIsForbidden(t *testing.T) {
	s := newServer(t)
	s.actor("ines", shared.ModuleExcuseManagement)
	token := s.login("ines")

	rr := s.do(http.MethodGet, "/roles", token, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	p := problem(t, rr)
	assert.Equal(t, httpx.CodeForbidden, p.Code)
	assert.Equal(t, "PermissionDenied", p.Reason)

	rr = s.do(http.MethodGet, "/roles", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRoleAdministration(t *testing.T) {
	s := newServer(t)
	s.actor("admin", shared.CoreModules()...)
	s.actor("ines", shared.ModuleTimetable)
	token := s.login("admin")

	rr := s.do(http.MethodPost, "/roles", token, map[string]any{
		"name":        "Instructor",
		"permissions": []map[string]string{{"module": shared.ModuleExcuseManagement, "action": shared.ActionView}},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var role rbac.Role
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &role))

	rr = s.do(http.MethodPost, "/roles", token, map[string]any{"name": "instructor"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = s.do(http.MethodPost, "/roles", token, map[string]any{
		"name":        "Bogus",
		"permissions": []map[string]string{{"module": "warpDrive", "action": "engage"}},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, problem(t, rr).Fields, "permissions")

	rr = s.do(http.MethodPost, "/actors/ines/roles/"+role.ID, token, nil)
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())

	rr = s.do(http.MethodGet, "/actors/ines/permissions", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"module":"excuseManagement"`)

	rr = s.do(http.MethodDelete, "/roles/"+role.ID, token, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, httpx.CodeRoleInUse, problem(t, rr).Code)
}

func TestPolicyValidationIsRejectedWholesale(t *testing.T) {
	s := newServer(t)
	s.actor("admin", shared.CoreModules()...)
	token := s.login("admin")

	before := s.svc.GetPolicy()
	next := before
	next.MinPasswordLength = 4
	next.MaxConcurrentSessions = 7
	rr := s.do(http.MethodPut, "/policy", token, next)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, problem(t, rr).Fields, "min_password_length")
	assert.Equal(t, before.Version, s.svc.GetPolicy().Version)
	assert.Equal(t, before.MaxConcurrentSessions, s.svc.GetPolicy().MaxConcurrentSessions)

	next.MinPasswordLength = 10
	rr = s.do(http.MethodPut, "/policy", token, next)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 7, s.svc.GetPolicy().MaxConcurrentSessions)
}

func TestIPRulesBlockRequests(t *testing.T) {
	s := newServer(t)
	s.actor("admin", shared.CoreModules()...)
	token := s.login("admin")

	rr := s.do(http.MethodPost, "/ip-rules", token, map[string]any{"type": "deny", "cidr": "10.0.x.0/24"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(http.MethodPost, "/ip-rules", token, map[string]any{"type": "deny", "cidr": "10.0.1.0/24", "description": "lab"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = s.do(http.MethodGet, "/ip-rules", token, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "IpBlocked", problem(t, rr).Reason)

	rr = s.do(http.MethodPost, "/auth/login", "", map[string]any{"actor_id": "admin", "credential": password})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, httpx.CodeIPBlocked, problem(t, rr).Code)
}

func TestSessionsAndActorsEndpoints(t *testing.T) {
	s := newServer(t)
	s.actor("admin", shared.CoreModules()...)
	token := s.login("admin")

	rr := s.do(http.MethodPost, "/actors", token, map[string]any{"id": "omar", "name": "Omar", "password": password})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.NotContains(t, rr.Body.String(), "password_hash")
	omarToken := s.login("omar")

	rr = s.do(http.MethodGet, "/sessions?actor_id=omar", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var listed struct {
		Sessions []json.RawMessage `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &listed))
	assert.Len(t, listed.Sessions, 1)
	assert.NotContains(t, rr.Body.String(), omarToken)

	rr = s.do(http.MethodPost, "/actors/omar/suspend", token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"revoked_sessions":1`)

	rr = s.do(http.MethodPost, "/actors/ghost/suspend", token, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAuthorizeEndpointAndAuditQuery(t *testing.T) {
	s := newServer(t)
	s.actor("admin", shared.CoreModules()...)
	s.actor("ines", shared.ModuleTimetable)
	adminToken := s.login("admin")
	inesToken := s.login("ines")

	rr := s.do(http.MethodPost, "/authorize", "", map[string]any{
		"token": inesToken, "source_ip": "10.0.1.9", "module": shared.ModuleTimetable, "action": shared.ActionView,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"allowed":true`)

	rr = s.do(http.MethodPost, "/authorize", "", map[string]any{
		"token": inesToken, "source_ip": "10.0.1.9", "module": shared.ModuleFinance, "action": shared.ActionView,
	})
	require.Equal(t, http.StatusForbidden, rr.Code)
	p := problem(t, rr)
	assert.Equal(t, "PermissionDenied", p.Reason)
	assert.Equal(t, httpx.CodeForbidden, p.Code)

	rr = s.do(http.MethodPost, "/authorize", "", map[string]any{
		"token": "not-a-session", "source_ip": "10.0.1.9", "module": shared.ModuleTimetable, "action": shared.ActionView,
	})
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "SessionInvalid", problem(t, rr).Reason)

	rr = s.do(http.MethodGet, "/audit?action=Authorize&outcome=denied", adminToken, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var page struct {
		Entries []audit.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	require.Len(t, page.Entries, 2)
	assert.Equal(t, "finance:view", page.Entries[0].Resource)
	assert.Equal(t, "timetable:view", page.Entries[1].Resource)

	rr = s.do(http.MethodGet, "/audit?from=yesterday", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(http.MethodGet, "/audit/verify", adminToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"ok":true`)

	rr = s.do(http.MethodGet, "/audit/export.csv", adminToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.HasPrefix(rr.Body.String(), "id,timestamp,actor_id"))
}

func TestLoginIsRateLimited(t *testing.T) {
	s := newServer(t)
	r := chi.NewRouter()
	NewHandler(nil, s.svc, Limits{Login: 2}).MountRoutes(r)
	s.router = r

	for i := 0; i < 2; i++ {
		rr := s.do(http.MethodPost, "/auth/login", "", map[string]any{"actor_id": "nobody", "credential": "x"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	}
	rr := s.do(http.MethodPost, "/auth/login", "", map[string]any{"actor_id": "nobody", "credential": "x"})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}
