package accesshttp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/odyssey-erp/odyssey-access/internal/authz"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// clientIP strips the port from the remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Authorizer renders access decisions.
type Authorizer interface {
	Authorize(ctx context.Context, token, sourceIP, module, action string) (authz.Decision, error)
}

// Guard protects routes with an authorization check per request.
type Guard struct {
	Authorizer Authorizer
	Logger     *slog.Logger
}

// Require admits the request only when the bearer's session holds
// (module, action). The authorized caller is stored in the request context.
func (g Guard) Require(module, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			decision, err := g.Authorizer.Authorize(r.Context(), token, clientIP(r), module, action)
			if err != nil && g.Logger != nil {
				g.Logger.Error("authorization check failed",
					slog.String("module", module),
					slog.String("action", action),
					slog.Any("error", err))
			}
			if !decision.Allowed {
				respondDenied(w, decision, err)
				return
			}
			ctx := shared.ContextWithCaller(r.Context(), shared.Caller{ActorID: decision.ActorID, SourceIP: clientIP(r)})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func respondDenied(w http.ResponseWriter, d authz.Decision, err error) {
	problem := httpx.ProblemDetail{Reason: string(d.Reason)}
	switch {
	case errors.Is(err, shared.ErrPersistence):
		problem.Status, problem.Title, problem.Code = http.StatusServiceUnavailable, "Storage Unavailable", httpx.CodePersistence
	case d.Reason == authz.ReasonSessionInvalid:
		problem.Status, problem.Title, problem.Code = http.StatusUnauthorized, "Unauthorized", httpx.CodeUnauthorized
	default:
		problem.Status, problem.Title, problem.Code = http.StatusForbidden, "Forbidden", httpx.CodeForbidden
	}
	httpx.WriteProblem(w, problem)
}

func callerFrom(r *http.Request) shared.Caller {
	caller, ok := shared.CallerFromContext(r.Context())
	if !ok {
		return shared.Caller{SourceIP: clientIP(r)}
	}
	return caller
}
