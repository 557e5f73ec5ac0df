package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

func TestRespondErrorMapsTaxonomy(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{shared.NewValidationError("name", "required"), http.StatusBadRequest, CodeValidation},
		{fmt.Errorf("rbac: role x: %w", shared.ErrNotFound), http.StatusNotFound, CodeNotFound},
		{shared.ErrRoleInUse, http.StatusConflict, CodeRoleInUse},
		{shared.ErrAccountLocked, http.StatusLocked, CodeAccountLocked},
		{shared.ErrSessionExpired, http.StatusUnauthorized, CodeSessionExpired},
		{shared.Persistence("audit append", errors.New("disk full")), http.StatusServiceUnavailable, CodePersistence},
		{errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			rr := httptest.NewRecorder()
			RespondError(rr, tc.err)
			assert.Equal(t, tc.status, rr.Code)
			assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
			var body ProblemDetail
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.Equal(t, tc.code, body.Code)
			assert.NotContains(t, body.Detail, "disk full")
		})
	}
}

func TestRespondErrorIncludesValidationFields(t *testing.T) {
	rr := httptest.NewRecorder()
	verr := shared.NewValidationError("min_password_length", "must be at least 6")
	RespondError(rr, fmt.Errorf("policy: update: %w", verr))
	var body ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "must be at least 6", body.Fields["min_password_length"])
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var target struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a","extra":1}`))
	err := DecodeJSON(req, &target)
	require.ErrorIs(t, err, shared.ErrValidation)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a"}`))
	require.NoError(t, DecodeJSON(req, &target))
	assert.Equal(t, "a", target.Name)
}
