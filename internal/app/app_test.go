package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	accesshttp "github.com/odyssey-erp/odyssey-access/internal/access/http"
)

const testHexKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestLoadConfigRequiresAuditKey(t *testing.T) {
	t.Setenv("AUDIT_HMAC_KEY", "")
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("AUDIT_HMAC_KEY", testHexKey)
	t.Setenv("STORE_DRIVER", "memory")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, 128, cfg.AuditBatchSize)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{StoreDriver: "sqlite", AuditHMACKey: "abcd", AuditBatchSize: 0, AuthzTimeout: 0, BcryptCost: 2}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"STORE_DRIVER", "AUDIT_HMAC_KEY", "AUDIT_BATCH_SIZE", "AUTHZ_TIMEOUT", "BCRYPT_COST"} {
		assert.Contains(t, err.Error(), want)
	}

	cfg.AuditHMACKey = "zz" + testHexKey[2:]
	_, err = cfg.AuditKey()
	assert.ErrorContains(t, err, "hex")

	cfg.AuditHMACKey = testHexKey
	key, err := cfg.AuditKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestRouterServesAccessAPI(t *testing.T) {
	cfg := &Config{
		AppEnv:              "development",
		StoreDriver:         DriverMemory,
		AuditHMACKey:        testHexKey,
		AuditBatchSize:      16,
		AuthzTimeout:        1e9,
		BcryptCost:          4,
		RateLimitPerMinute:  1000,
		PermissionCacheSize: 100,
	}
	container, err := NewContainer(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Close() })

	router := NewRouter(RouterParams{
		Logger:        container.Logger,
		Config:        cfg,
		AccessHandler: accesshttp.NewHandler(container.Logger, container.Service, accesshttp.Limits{}),
		Metrics:       container.Metrics,
		Checks:        container.Checks(),
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/roles", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/problem+json")

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.True(t, strings.Contains(body, `odyssey_access_authz_decisions_total{outcome="deny",reason="SessionInvalid"} 1`), body)
}
