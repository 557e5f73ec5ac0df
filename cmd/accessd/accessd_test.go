package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/odyssey-erp/odyssey-access/testing"
)

const testAuditKey = "30313233343536373839616263646566303132333435363738396162636465663031"

func memoryEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("AUDIT_HMAC_KEY", testAuditKey)
	t.Setenv("APP_ENV", "test")
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRootListsSubcommands(t *testing.T) {
	root := newRootCmd(&bytes.Buffer{})
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "migrate", "seed", "audit", "jobs"} {
		assert.Contains(t, names, want)
	}
}

func TestServeSkipsInTestMode(t *testing.T) {
	code, _, stderr := run(t, "serve")
	assert.Equal(t, 0, code, stderr)
}

func TestAuditVerifyOnEmptyMemoryLog(t *testing.T) {
	memoryEnv(t)
	code, stdout, stderr := run(t, "audit", "verify", "--json")
	require.Equal(t, 0, code, stderr)

	var report struct {
		OK      bool `json:"ok"`
		Checked int  `json:"checked"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.True(t, report.OK)
	assert.Zero(t, report.Checked)
}

func TestAuditExportWritesHeader(t *testing.T) {
	memoryEnv(t)
	out := filepath.Join(t.TempDir(), "audit.csv")
	code, _, stderr := run(t, "audit", "export", "--out", out)
	require.Equal(t, 0, code, stderr)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "id,timestamp,actor_id"))
}

func TestAuditExportRejectsBadTimestamp(t *testing.T) {
	memoryEnv(t)
	code, _, stderr := run(t, "audit", "export", "--from", "yesterday")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "invalid timestamp")
}

func TestSeedRequiresFile(t *testing.T) {
	memoryEnv(t)
	code, _, stderr := run(t, "seed")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Error:")
}

func TestSeedAppliesFixture(t *testing.T) {
	memoryEnv(t)
	path := filepath.Join(t.TempDir(), "seed.yaml")
	fixture := `roles:
  - id: auditor
    name: Auditor
    permissions: ["auditLog:view"]
`
	require.NoError(t, os.WriteFile(path, []byte(fixture), 0o600))

	code, stdout, stderr := run(t, "seed", "--file", path)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, `"roles_created": 1`)
}

func TestJobsTriggerRejectsUnknownTask(t *testing.T) {
	code, _, stderr := run(t, "jobs", "trigger", "reports:rebuild")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "invalid argument")
}

func TestExitErrorUnwraps(t *testing.T) {
	cause := errors.New("audit chain broken")
	err := fmt.Errorf("verify: %w", &exitError{code: exitChainBroken, err: cause})

	var exit *exitError
	require.True(t, errors.As(err, &exit))
	assert.Equal(t, exitChainBroken, exit.code)
	assert.ErrorIs(t, err, cause)
}
