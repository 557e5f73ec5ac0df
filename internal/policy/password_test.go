package policy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

func TestCheckPassword(t *testing.T) {
	p := Default()
	p.RequireSymbols = true

	require.NoError(t, CheckPassword(p, "Sturdy#Pass1"))

	err := CheckPassword(p, "short")
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrValidation)
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	msg := verr.Fields["password"]
	assert.Contains(t, msg, "length")
	assert.Contains(t, msg, "uppercase")
	assert.Contains(t, msg, "digit")
	assert.Contains(t, msg, "symbol")
	assert.NotContains(t, msg, "lowercase")
}

func TestCheckPasswordCountsRunes(t *testing.T) {
	p := SecurityPolicy{MinPasswordLength: 6}
	assert.NoError(t, CheckPassword(p, "ééééééé"))
	assert.Error(t, CheckPassword(p, "éé"))
}

func TestCheckPasswordRejectsOverlongInput(t *testing.T) {
	p := Default()
	require.NoError(t, CheckPassword(p, "Aa1#"+strings.Repeat("x", MaxPasswordBytes-4)))

	err := CheckPassword(p, "Aa1#"+strings.Repeat("x", MaxPasswordBytes))
	require.ErrorIs(t, err, shared.ErrValidation)
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields["password"], "72 bytes")

	// Multi-byte runes count by encoded length.
	assert.ErrorIs(t, CheckPassword(SecurityPolicy{MinPasswordLength: 6}, strings.Repeat("é", 37)), shared.ErrValidation)
}
