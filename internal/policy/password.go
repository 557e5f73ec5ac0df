package policy

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// MaxPasswordBytes is the longest credential bcrypt can hash.
const MaxPasswordBytes = 72

// CheckPassword reports every rule of p that password does not meet.
func CheckPassword(p SecurityPolicy, password string) error {
	if len(password) > MaxPasswordBytes {
		return shared.NewValidationError("password", fmt.Sprintf("must not exceed %d bytes", MaxPasswordBytes))
	}
	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}

	var unmet []string
	if utf8.RuneCountInString(password) < p.MinPasswordLength {
		unmet = append(unmet, "length")
	}
	if p.RequireUppercase && !upper {
		unmet = append(unmet, "uppercase")
	}
	if p.RequireLowercase && !lower {
		unmet = append(unmet, "lowercase")
	}
	if p.RequireDigits && !digit {
		unmet = append(unmet, "digit")
	}
	if p.RequireSymbols && !symbol {
		unmet = append(unmet, "symbol")
	}
	if len(unmet) == 0 {
		return nil
	}
	return shared.NewValidationError("password", "missing "+strings.Join(unmet, ", "))
}
