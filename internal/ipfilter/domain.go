package ipfilter

import (
	"net/netip"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// RuleType selects whether a matching rule admits or blocks traffic.
type RuleType string

const (
	RuleAllow RuleType = "allow"
	RuleDeny  RuleType = "deny"
)

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	return t == RuleAllow || t == RuleDeny
}

// Verdict is the outcome of evaluating a source address.
type Verdict string

const (
	Allow Verdict = "allow"
	Deny  Verdict = "deny"
)

// Rule is a persisted allow or deny entry. CIDR is always in canonical
// prefix form; single addresses are stored as /32 or /128.
type Rule struct {
	ID          string    `json:"id"`
	Type        RuleType  `json:"type"`
	CIDR        string    `json:"cidr"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	CreatedBy   string    `json:"created_by"`
}

// ParsePrefix accepts an address or a CIDR and returns the masked prefix.
func ParsePrefix(value string) (netip.Prefix, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return netip.Prefix{}, shared.NewValidationError("cidr", "required")
	}
	if strings.Contains(value, "/") {
		prefix, err := netip.ParsePrefix(value)
		if err != nil {
			return netip.Prefix{}, shared.NewValidationError("cidr", "malformed prefix")
		}
		if prefix.Addr().Is4In6() {
			bits := prefix.Bits() - 96
			if bits < 0 {
				return netip.Prefix{}, shared.NewValidationError("cidr", "malformed prefix")
			}
			prefix = netip.PrefixFrom(prefix.Addr().Unmap(), bits)
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(value)
	if err != nil {
		return netip.Prefix{}, shared.NewValidationError("cidr", "malformed address")
	}
	addr = addr.Unmap().WithZone("")
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// ParseSource parses a request source address, accepting host:port forms.
func ParseSource(value string) (netip.Addr, bool) {
	value = strings.TrimSpace(value)
	if addrPort, err := netip.ParseAddrPort(value); err == nil {
		return addrPort.Addr().Unmap().WithZone(""), true
	}
	addr, err := netip.ParseAddr(strings.Trim(value, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(""), true
}
