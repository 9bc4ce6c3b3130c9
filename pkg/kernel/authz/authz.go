// Package authz implements the kernel's claims-based authorization check
// (spec §4.3): a runbook's Required Claims section is evaluated against
// the caller's token claims, one claim at a time.
package authz

import (
	"sort"

	"github.com/runbookhq/runbookd/pkg/kernel/types"
)

// Decision carries the authorization evaluation result for one runbook.
type Decision struct {
	Allowed     bool
	DeniedClaim string // the alphabetically-first failing claim name, if denied
}

// Evaluate checks required against the caller's held claims. A runbook
// with no Required Claims section (required == nil) is open access. For
// each required claim, the caller must hold at least one of the listed
// values (H(C) ∩ R(C) ≠ ∅); claim names are evaluated in sorted order so
// that, when several fail at once, DeniedClaim is the same one every
// run rather than whatever order Go's map iteration happens to produce.
// This matches the "most restrictive decision wins" shape of the
// teacher's governance evaluator, generalized here to per-claim denial
// rather than a three-way allow/approve/deny lattice.
func Evaluate(required types.ClaimSet, held types.ClaimSet) Decision {
	if len(required) == 0 {
		return Decision{Allowed: true}
	}

	claims := make([]string, 0, len(required))
	for claim := range required {
		claims = append(claims, claim)
	}
	sort.Strings(claims)

	for _, claim := range claims {
		if !hasAny(held[claim], required[claim]) {
			return Decision{Allowed: false, DeniedClaim: claim}
		}
	}
	return Decision{Allowed: true}
}

// hasAny reports whether held and allowed share at least one value.
func hasAny(held, allowed []string) bool {
	if len(held) == 0 || len(allowed) == 0 {
		return false
	}
	set := make(map[string]bool, len(allowed))
	for _, v := range allowed {
		set[v] = true
	}
	for _, v := range held {
		if set[v] {
			return true
		}
	}
	return false
}
