package connector

import (
	"strings"

	"github.com/opsdeck/sidecar/internal/app/domain/connector"
)

// Diagnosis categories.
const (
	CategoryTenantMembership  = "TENANT_MEMBERSHIP"
	CategoryConditionalAccess = "CONDITIONAL_ACCESS"
	CategoryConsentPending    = "CONSENT_PENDING"
	CategoryInsufficientScope = "INSUFFICIENT_SCOPE"
	CategoryExpiredGrant      = "EXPIRED_GRANT"
	CategoryUnknown           = "UNKNOWN"
)

const (
	ConfidenceHigh   = "HIGH"
	ConfidenceMedium = "MEDIUM"
	ConfidenceLow    = "LOW"
)

type diagnosticRule struct {
	needles    []string
	category   string
	confidence string
	actions    []string
}

// diagnosticRules is checked in order; the first rule whose every needle
// appears in the error text wins.
var diagnosticRules = []diagnosticRule{
	{
		needles:    []string{"aadsts50020"},
		category:   CategoryTenantMembership,
		confidence: ConfidenceHigh,
		actions: []string{
			"Verify the signed-in account belongs to the configured tenant.",
			"Ask the tenant admin to invite the account as a guest if cross-tenant access is intended.",
		},
	},
	{
		needles:    []string{"aadsts53003"},
		category:   CategoryConditionalAccess,
		confidence: ConfidenceHigh,
		actions: []string{
			"A conditional access policy blocked sign-in.",
			"Ask the tenant admin to exempt this device flow or satisfy the policy from a managed device.",
		},
	},
	{
		needles:    []string{"authorization_pending"},
		category:   CategoryConsentPending,
		confidence: ConfidenceHigh,
		actions: []string{
			"Sign-in has not been completed yet.",
			"Finish the device-code prompt in a browser, then poll again.",
		},
	},
	{
		needles:    []string{"insufficient", "scope"},
		category:   CategoryInsufficientScope,
		confidence: ConfidenceMedium,
		actions: []string{
			"The stored token lacks a required scope.",
			"Revoke the token and run the device-code flow again with the configured scopes.",
		},
	},
	{
		needles:    []string{"aadsts70008"},
		category:   CategoryExpiredGrant,
		confidence: ConfidenceHigh,
		actions: []string{
			"The grant has expired.",
			"Run the device-code flow again.",
		},
	},
	{
		needles:    []string{"invalid_grant"},
		category:   CategoryExpiredGrant,
		confidence: ConfidenceMedium,
		actions: []string{
			"The grant is no longer valid.",
			"Run the device-code flow again.",
		},
	},
}

// Classify maps raw upstream error text to an operator-facing diagnosis.
// Matching is case-insensitive substring search; unmatched text yields
// UNKNOWN with LOW confidence.
func Classify(errorText string) connector.Diagnosis {
	lowered := strings.ToLower(errorText)
	for _, rule := range diagnosticRules {
		matched := true
		for _, needle := range rule.needles {
			if !strings.Contains(lowered, needle) {
				matched = false
				break
			}
		}
		if matched {
			return connector.Diagnosis{
				Category:    rule.category,
				Confidence:  rule.confidence,
				NextActions: append([]string(nil), rule.actions...),
			}
		}
	}
	return connector.Diagnosis{
		Category:   CategoryUnknown,
		Confidence: ConfidenceLow,
		NextActions: []string{
			"Inspect the raw upstream error and the provider's status page.",
			"Retry once; if it persists, revoke and re-run the device-code flow.",
		},
	}
}
