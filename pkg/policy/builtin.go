package policy

import (
	"time"
)

// TierPackage is the Rego package every tier policy contributes to.
const TierPackage = "deployd.tier"

// BuiltinPolicies returns the policies shipped with deployd.
func BuiltinPolicies() []Policy {
	return []Policy{
		nonProductionOnlyPolicy(),
	}
}

// nonProductionOnlyPolicy keeps components flagged non-production only out
// of production environments.
func nonProductionOnlyPolicy() Policy {
	return Policy{
		Name:        "non-production-only",
		Description: "Skips components marked non-production only when the request targets production",
		Enabled:     true,
		Builtin:     true,
		LoadedAt:    time.Now(),
		Rego: `package deployd.tier

import rego.v1

skip contains msg if {
	input.production
	input.non_production_only
	msg := sprintf("component %s is marked non-production only and was not deployed to %s", [input.component, input.environment])
}
`,
	}
}
