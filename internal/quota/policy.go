package quota

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// PlanPolicy resolves a user's effective billing tier with a Rego policy.
// Tier names and the override list are configuration fed as input; the
// policy itself only encodes the resolution order.
type PlanPolicy struct {
	query rego.PreparedEvalQuery
}

// NewPlanPolicy prepares the policy for evaluation.
func NewPlanPolicy(ctx context.Context, policyContent string) (*PlanPolicy, error) {
	r := rego.New(
		rego.Query("data.plan_policy.effective"),
		rego.Module("plan_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &PlanPolicy{query: query}, nil
}

// PlanInput is the evaluation input for one user.
type PlanInput struct {
	Email          string   `json:"email"`
	StoredPlan     string   `json:"stored_plan"`
	BaseTier       string   `json:"base_tier"`
	TopTier        string   `json:"top_tier"`
	OverrideEmails []string `json:"override_emails"`
}

// Effective returns the user's effective tier.
func (p *PlanPolicy) Effective(ctx context.Context, input PlanInput) (string, error) {
	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "", fmt.Errorf("policy produced no decision")
	}
	tier, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return "", fmt.Errorf("policy returned non-string decision: %v", results[0].Expressions[0].Value)
	}
	return tier, nil
}

// DefaultPlanPolicy is the default plan-resolution policy: an email on the
// override list gets the top tier regardless of the stored plan; otherwise
// the stored plan applies, defaulting to the base tier when unset.
const DefaultPlanPolicy = `
package plan_policy

import rego.v1

effective := input.top_tier if {
	input.email in input.override_emails
}

effective := input.stored_plan if {
	not input.email in input.override_emails
	input.stored_plan != ""
}

effective := input.base_tier if {
	not input.email in input.override_emails
	input.stored_plan == ""
}
`
