package policy

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwarden/driftwarden/pkg/engine"
)

func promotionInput() *PromotionInput {
	return &PromotionInput{
		TenantID:       "tenant-1",
		Source:         GuardrailEnvironment{ID: "env-staging", Name: "staging"},
		Target:         GuardrailEnvironment{ID: "env-prod", Name: "production", Production: true},
		WorkflowsCount: 3,
		CreatedBy:      "ops@example.com",
	}
}

func TestGuardrailsAllowCleanPromotion(t *testing.T) {
	g, err := NewGuardrails(zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, g.Check(context.Background(), promotionInput()))
}

func TestGuardrailsDenyEmptyProductionPromotion(t *testing.T) {
	g, err := NewGuardrails(zerolog.Nop())
	require.NoError(t, err)

	input := promotionInput()
	input.WorkflowsCount = 0

	err = g.Check(context.Background(), input)
	require.Error(t, err)
	assert.True(t, engine.IsPolicyBlocked(err))
	assert.True(t, engine.HasCode(err, engine.ErrCodeGuardrailDenied))
	assert.Contains(t, err.Error(), "empty workflow selection")
}

func TestGuardrailsDenyProductionDemotion(t *testing.T) {
	g, err := NewGuardrails(zerolog.Nop())
	require.NoError(t, err)

	input := promotionInput()
	input.Source = GuardrailEnvironment{ID: "env-prod", Name: "production", Production: true}
	input.Target = GuardrailEnvironment{ID: "env-dev", Name: "dev"}

	err = g.Check(context.Background(), input)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed")
}

func TestGuardrailsDenySelfPromotion(t *testing.T) {
	g, err := NewGuardrails(zerolog.Nop())
	require.NoError(t, err)

	input := promotionInput()
	input.Source = input.Target

	violations, err := g.Evaluate(context.Background(), input)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "no-self-promotion", violations[0].Guardrail)
}

func TestGuardrailsCustomRule(t *testing.T) {
	g, err := NewGuardrails(zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, g.Add(Guardrail{
		Name:    "require-reason",
		Enabled: true,
		Rego: `package driftwarden.guardrails.reason

import rego.v1

deny contains violation if {
	input.target.production
	input.reason == ""
	violation := {"message": "promotions into production require a reason"}
}
`,
	}))

	input := promotionInput()
	err = g.Check(context.Background(), input)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "require a reason")

	input.Reason = "release 42"
	require.NoError(t, g.Check(context.Background(), input))
}

func TestGuardrailsRejectInvalidRego(t *testing.T) {
	g, err := NewGuardrails(zerolog.Nop())
	require.NoError(t, err)

	err = g.Add(Guardrail{Name: "broken", Enabled: true, Rego: "this is not rego"})
	require.Error(t, err)
}

func TestGuardrailsDisabledRuleSkipped(t *testing.T) {
	g, err := NewGuardrails(zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, g.Add(Guardrail{
		Name:    "deny-everything",
		Enabled: false,
		Rego: `package driftwarden.guardrails.everything

import rego.v1

deny contains violation if {
	violation := {"message": "always denied"}
}
`,
	}))

	require.NoError(t, g.Check(context.Background(), promotionInput()))
}
