package policy

// BuiltinGuardrails returns the guardrails loaded into every evaluator.
func BuiltinGuardrails() []Guardrail {
	return []Guardrail{
		emptyPromotionGuardrail(),
		productionDemotionGuardrail(),
		selfPromotionGuardrail(),
	}
}

// emptyPromotionGuardrail blocks promotions that would write nothing into a
// production environment.
func emptyPromotionGuardrail() Guardrail {
	return Guardrail{
		Name:        "no-empty-production-promotion",
		Description: "Blocks promotions with an empty workflow selection into production environments",
		Enabled:     true,
		Rego: `package driftwarden.guardrails.empty

import rego.v1

deny contains violation if {
	input.target.production
	input.workflows_count == 0
	violation := {
		"message": sprintf("refusing to promote an empty workflow selection into production environment '%s'", [input.target.name]),
		"guardrail": "no-empty-production-promotion",
	}
}
`,
	}
}

// productionDemotionGuardrail blocks promoting out of a production
// environment into a non-production one.
func productionDemotionGuardrail() Guardrail {
	return Guardrail{
		Name:        "no-production-demotion",
		Description: "Blocks promotions that flow from a production environment into a non-production one",
		Enabled:     true,
		Rego: `package driftwarden.guardrails.demotion

import rego.v1

deny contains violation if {
	input.source.production
	not input.target.production
	violation := {
		"message": sprintf("promotion from production environment '%s' into non-production environment '%s' is not allowed", [input.source.name, input.target.name]),
		"guardrail": "no-production-demotion",
	}
}
`,
	}
}

// selfPromotionGuardrail blocks promotions where source and target are the
// same environment.
func selfPromotionGuardrail() Guardrail {
	return Guardrail{
		Name:        "no-self-promotion",
		Description: "Blocks promotions whose source and target environment are identical",
		Enabled:     true,
		Rego: `package driftwarden.guardrails.self

import rego.v1

deny contains violation if {
	input.source.id == input.target.id
	violation := {
		"message": sprintf("source and target environment are both '%s'", [input.target.name]),
		"guardrail": "no-self-promotion",
	}
}
`,
	}
}
