package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/driftwarden/driftwarden/pkg/engine"
)

// Guardrail is a Rego policy applied to promotion requests before any lock
// or snapshot work starts.
type Guardrail struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
	Rego        string `json:"rego"`
}

// GuardrailEnvironment is the environment shape passed to Rego evaluation.
type GuardrailEnvironment struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Production bool   `json:"production"`
}

// PromotionInput is the Rego input document for promotion guardrails.
type PromotionInput struct {
	TenantID       string               `json:"tenant_id"`
	Source         GuardrailEnvironment `json:"source"`
	Target         GuardrailEnvironment `json:"target"`
	WorkflowsCount int                  `json:"workflows_count"`
	CreatedBy      string               `json:"created_by"`
	Reason         string               `json:"reason"`
}

// GuardrailViolation is a single deny result from a guardrail.
type GuardrailViolation struct {
	Guardrail string `json:"guardrail"`
	Message   string `json:"message"`
}

type compiledGuardrail struct {
	guardrail *Guardrail
	module    *ast.Module
	compiled  time.Time
}

// Guardrails evaluates Rego guardrails against promotion inputs.
type Guardrails struct {
	mu         sync.RWMutex
	guardrails map[string]*compiledGuardrail
	logger     zerolog.Logger
}

// NewGuardrails creates a guardrail evaluator with the built-in guardrails
// loaded.
func NewGuardrails(logger zerolog.Logger) (*Guardrails, error) {
	g := &Guardrails{
		guardrails: make(map[string]*compiledGuardrail),
		logger:     logger.With().Str("component", "guardrails").Logger(),
	}
	for _, builtin := range BuiltinGuardrails() {
		if err := g.add(builtin); err != nil {
			return nil, fmt.Errorf("failed to load built-in guardrail %s: %w", builtin.Name, err)
		}
	}
	return g, nil
}

// Add compiles and registers a guardrail, replacing any with the same name.
func (g *Guardrails) Add(guardrail Guardrail) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.add(guardrail)
}

func (g *Guardrails) add(guardrail Guardrail) error {
	module, err := ast.ParseModule(guardrail.Name+".rego", guardrail.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse guardrail %s: %w", guardrail.Name, err)
	}
	g.guardrails[guardrail.Name] = &compiledGuardrail{
		guardrail: &guardrail,
		module:    module,
		compiled:  time.Now(),
	}
	g.logger.Debug().Str("guardrail", guardrail.Name).Msg("Guardrail compiled")
	return nil
}

// Evaluate runs every enabled guardrail against the input and collects the
// deny results.
func (g *Guardrails) Evaluate(ctx context.Context, input *PromotionInput) ([]GuardrailViolation, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var violations []GuardrailViolation
	for _, cg := range g.guardrails {
		if !cg.guardrail.Enabled {
			continue
		}
		denied, err := g.evaluateGuardrail(ctx, cg, input)
		if err != nil {
			return nil, fmt.Errorf("guardrail %s evaluation failed: %w", cg.guardrail.Name, err)
		}
		violations = append(violations, denied...)
	}
	return violations, nil
}

// Check evaluates the guardrails and fails the promotion when any deny.
func (g *Guardrails) Check(ctx context.Context, input *PromotionInput) error {
	violations, err := g.Evaluate(ctx, input)
	if err != nil {
		return engine.NewPolicyBlockedError("guardrail evaluation failed", err)
	}
	if len(violations) == 0 {
		return nil
	}

	messages := make([]string, 0, len(violations))
	for _, v := range violations {
		messages = append(messages, v.Message)
	}
	g.logger.Warn().
		Str("tenant_id", input.TenantID).
		Str("target_environment", input.Target.ID).
		Strs("violations", messages).
		Msg("Promotion denied by guardrails")

	return engine.NewPolicyBlockedError(
		fmt.Sprintf("promotion denied by guardrails: %s", strings.Join(messages, "; ")), nil).
		WithCode(engine.ErrCodeGuardrailDenied).
		WithOperation("promotion").
		WithDetail("violations", violations)
}

func (g *Guardrails) evaluateGuardrail(ctx context.Context, cg *compiledGuardrail, input *PromotionInput) ([]GuardrailViolation, error) {
	packageName := extractPackageName(cg.guardrail.Rego)
	query := fmt.Sprintf("data.%s.deny", packageName)

	r := rego.New(
		rego.Module(cg.guardrail.Name, cg.guardrail.Rego),
		rego.Query(query),
		rego.Input(input),
	)

	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("guardrail evaluation error: %w", err)
	}

	var violations []GuardrailViolation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, GuardrailViolation{
				Guardrail: cg.guardrail.Name,
				Message:   denyMessage(d),
			})
		}
	}
	return violations, nil
}

func denyMessage(result interface{}) string {
	switch v := result.(type) {
	case string:
		return v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			return msg
		}
	}
	return fmt.Sprintf("%v", result)
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(code string) string {
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "driftwarden.guardrails"
}
