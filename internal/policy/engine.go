package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Decisions returned by the admission policy.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Input is what the policy sees for each inbound event.
type Input struct {
	Event        string `json:"event"`
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	Data         any    `json:"data"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.huddle.decision"),
		rego.Module("huddle.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// LoadEngine builds an engine from path, or from DefaultPolicy when path is empty.
func LoadEngine(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate returns the decision for input. A policy that yields nothing allows.
func (e *Engine) Evaluate(ctx context.Context, input Input) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, nil
	}

	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("policy returned %T, want string", results[0].Expressions[0].Value)
}

// DefaultPolicy blocks identified connections from acting on behalf of another user.
const DefaultPolicy = `
package huddle

default decision = "allow"

impersonating {
	input.user_id != ""
	claimed := object.get(input.data, "user_id", object.get(input.data, "userId", input.user_id))
	as_string(claimed) != input.user_id
}

as_string(x) = x {
	is_string(x)
}

as_string(x) = s {
	is_number(x)
	s := format_int(x, 10)
}

decision = "block" {
	acting_events[input.event]
	is_object(input.data)
	impersonating
}

acting_events = {"send_message", "delete_message", "typing_start", "typing_stop"}
`
