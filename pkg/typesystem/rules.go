package typesystem

import (
	"context"
	"fmt"
	"sort"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"
)

// contractRules is a prepared Rego query over a module's deny set.
type contractRules struct {
	typeID string
	query  rego.PreparedEvalQuery
}

func compileRules(ctx context.Context, typeID, src string) (*contractRules, error) {
	module, err := ast.ParseModuleWithOpts(typeID, src, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return nil, fmt.Errorf("parse rego rules for %s: %w", typeID, err)
	}

	query := module.Package.Path.String() + ".deny"
	prepared, err := rego.New(
		rego.Query(query),
		rego.ParsedModule(module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego rules for %s: %w", typeID, err)
	}

	return &contractRules{typeID: typeID, query: prepared}, nil
}

// evaluate returns the sorted deny messages produced for input.
func (r *contractRules) evaluate(ctx context.Context, input any) ([]string, error) {
	results, err := r.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluate rules for %s: %w", r.typeID, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	raw, ok := results[0].Expressions[0].Value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("rules for %s: deny must be a set, got %T", r.typeID, results[0].Expressions[0].Value)
	}

	violations := make([]string, 0, len(raw))
	for _, item := range raw {
		if msg, ok := item.(string); ok {
			violations = append(violations, msg)
		} else {
			violations = append(violations, fmt.Sprint(item))
		}
	}
	sort.Strings(violations)
	return violations, nil
}
