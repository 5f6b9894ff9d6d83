package discovery

import (
	"context"
	"fmt"
	"strings"
)

// DeterministicPlanner composes "brand + model + field alias" queries
// without any LLM involvement — the fallback used when the LLM-backed
// planner is disabled or degrades (spec.md §4.6).
type DeterministicPlanner struct {
	// DocHints maps a field key to the DocHint most likely to carry it.
	// Fields not present default to DocSpec.
	DocHints map[string]DocHint
}

func (p DeterministicPlanner) Plan(ctx context.Context, identity Identity, needs []NeedField) ([]Query, error) {
	base := strings.TrimSpace(strings.Join(nonEmpty(identity.Brand, identity.Model, identity.Variant), " "))
	if base == "" {
		return nil, fmt.Errorf("discovery: identity has no brand/model to compose queries from")
	}

	var out []Query
	for _, need := range needs {
		hint := p.hintFor(need)
		terms := need.Aliases
		if len(terms) == 0 {
			terms = []string{strings.ReplaceAll(need.FieldKey, "_", " ")}
		}
		for _, term := range terms {
			out = append(out, Query{
				Text:         strings.TrimSpace(base + " " + term),
				TargetFields: []string{need.FieldKey},
				DocHint:      hint,
			})
		}
	}
	return out, nil
}

func (p DeterministicPlanner) hintFor(need NeedField) DocHint {
	if need.DocHint != "" {
		return need.DocHint
	}
	if h, ok := p.DocHints[need.FieldKey]; ok {
		return h
	}
	return DocSpec
}

func nonEmpty(vals ...string) []string {
	var out []string
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}
