package discovery

import (
	"context"
	"encoding/json"
	"fmt"
)

// PlanCaller invokes the LLM Router's "plan" role with a prompt and returns
// its raw text response. Kept as a plain function type rather than a direct
// dependency on pkg/llmrouter so this package never needs to know about
// model providers.
type PlanCaller func(ctx context.Context, prompt string) (string, error)

// llmPlanResponse is the schema the "plan" role is expected to answer with:
// a flat list of queries, each naming the fields it targets.
type llmPlanResponse struct {
	Queries []struct {
		Text         string   `json:"text"`
		TargetFields []string `json:"target_fields"`
		DocHint      string   `json:"doc_hint"`
		DomainHint   string   `json:"domain_hint"`
	} `json:"queries"`
}

// LLMPlanner asks the "plan" role to author a SearchProfile directly.
// Callers should fall back to DeterministicPlanner when Plan returns an
// error — a malformed or empty response is treated as a planning failure,
// not a partial result.
type LLMPlanner struct {
	Call   PlanCaller
	Prompt func(identity Identity, needs []NeedField) string
}

func (p LLMPlanner) Plan(ctx context.Context, identity Identity, needs []NeedField) ([]Query, error) {
	if p.Call == nil {
		return nil, fmt.Errorf("discovery: LLMPlanner has no Call configured")
	}
	prompt := p.Prompt
	if prompt == nil {
		prompt = defaultPlanPrompt
	}

	raw, err := p.Call(ctx, prompt(identity, needs))
	if err != nil {
		return nil, fmt.Errorf("discovery: plan role call: %w", err)
	}

	var resp llmPlanResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("discovery: parse plan response: %w", err)
	}
	if len(resp.Queries) == 0 {
		return nil, fmt.Errorf("discovery: plan response named no queries")
	}

	out := make([]Query, 0, len(resp.Queries))
	for _, q := range resp.Queries {
		if q.Text == "" {
			continue
		}
		out = append(out, Query{
			Text:         q.Text,
			TargetFields: q.TargetFields,
			DocHint:      DocHint(q.DocHint),
			DomainHint:   q.DomainHint,
		})
	}
	return out, nil
}

func defaultPlanPrompt(identity Identity, needs []NeedField) string {
	fields := make([]string, 0, len(needs))
	for _, n := range needs {
		fields = append(fields, n.FieldKey)
	}
	return fmt.Sprintf(
		"Compose web search queries for product %s %s %s that would surface evidence for these fields: %v. "+
			"Respond as JSON: {\"queries\":[{\"text\":\"...\",\"target_fields\":[...],\"doc_hint\":\"spec|review|manual|driver\",\"domain_hint\":\"...\"}]}.",
		identity.Brand, identity.Model, identity.Variant, fields,
	)
}
