package policy

import (
	"context"
	_ "embed"
	"os"

	"github.com/go-logr/logr"
)

//go:embed policies/needset.rego
var defaultNeedSetPolicy []byte

// NeedSetWeights is the decoded form of the needset.rego document, consumed
// by pkg/needset to turn a field contract and its current state into a need
// score (spec.md §4.5).
type NeedSetWeights struct {
	RequiredWeight           map[string]float64 `json:"required_weight"`
	TierDeficitWeight        float64             `json:"tier_deficit_weight"`
	MinRefsDeficitWeight     float64             `json:"min_refs_deficit_weight"`
	ConflictMult             float64             `json:"conflict_mult"`
	FreshnessHalfLifeDays    float64             `json:"freshness_half_life_days"`
	IdentityCap              float64             `json:"identity_cap"`
}

// LoadNeedSetWeights compiles policyPath (or, if empty, a temp copy of the
// built-in default document) and decodes it into NeedSetWeights.
func LoadNeedSetWeights(ctx context.Context, policyPath string, log logr.Logger) (NeedSetWeights, *Evaluator, error) {
	path, cleanup, err := resolvePolicyPath(policyPath, defaultNeedSetPolicy, "needset-*.rego")
	if err != nil {
		return NeedSetWeights{}, nil, err
	}
	defer cleanup()

	ev := NewEvaluator(Config{PolicyPath: path, Query: "data.needset"}, log)
	if err := ev.Load(ctx); err != nil {
		return NeedSetWeights{}, nil, err
	}

	var w NeedSetWeights
	if err := ev.Decode(ctx, &w); err != nil {
		return NeedSetWeights{}, nil, err
	}
	return w, ev, nil
}

func resolvePolicyPath(configured string, fallback []byte, pattern string) (path string, cleanup func(), err error) {
	if configured != "" {
		return configured, func() {}, nil
	}
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", nil, err
	}
	if _, err := f.Write(fallback); err != nil {
		_ = f.Close()
		return "", nil, err
	}
	_ = f.Close()
	return f.Name(), func() { _ = os.Remove(f.Name()) }, nil
}
