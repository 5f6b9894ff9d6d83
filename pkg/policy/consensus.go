package policy

import (
	"context"
	_ "embed"

	"github.com/go-logr/logr"
)

//go:embed policies/consensus.rego
var defaultConsensusPolicy []byte

// ConsensusWeights is the decoded form of the consensus.rego document,
// consumed by pkg/consensus to weigh candidate assertions (spec.md §4.9).
type ConsensusWeights struct {
	TierWeight              map[string]float64 `json:"tier_weight"`
	MethodWeight            map[string]float64 `json:"method_weight"`
	SourceWeightDefault     float64             `json:"source_weight_default"`
	DiversityBonusPerDomain float64             `json:"diversity_bonus_per_domain"`
	DiversityBonusCap       float64             `json:"diversity_bonus_cap"`
	ConflictEpsilon         float64             `json:"conflict_epsilon"`
}

// LoadConsensusWeights compiles policyPath (or, if empty, a temp copy of the
// built-in default document) and decodes it into ConsensusWeights.
func LoadConsensusWeights(ctx context.Context, policyPath string, log logr.Logger) (ConsensusWeights, *Evaluator, error) {
	path, cleanup, err := resolvePolicyPath(policyPath, defaultConsensusPolicy, "consensus-*.rego")
	if err != nil {
		return ConsensusWeights{}, nil, err
	}
	defer cleanup()

	ev := NewEvaluator(Config{PolicyPath: path, Query: "data.consensus"}, log)
	if err := ev.Load(ctx); err != nil {
		return ConsensusWeights{}, nil, err
	}

	var w ConsensusWeights
	if err := ev.Decode(ctx, &w); err != nil {
		return ConsensusWeights{}, nil, err
	}
	return w, ev, nil
}
