// Package needset implements the §4.5 NeedSet Engine: a pure scoring
// function that turns a field's contract, current resolved state, and the
// evidence collected for it so far into a ranked "how badly do we still
// need this field" score, recomputed every orchestrator round.
package needset

import (
	"math"
	"time"

	"github.com/spec-harvester/harvester/pkg/domain"
	"github.com/spec-harvester/harvester/pkg/policy"
)

// ReasonCode names one factor that pushed a field's need score up or kept
// it at zero, surfaced alongside the score so a reviewer (or a log line)
// can see why a field was or wasn't queued this round.
type ReasonCode string

const (
	ReasonSatisfied       ReasonCode = "gate_satisfied"
	ReasonLowConfidence   ReasonCode = "low_confidence"
	ReasonTierDeficit     ReasonCode = "tier_deficit"
	ReasonRefsDeficit     ReasonCode = "min_refs_deficit"
	ReasonConflict        ReasonCode = "conflict"
	ReasonStale           ReasonCode = "freshness_decay"
	ReasonIdentityPending ReasonCode = "identity_pending"
)

// NeedRow is one field's scored entry in the ranked NeedSet output.
type NeedRow struct {
	FieldKey string
	Need     float64
	Reasons  []ReasonCode
}

// Engine evaluates Compute against a loaded policy.NeedSetWeights document.
type Engine struct {
	Weights policy.NeedSetWeights
	// IdentityLocked reports whether the run's identity-tier fields have
	// already been resolved; non-identity fields are capped by
	// Weights.IdentityCap until then (spec.md §4.5 "identity_cap clamps
	// target fields before identity is locked").
	IdentityLocked bool
	// Now is overridable for deterministic tests.
	Now func() time.Time
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Compute scores one field. evidence is every EvidenceRef currently backing
// the field's candidates (across all tiers, not just the selected one).
func (e Engine) Compute(contract domain.FieldContract, state domain.FieldState, evidence []domain.EvidenceRef) NeedRow {
	var reasons []ReasonCode

	missing := missingMult(contract, state, evidence)
	if missing == 0 {
		return NeedRow{FieldKey: contract.FieldKey, Need: 0, Reasons: []ReasonCode{ReasonSatisfied}}
	}

	conf := confMult(state)
	if conf > 0 {
		reasons = append(reasons, ReasonLowConfidence)
	}

	required := requiredWeight(contract, e.Weights)

	tierDef := tierDeficitMult(contract, evidence, e.Weights)
	if tierDef > 1 {
		reasons = append(reasons, ReasonTierDeficit)
	}

	refsDef := minRefsDeficitMult(contract, evidence, e.Weights)
	if refsDef > 1 {
		reasons = append(reasons, ReasonRefsDeficit)
	}

	conflict := conflictMult(state, e.Weights)
	if conflict > 1 {
		reasons = append(reasons, ReasonConflict)
	}

	fresh := freshnessDecay(evidence, e.Weights, e.now())
	if fresh < 1 {
		reasons = append(reasons, ReasonStale)
	}

	cap := identityCap(contract, e.IdentityLocked, e.Weights)
	if cap < 1 {
		reasons = append(reasons, ReasonIdentityPending)
	}

	need := missing * conf * required * tierDef * refsDef * conflict * fresh * cap
	return NeedRow{FieldKey: contract.FieldKey, Need: need, Reasons: reasons}
}

// missingMult is 0 once the field already satisfies its gate: a selected
// value backed by at least MinDistinctRefs distinct sources and, if the
// contract names preferred tiers, at least one of them observed.
func missingMult(contract domain.FieldContract, state domain.FieldState, evidence []domain.EvidenceRef) float64 {
	if state.SelectedValue == "" {
		return 1
	}
	if distinctSourceCount(evidence) < contract.MinDistinctRefs {
		return 1
	}
	if len(contract.PreferredTiers) > 0 && !observedPreferredTier(contract, evidence) {
		return 1
	}
	return 0
}

// confMult is 1 minus the confidence of the currently selected candidate —
// fields with no selection yet carry full weight.
func confMult(state domain.FieldState) float64 {
	return 1 - state.Confidence
}

func requiredWeight(contract domain.FieldContract, w policy.NeedSetWeights) float64 {
	if v, ok := w.RequiredWeight[string(contract.RequiredLevel)]; ok {
		return v
	}
	return w.RequiredWeight[string(domain.RequiredOptional)]
}

// tierDeficitMult grows by one unit of TierDeficitWeight for each preferred
// tier not yet observed in evidence.
func tierDeficitMult(contract domain.FieldContract, evidence []domain.EvidenceRef, w policy.NeedSetWeights) float64 {
	if len(contract.PreferredTiers) == 0 {
		return 1
	}
	observed := map[domain.Tier]bool{}
	for _, ev := range evidence {
		observed[ev.Tier] = true
	}
	missing := 0
	for _, t := range contract.PreferredTiers {
		if !observed[t] {
			missing++
		}
	}
	return 1 + float64(missing)*w.TierDeficitWeight
}

// minRefsDeficitMult grows by one unit of MinRefsDeficitWeight for each
// distinct-source reference still owed against MinDistinctRefs.
func minRefsDeficitMult(contract domain.FieldContract, evidence []domain.EvidenceRef, w policy.NeedSetWeights) float64 {
	have := distinctSourceCount(evidence)
	if have >= contract.MinDistinctRefs {
		return 1
	}
	deficit := contract.MinDistinctRefs - have
	return 1 + float64(deficit)*w.MinRefsDeficitWeight
}

// conflictMult applies the configured bump when the field currently carries
// a "conflict" flag (set by the consensus engine when two clusters disagree
// within epsilon).
func conflictMult(state domain.FieldState, w policy.NeedSetWeights) float64 {
	for _, f := range state.Flags {
		if f == "conflict" {
			return w.ConflictMult
		}
	}
	return 1
}

// freshnessDecay suppresses need right after evidence is retrieved (so the
// scheduler doesn't immediately re-queue the same sources) and relaxes back
// toward 1 as that evidence ages past the configured half-life, restoring
// full need for re-verification.
func freshnessDecay(evidence []domain.EvidenceRef, w policy.NeedSetWeights, now time.Time) float64 {
	if len(evidence) == 0 {
		return 1
	}
	newest := evidence[0].RetrievedAt
	for _, ev := range evidence[1:] {
		if ev.RetrievedAt.After(newest) {
			newest = ev.RetrievedAt
		}
	}
	ageDays := now.Sub(newest).Hours() / 24
	if ageDays <= 0 || w.FreshnessHalfLifeDays <= 0 {
		return 0.5
	}
	return 1 - 0.5*math.Exp2(-ageDays/w.FreshnessHalfLifeDays)
}

// identityCap returns 1 for identity-level fields or once identity is
// locked, and the configured cap otherwise — suppressing non-identity
// fields' need until the product's identity fields have resolved.
func identityCap(contract domain.FieldContract, identityLocked bool, w policy.NeedSetWeights) float64 {
	if identityLocked || contract.RequiredLevel == domain.RequiredIdentity {
		return 1
	}
	return w.IdentityCap
}

func distinctSourceCount(evidence []domain.EvidenceRef) int {
	seen := map[string]bool{}
	for _, ev := range evidence {
		seen[ev.SourceID] = true
	}
	return len(seen)
}

func observedPreferredTier(contract domain.FieldContract, evidence []domain.EvidenceRef) bool {
	want := map[domain.Tier]bool{}
	for _, t := range contract.PreferredTiers {
		want[t] = true
	}
	for _, ev := range evidence {
		if want[ev.Tier] {
			return true
		}
	}
	return false
}
