package consensus_test

import (
	"context"
	"testing"
	"time"

	"github.com/spec-harvester/harvester/pkg/consensus"
	"github.com/spec-harvester/harvester/pkg/domain"
	"github.com/spec-harvester/harvester/pkg/policy"
)

func testWeights() policy.ConsensusWeights {
	return policy.ConsensusWeights{
		TierWeight:              map[string]float64{"1": 1.0, "2": 0.75, "3": 0.5, "4": 0.25},
		MethodWeight:            map[string]float64{"jsonld": 1.0, "ocr": 0.55},
		SourceWeightDefault:     0.7,
		DiversityBonusPerDomain: 0.08,
		DiversityBonusCap:       0.32,
		ConflictEpsilon:         0.05,
	}
}

func TestAggregateSelectsHeaviestCluster(t *testing.T) {
	e := consensus.Engine{Weights: testWeights(), DiversityThreshold: 2}
	now := time.Now()
	candidates := []domain.Candidate{
		{Value: "60", Unit: "g", Tier: domain.TierManufacturer, Method: "jsonld", RootDomain: "razer.com", RetrievedAt: now},
		{Value: "58", Unit: "g", Tier: domain.TierUnverified, Method: "ocr", RootDomain: "forum.example", RetrievedAt: now},
	}

	sel, err := e.Aggregate(context.Background(), "weight_g", candidates)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.SelectedValue != "60" {
		t.Errorf("expected 60 to win on tier+method weight, got %q", sel.SelectedValue)
	}
	if sel.Confidence <= 0.5 {
		t.Errorf("expected a confident single-tier-1-cluster win, got %v", sel.Confidence)
	}
}

func TestAggregateAppliesConflictPenaltyWithinEpsilon(t *testing.T) {
	e := consensus.Engine{Weights: testWeights(), DiversityThreshold: 0}
	now := time.Now()
	candidates := []domain.Candidate{
		{Value: "60", Unit: "g", Tier: domain.TierManufacturer, Method: "jsonld", RootDomain: "a.com", RetrievedAt: now},
		{Value: "61", Unit: "g", Tier: domain.TierManufacturer, Method: "jsonld", RootDomain: "b.com", RetrievedAt: now},
	}
	sel, err := e.Aggregate(context.Background(), "weight_g", candidates)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, r := range sel.ReasonCodes {
		if r == consensus.ReasonConflict {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a conflict reason code for two equally-weighted clusters, got %+v", sel.ReasonCodes)
	}
}

func TestAggregateTieBreaksByTierThenDomainsThenRecency(t *testing.T) {
	e := consensus.Engine{Weights: testWeights(), DiversityThreshold: 0}
	older := time.Now().Add(-48 * time.Hour)
	newer := time.Now()
	candidates := []domain.Candidate{
		{Value: "A", Tier: domain.TierManufacturer, Method: "jsonld", RootDomain: "a.com", RetrievedAt: newer},
		{Value: "B", Tier: domain.TierManufacturer, Method: "jsonld", RootDomain: "b.com", RetrievedAt: older},
	}
	sel, err := e.Aggregate(context.Background(), "sensor", candidates)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.SelectedValue != "B" {
		t.Errorf("expected earlier-retrieved B to win the tie-break, got %q", sel.SelectedValue)
	}
}

func TestAggregateReturnsEmptySelectionForNoCandidates(t *testing.T) {
	e := consensus.Engine{Weights: testWeights()}
	sel, err := e.Aggregate(context.Background(), "weight_g", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.SelectedValue != "" {
		t.Errorf("expected empty selection, got %+v", sel)
	}
}
