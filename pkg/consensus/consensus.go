// Package consensus implements the §4.9 Consensus Engine: clustering
// competing candidate values for a field, weighing each cluster by tier,
// source, and extraction method, and selecting a winner with a confidence
// score and reason codes.
package consensus

import (
	"context"
	"sort"

	"github.com/spec-harvester/harvester/pkg/domain"
	"github.com/spec-harvester/harvester/pkg/policy"
)

// ReasonCode names one factor behind a selection or its confidence.
type ReasonCode string

const (
	ReasonSingleCluster  ReasonCode = "single_cluster"
	ReasonDiversityBonus ReasonCode = "diversity_bonus"
	ReasonConflict       ReasonCode = "conflict_within_epsilon"
	ReasonTieBreak       ReasonCode = "tie_break"
)

// Cluster groups candidates that normalized to the same value.
type Cluster struct {
	NormalizedValue string
	Unit            string
	Members         []domain.Candidate
	Weight          float64
}

// Selection is the §4.9 step-5 output for one field.
type Selection struct {
	FieldKey      string
	SelectedValue string
	Unit          string
	Confidence    float64
	ReasonCodes   []ReasonCode
	Clusters      []Cluster
}

// SourceWeighter reports a source's historical reliability weight; callers
// normally back this with the Store's source reliability tracking. A nil
// SourceWeighter falls back to the policy document's SourceWeightDefault
// for every source.
type SourceWeighter func(sourceID string) float64

// Engine aggregates candidates per field using a loaded policy.ConsensusWeights
// document.
type Engine struct {
	Weights      policy.ConsensusWeights
	SourceWeight SourceWeighter
	// DiversityThreshold is the minimum number of distinct root domains in
	// a cluster before the diversity bonus applies.
	DiversityThreshold int
	// Normalize collapses raw candidate values/units into a comparable
	// canonical form, e.g. unit conversion and numeric rounding. A nil
	// Normalize falls back to an exact (value, unit) string match.
	Normalize func(value, unit string) (string, string)
}

// Aggregate implements the five §4.9 steps for one field's candidates.
func (e Engine) Aggregate(ctx context.Context, fieldKey string, candidates []domain.Candidate) (Selection, error) {
	clusters := e.cluster(candidates)
	for i := range clusters {
		clusters[i].Weight = e.weighCluster(clusters[i])
	}

	sort.SliceStable(clusters, func(i, j int) bool {
		return clusters[i].Weight > clusters[j].Weight
	})

	if len(clusters) == 0 {
		return Selection{FieldKey: fieldKey}, nil
	}

	top := clusters[0]
	var reasons []ReasonCode
	confidence := normalizeConfidence(top.Weight, clusters)

	if len(clusters) == 1 {
		reasons = append(reasons, ReasonSingleCluster)
	}

	if distinctDomains(top.Members) >= e.DiversityThreshold && e.DiversityThreshold > 0 {
		reasons = append(reasons, ReasonDiversityBonus)
		bonus := e.Weights.DiversityBonusPerDomain * float64(distinctDomains(top.Members))
		if e.Weights.DiversityBonusCap > 0 {
			bonus = min(bonus, e.Weights.DiversityBonusCap)
		}
		confidence = clampConfidence(confidence + bonus)
	}

	if len(clusters) >= 2 {
		gap := clusters[0].Weight - clusters[1].Weight
		if gap >= 0 && gap < e.Weights.ConflictEpsilon {
			reasons = append(reasons, ReasonConflict)
			confidence = clampConfidence(confidence * 0.8)
			winner := breakTie(clusters[0], clusters[1])
			if winner.NormalizedValue != top.NormalizedValue {
				reasons = append(reasons, ReasonTieBreak)
				top = winner
			}
		}
	}

	return Selection{
		FieldKey:      fieldKey,
		SelectedValue: top.NormalizedValue,
		Unit:          top.Unit,
		Confidence:    confidence,
		ReasonCodes:   reasons,
		Clusters:      clusters,
	}, nil
}

// cluster groups candidates by normalized (value, unit) pair — step 1.
func (e Engine) cluster(candidates []domain.Candidate) []Cluster {
	index := map[string]int{}
	var clusters []Cluster
	for _, c := range candidates {
		val, unit := c.Value, c.Unit
		if e.Normalize != nil {
			val, unit = e.Normalize(val, unit)
		}
		key := val + "\x00" + unit
		if i, ok := index[key]; ok {
			clusters[i].Members = append(clusters[i].Members, c)
			continue
		}
		index[key] = len(clusters)
		clusters = append(clusters, Cluster{NormalizedValue: val, Unit: unit, Members: []domain.Candidate{c}})
	}
	return clusters
}

// weighCluster sums tier_weight x source_weight x method_weight across a
// cluster's members — step 2.
func (e Engine) weighCluster(c Cluster) float64 {
	var sum float64
	for _, m := range c.Members {
		sum += e.tierWeight(m.Tier) * e.sourceWeight(m.SourceID) * e.methodWeight(m.Method)
	}
	return sum
}

func (e Engine) tierWeight(t domain.Tier) float64 {
	if v, ok := e.Weights.TierWeight[tierKey(t)]; ok {
		return v
	}
	return e.Weights.TierWeight[tierKey(domain.TierUnverified)]
}

func (e Engine) sourceWeight(sourceID string) float64 {
	if e.SourceWeight != nil {
		return e.SourceWeight(sourceID)
	}
	return e.Weights.SourceWeightDefault
}

func (e Engine) methodWeight(method string) float64 {
	if v, ok := e.Weights.MethodWeight[method]; ok {
		return v
	}
	return e.Weights.SourceWeightDefault
}

func tierKey(t domain.Tier) string {
	switch t {
	case domain.TierManufacturer:
		return "1"
	case domain.TierLab:
		return "2"
	case domain.TierRetailer:
		return "3"
	default:
		return "4"
	}
}

func distinctDomains(members []domain.Candidate) int {
	seen := map[string]bool{}
	for _, m := range members {
		seen[m.RootDomain] = true
	}
	return len(seen)
}

// normalizeConfidence squashes a cluster's raw weight sum into [0,1]
// relative to the total weight across every cluster for the field, so a
// single uncontested cluster scores exactly 1 and competing clusters split
// the score in proportion to their weight.
func normalizeConfidence(topWeight float64, clusters []Cluster) float64 {
	var total float64
	for _, c := range clusters {
		total += c.Weight
	}
	if total <= 0 {
		return 0
	}
	return clampConfidence(topWeight / total)
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// breakTie applies the (higher tier, more distinct domains, earlier
// retrieved_at) ladder over each cluster's best-ranked member.
func breakTie(a, b Cluster) Cluster {
	ba, bb := bestMember(a), bestMember(b)
	if ba.Tier != bb.Tier {
		if ba.Tier < bb.Tier { // lower Tier int = higher trust
			return a
		}
		return b
	}
	da, db := distinctDomains(a.Members), distinctDomains(b.Members)
	if da != db {
		if da > db {
			return a
		}
		return b
	}
	if ba.RetrievedAt.Before(bb.RetrievedAt) {
		return a
	}
	return b
}

// bestMember returns a cluster's highest-tier, then earliest-retrieved
// member as its representative for tie-breaking.
func bestMember(c Cluster) domain.Candidate {
	best := c.Members[0]
	for _, m := range c.Members[1:] {
		if m.Tier < best.Tier || (m.Tier == best.Tier && m.RetrievedAt.Before(best.RetrievedAt)) {
			best = m
		}
	}
	return best
}
