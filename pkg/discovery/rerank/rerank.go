// Package rerank implements the two reranker passes run over SERP triage
// output (spec.md §4.6): a deterministic fast pass and an optional LLM
// pass via the "triage" role.
package rerank

import (
	"context"
	"sort"

	"github.com/spec-harvester/harvester/pkg/discovery"
)

// Scored pairs a SERP result with its composite applicability score.
type Scored struct {
	Result discovery.Result
	Score  float64
}

// weights mirror kubernaut's datastorage/scoring style of small named
// per-signal weights summed into one composite score.
const (
	identityMatchWeight = 0.5
	docKindMatchWeight  = 0.3
	tierScoreWeight     = 0.2
)

// Fast deterministically scores and sorts results, descending, by a
// weighted sum of the three applicability signals. No network or model
// call involved.
func Fast(results []discovery.Result, applicability map[string]discovery.Applicability) []Scored {
	out := make([]Scored, 0, len(results))
	for _, r := range results {
		a := applicability[r.URL]
		score := tierScoreWeight * a.TierScore
		if a.IdentityMatch {
			score += identityMatchWeight
		}
		if a.DocKindMatch {
			score += docKindMatchWeight
		}
		out = append(out, Scored{Result: r, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// TriageCaller invokes the LLM Router's "triage" role with a rendered
// prompt describing the candidate list and returns its raw text response
// (expected to be a reordering, expressed as a list of URLs, most relevant
// first).
type TriageCaller func(ctx context.Context, prompt string) (string, error)

// LLM asks the triage role to rerank an already fast-scored list. On an
// error or a response that parses to no URLs, it returns the fast ranking
// unchanged. Otherwise the URLs the response names come first, in its
// order, and every URL it omits follows in fast-pass order, so no result
// the deterministic pass already ordered is discarded.
func LLM(ctx context.Context, call TriageCaller, prompt string, fastRanked []Scored, parse func(raw string) []string) []Scored {
	if call == nil {
		return fastRanked
	}
	raw, err := call(ctx, prompt)
	if err != nil {
		return fastRanked
	}
	order := parse(raw)
	if len(order) == 0 {
		return fastRanked
	}

	byURL := make(map[string]Scored, len(fastRanked))
	for _, s := range fastRanked {
		byURL[s.Result.URL] = s
	}

	out := make([]Scored, 0, len(fastRanked))
	used := map[string]bool{}
	for _, url := range order {
		if s, ok := byURL[url]; ok && !used[url] {
			out = append(out, s)
			used[url] = true
		}
	}
	// Any URL the LLM omitted keeps its fast-pass position, appended after
	// everything the LLM did rank.
	for _, s := range fastRanked {
		if !used[s.Result.URL] {
			out = append(out, s)
		}
	}
	return out
}
