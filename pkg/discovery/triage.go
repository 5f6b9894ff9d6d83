package discovery

import "strings"

// Applicability is the outcome of running the three §4.6 predicates
// against one SERP result.
type Applicability struct {
	IdentityMatch bool
	DocKindMatch  bool
	TierScore     float64
}

// Evaluate runs identityMatch, docKindMatch, and tierScore against a
// result in sequence.
func Evaluate(r Result, identity Identity, q Query, tierOf func(url string) float64) Applicability {
	return Applicability{
		IdentityMatch: identityMatch(r, identity),
		DocKindMatch:  docKindMatch(r, q.DocHint),
		TierScore:     tierScore(r, tierOf),
	}
}

// identityMatch is true when both the brand and model (case-insensitively)
// appear somewhere in the result's title or snippet.
func identityMatch(r Result, identity Identity) bool {
	hay := strings.ToLower(r.Title + " " + r.Snippet)
	if identity.Brand != "" && !strings.Contains(hay, strings.ToLower(identity.Brand)) {
		return false
	}
	if identity.Model != "" && !strings.Contains(hay, strings.ToLower(identity.Model)) {
		return false
	}
	return identity.Brand != "" || identity.Model != ""
}

var docKindMarkers = map[DocHint][]string{
	DocSpec:   {"spec", "specification", "tech spec", "datasheet"},
	DocReview: {"review", "hands-on", "testing"},
	DocManual: {"manual", "user guide", "instructions"},
	DocDriver: {"driver", "firmware", "download"},
}

// docKindMatch is true when the result's title/snippet carries a marker
// word for the query's requested doc_hint. An unrecognized hint always
// matches so unknown hints don't silently filter everything out.
func docKindMatch(r Result, hint DocHint) bool {
	markers, ok := docKindMarkers[hint]
	if !ok {
		return true
	}
	hay := strings.ToLower(r.Title + " " + r.Snippet + " " + r.URL)
	for _, m := range markers {
		if strings.Contains(hay, m) {
			return true
		}
	}
	return false
}

// tierScore asks the caller-supplied classifier (normally the Source
// Registry's tier-by-host lookup) for this URL's trust tier, returning it
// normalized to [0,1] with tier 1 (manufacturer) scoring highest. An
// unknown host (classifier returns 0) scores the lowest band.
func tierScore(r Result, tierOf func(url string) float64) float64 {
	if tierOf == nil {
		return 0
	}
	t := tierOf(r.URL)
	if t <= 0 {
		return 0.1
	}
	return 1 / t
}
