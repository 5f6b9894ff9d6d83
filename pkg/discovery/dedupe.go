package discovery

import (
	"net/url"
	"sort"
	"strings"
)

// trackingParams are stripped during URL canonicalization (spec.md §4.6
// "dedupe across providers by URL canonicalization").
var trackingParams = map[string]bool{
	"utm_source": true, "utm_medium": true, "utm_campaign": true,
	"utm_term": true, "utm_content": true, "gclid": true, "fbclid": true,
	"ref": true, "mc_cid": true, "mc_eid": true,
}

// CanonicalizeURL lower-cases scheme and host, strips tracking query
// params, and drops a trailing slash so equivalent URLs from different
// providers collapse to the same key.
func CanonicalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	q := u.Query()
	for k := range q {
		if trackingParams[strings.ToLower(k)] {
			q.Del(k)
		}
	}
	u.RawQuery = q.Encode()
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.Fragment = ""
	return u.String()
}

// titleShingles builds the 2-word shingle set used for the Jaccard title
// fingerprint.
func titleShingles(title string) map[string]bool {
	words := strings.Fields(strings.ToLower(title))
	shingles := map[string]bool{}
	for i := 0; i+1 < len(words); i++ {
		shingles[words[i]+" "+words[i+1]] = true
	}
	if len(words) == 1 {
		shingles[words[0]] = true
	}
	return shingles
}

// titleJaccard computes the Jaccard similarity of two titles' 2-word
// shingle sets.
func titleJaccard(a, b string) float64 {
	sa, sb := titleShingles(a), titleShingles(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 0
	}
	inter := 0
	for s := range sa {
		if sb[s] {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// titleFingerprintThreshold is the Jaccard similarity at or above which two
// results from different providers are treated as the same document.
const titleFingerprintThreshold = 0.6

// Dedupe collapses results that canonicalize to the same URL, then
// collapses remaining results whose titles are near-duplicates per the
// Jaccard fingerprint threshold. The first-seen result of each group is
// kept; input order is otherwise preserved.
func Dedupe(results []Result) []Result {
	seenURL := map[string]bool{}
	var byURL []Result
	for _, r := range results {
		key := CanonicalizeURL(r.URL)
		if seenURL[key] {
			continue
		}
		seenURL[key] = true
		byURL = append(byURL, r)
	}

	var out []Result
	for _, r := range byURL {
		dup := false
		for _, kept := range out {
			if titleJaccard(r.Title, kept.Title) >= titleFingerprintThreshold {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, r)
		}
	}
	return out
}

// SortByProvider is a stable helper used in tests and logs to get a
// deterministic ordering regardless of which provider returned first.
func SortByProvider(results []Result) []Result {
	out := make([]Result, len(results))
	copy(out, results)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
