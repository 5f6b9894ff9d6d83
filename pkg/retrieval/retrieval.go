// Package retrieval assembles the Extraction Context Assembler packet
// (§4.7): the field contract snapshot, the best evidence refs to ground an
// LLM extraction/validation call, and the remaining refs as support rows
// alongside them. The packet is provider-agnostic so it can be
// logged, diffed, and replayed independent of which model answered it.
package retrieval

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/spec-harvester/harvester/pkg/domain"
	"github.com/spec-harvester/harvester/pkg/frontier"
)

// PrimeRow is one ranked evidence ref selected to ground the extraction.
type PrimeRow struct {
	Ref        domain.EvidenceRef
	RootDomain string
	Rank       int
}

// SupportRow is a ref that was not selected as a prime source, carried
// alongside the prime sources. Support rows are not checked against the
// prime sources, so they hold agreeing and disagreeing refs alike.
type SupportRow struct {
	Ref        domain.EvidenceRef
	RootDomain string
}

// Packet is the literal input to the LLM Router's extract/validate roles.
type Packet struct {
	Contract     domain.FieldContract
	PrimeSources []PrimeRow
	SupportRows  []SupportRow
}

// Assembler holds the tunables that aren't part of the field contract
// itself.
type Assembler struct {
	// MaxPrimeSources bounds how many ranked refs enter PrimeSources.
	MaxPrimeSources int
	// Identity terms (brand/model/variant) used to score identity
	// proximity of a quote.
	IdentityTerms []string
	// Now is overridable for deterministic tests.
	Now func() time.Time
}

func (a Assembler) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Assemble ranks refs by the four §4.7 criteria as a composite sort key and
// packs up to MaxPrimeSources into the returned Packet. Every ref not
// selected as a prime source is carried in SupportRows instead of being
// dropped; no ref is compared with the prime sources' values or quotes.
func Assemble(ctx context.Context, a Assembler, contract domain.FieldContract, evidence []domain.EvidenceRef) (Packet, error) {
	max := a.MaxPrimeSources
	if max <= 0 {
		max = 5
	}

	ranked := make([]domain.EvidenceRef, len(evidence))
	copy(ranked, evidence)
	sort.SliceStable(ranked, func(i, j int) bool {
		return compositeScore(ranked[i], contract, a) > compositeScore(ranked[j], contract, a)
	})

	type scored struct {
		ref domain.EvidenceRef
		rd  string
		i   int
	}
	all := make([]scored, len(ranked))
	for i, ref := range ranked {
		all[i] = scored{ref: ref, rd: frontier.RootDomain(hostOf(ref.URL)), i: i}
	}

	picked := map[int]bool{}
	seenDomains := map[string]bool{}
	var prime []PrimeRow

	// First pass: source diversity bonus — take the best-ranked ref from
	// each not-yet-seen root domain before filling remaining slots by pure
	// score (§4.7 criterion 4).
	for _, s := range all {
		if len(prime) >= max {
			break
		}
		if seenDomains[s.rd] {
			continue
		}
		prime = append(prime, PrimeRow{Ref: s.ref, RootDomain: s.rd, Rank: s.i})
		seenDomains[s.rd] = true
		picked[s.i] = true
	}
	// Second pass: fill any remaining slots by score regardless of domain.
	for _, s := range all {
		if len(prime) >= max {
			break
		}
		if picked[s.i] {
			continue
		}
		prime = append(prime, PrimeRow{Ref: s.ref, RootDomain: s.rd, Rank: s.i})
		picked[s.i] = true
	}
	sort.SliceStable(prime, func(i, j int) bool { return prime[i].Rank < prime[j].Rank })

	var support []SupportRow
	for _, s := range all {
		if picked[s.i] {
			continue
		}
		support = append(support, SupportRow{Ref: s.ref, RootDomain: s.rd})
	}

	return Packet{Contract: contract, PrimeSources: prime, SupportRows: support}, nil
}

// compositeScore combines three of the four ranking criteria into one
// sortable value: tier preference, identity-match proximity, and recency.
// The fourth criterion, source diversity, can't be scored per-ref in
// isolation — Assemble applies it as a selection-order bonus instead.
func compositeScore(ref domain.EvidenceRef, contract domain.FieldContract, a Assembler) float64 {
	score := tierPreferenceScore(ref, contract)
	score += 0.3 * identityProximity(ref, a.IdentityTerms)
	score += 0.2 * recencyScore(ref, a.now())
	return score
}

// tierPreferenceScore scores 1.0 for a ref whose tier is the contract's
// single most-preferred tier, decaying by position in PreferredTiers, and
// 0.2 for a tier named nowhere in PreferredTiers.
func tierPreferenceScore(ref domain.EvidenceRef, contract domain.FieldContract) float64 {
	for i, t := range contract.PreferredTiers {
		if t == ref.Tier {
			return 1.0 - 0.15*float64(i)
		}
	}
	return 0.2
}

// identityProximity is the fraction of identity terms (brand/model/variant)
// that appear in the ref's quote, a proxy for "identity match score" absent
// a positional distance measurement over the source document.
func identityProximity(ref domain.EvidenceRef, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	hay := strings.ToLower(ref.Quote)
	hits := 0
	for _, term := range terms {
		if term == "" {
			continue
		}
		if strings.Contains(hay, strings.ToLower(term)) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

// recencyScore decays linearly from 1 (retrieved now) to 0 at 180 days old,
// floored at 0.
func recencyScore(ref domain.EvidenceRef, now time.Time) float64 {
	ageDays := now.Sub(ref.RetrievedAt).Hours() / 24
	if ageDays <= 0 {
		return 1
	}
	if ageDays >= 180 {
		return 0
	}
	return 1 - ageDays/180
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}
