// Package discovery builds a SearchProfile from the current NeedSet and
// runs it through the SERP triage pipeline (§4.6): applicability predicates,
// a fast deterministic rerank, an optional LLM rerank, and cross-provider
// dedupe.
package discovery

import (
	"context"
)

// DocHint is the kind of document a query is expected to surface.
type DocHint string

const (
	DocSpec   DocHint = "spec"
	DocReview DocHint = "review"
	DocManual DocHint = "manual"
	DocDriver DocHint = "driver"
)

// Query is one SearchProfile entry.
type Query struct {
	Text         string
	TargetFields []string
	DocHint      DocHint
	DomainHint   string
}

// Result is a single engine hit before triage.
type Result struct {
	Provider string
	URL      string
	Title    string
	Snippet  string
}

// Provider abstracts a search API. Implementations wrap pkg/shared/httpclient
// against whichever backend config selects.
type Provider interface {
	Name() string
	Search(ctx context.Context, q Query, limit int) ([]Result, error)
}

// Identity is the minimal product-identity shape a Planner needs; kept
// decoupled from internal/identity to avoid an import cycle with packages
// that build a SearchProfile before a Run's full identity is loaded.
type Identity struct {
	Brand   string
	Model   string
	Variant string
}

// NeedField is the subset of a needset.NeedRow a Planner consumes: which
// field to target and what aliases it's known by, used to compose query
// text.
type NeedField struct {
	FieldKey string
	Aliases  []string
	DocHint  DocHint
}

// Planner turns the current need list into a SearchProfile.
type Planner interface {
	Plan(ctx context.Context, identity Identity, needs []NeedField) ([]Query, error)
}
