// Package parse implements the Parser Bank (spec.md §4.4): a ladder of
// parsers that runs per fetched artifact until one yields at least one
// assertion, per spec.md §9's "duck-typed parsers" redesign flag — a
// tagged variant with a shared Extract contract, composed by an explicit
// ladder rather than runtime lookup.
package parse

import (
	"context"

	"github.com/spec-harvester/harvester/pkg/domain"
)

// RawAssertion is one (field_key, raw_value, unit?, evidence_quote, span?)
// tuple a Parser emits, before the pipeline normalizes it into a
// domain.Assertion.
type RawAssertion struct {
	FieldKey      string
	RawValue      string
	Unit          string
	EvidenceQuote string
	Span          [2]int // byte offsets into the artifact body, best-effort
	Method        string
}

// Parser is the shared contract every ladder step implements.
type Parser interface {
	// Name identifies the parser for logging/events.
	Name() string
	// Extract attempts to pull field/value tuples out of artifact. An
	// empty, nil-error result means "nothing found here", which the
	// Ladder treats the same as falling through to the next step.
	Extract(ctx context.Context, artifact domain.Artifact) ([]RawAssertion, error)
}

// Ladder runs Parsers in a fixed order, stopping at the first one that
// yields at least one assertion (spec.md §4.4).
type Ladder struct {
	steps []Parser
}

// NewLadder builds a Ladder from steps in spec.md §4.4's order: structured
// metadata, embedded state, static DOM, table, article, PDF, OCR.
func NewLadder(steps ...Parser) *Ladder {
	return &Ladder{steps: steps}
}

// Run executes the ladder against artifact, returning the first non-empty
// result and the name of the parser that produced it, or an empty result
// if every step is exhausted.
func (l *Ladder) Run(ctx context.Context, artifact domain.Artifact) ([]RawAssertion, string, error) {
	for _, p := range l.steps {
		out, err := p.Extract(ctx, artifact)
		if err != nil {
			continue // a failing step doesn't abort the ladder, it falls through
		}
		if len(out) > 0 {
			return out, p.Name(), nil
		}
	}
	return nil, "", nil
}
