package parse

import (
	"bytes"
	"context"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"github.com/spec-harvester/harvester/pkg/domain"
)

// Selector names a CSS-like selector by tag + optional class/attribute,
// enough to express "per-host adapter" selectors without pulling in a
// full CSS engine (the pack has no goquery dependency; x/net/html is
// already an indirect dep of the teacher).
type Selector struct {
	FieldKey string
	Tag      string
	Class    string // exact class match, empty = any
	Attr     string // if set, read this attribute instead of text content
}

// HostAdapter is a per-host set of Selectors, falling back to a category
// default when no host-specific adapter is registered.
type HostAdapter struct {
	Host      string
	Selectors []Selector
}

// DOMSelectParser walks static DOM selectors: a per-host adapter registry
// plus a category default (spec.md §4.4 step 3).
type DOMSelectParser struct {
	mu       sync.RWMutex
	adapters map[string][]Selector
	defaults []Selector
}

// NewDOMSelectParser builds a parser with a category default selector set.
func NewDOMSelectParser(defaults []Selector) *DOMSelectParser {
	return &DOMSelectParser{adapters: make(map[string][]Selector), defaults: defaults}
}

// RegisterHost installs a per-host adapter, read/write-locked so the
// registry can be updated while the ladder is running concurrently
// across the parse lane's worker pool (spec.md §9's "mutable module-level
// caches" redesign flag: explicit lifecycle, explicit lock).
func (p *DOMSelectParser) RegisterHost(host string, selectors []Selector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.adapters[host] = selectors
}

func (p *DOMSelectParser) selectorsFor(host string) []Selector {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if s, ok := p.adapters[host]; ok {
		return s
	}
	return p.defaults
}

func (DOMSelectParser) Name() string { return "domselect" }

func (p *DOMSelectParser) Extract(ctx context.Context, artifact domain.Artifact) ([]RawAssertion, error) {
	doc, err := html.Parse(bytes.NewReader(artifact.Body))
	if err != nil {
		return nil, err
	}
	selectors := p.selectorsFor(hostOf(artifact))

	var out []RawAssertion
	walk(doc, func(el *html.Node) {
		for _, sel := range selectors {
			if el.Data != sel.Tag {
				continue
			}
			if sel.Class != "" && !hasClass(el, sel.Class) {
				continue
			}
			value := attr(el, sel.Attr)
			if sel.Attr == "" {
				value = textContent(el)
			}
			if value == "" {
				continue
			}
			out = append(out, RawAssertion{FieldKey: sel.FieldKey, RawValue: value, EvidenceQuote: value, Method: "domselect"})
		}
	})
	return out, nil
}

func hasClass(n *html.Node, class string) bool {
	classes := attr(n, "class")
	for _, c := range splitFields(classes) {
		if c == class {
			return true
		}
	}
	return false
}

func splitFields(s string) []string {
	var out []string
	field := ""
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' {
			if field != "" {
				out = append(out, field)
				field = ""
			}
			continue
		}
		field += string(r)
	}
	if field != "" {
		out = append(out, field)
	}
	return out
}

// hostOf derives the capturing host from the artifact's archive path
// (raw/pages/{host}/..., raw/pdfs/{host}/...). An artifact with no
// archived path falls through to the category default selector set.
func hostOf(artifact domain.Artifact) string {
	parts := strings.Split(strings.ReplaceAll(artifact.Path, "\\", "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "pages" || parts[i] == "pdfs" {
			return parts[i+1]
		}
	}
	return ""
}
