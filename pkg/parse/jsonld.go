package parse

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/spec-harvester/harvester/pkg/domain"
)

// JSONLDParser extracts structured metadata: JSON-LD <script> blocks,
// Open Graph meta tags, and schema.org microdata itemprop walks — the
// first rung of the ladder (spec.md §4.4 step 1).
type JSONLDParser struct{}

func (JSONLDParser) Name() string { return "jsonld" }

func (p JSONLDParser) Extract(ctx context.Context, artifact domain.Artifact) ([]RawAssertion, error) {
	doc, err := html.Parse(bytes.NewReader(artifact.Body))
	if err != nil {
		return nil, err
	}

	var out []RawAssertion
	out = append(out, extractJSONLDScripts(doc)...)
	out = append(out, extractOpenGraph(doc)...)
	out = append(out, extractMicrodata(doc)...)
	return out, nil
}

func extractJSONLDScripts(n *html.Node) []RawAssertion {
	var out []RawAssertion
	walk(n, func(el *html.Node) {
		if el.DataAtom != atom.Script || attr(el, "type") != "application/ld+json" {
			return
		}
		if el.FirstChild == nil {
			return
		}
		var blob map[string]any
		if err := json.Unmarshal([]byte(el.FirstChild.Data), &blob); err != nil {
			return
		}
		out = append(out, flattenJSONLD(blob, "")...)
	})
	return out
}

func flattenJSONLD(v any, prefix string) []RawAssertion {
	var out []RawAssertion
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			if k == "@context" || k == "@type" {
				continue
			}
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			out = append(out, flattenJSONLD(child, key)...)
		}
	case []any:
		for _, item := range val {
			out = append(out, flattenJSONLD(item, prefix)...)
		}
	case string:
		out = append(out, RawAssertion{FieldKey: prefix, RawValue: val, EvidenceQuote: prefix + ": " + val, Method: "jsonld"})
	case float64:
		out = append(out, RawAssertion{FieldKey: prefix, RawValue: trimFloat(val), EvidenceQuote: prefix, Method: "jsonld"})
	}
	return out
}

func extractOpenGraph(n *html.Node) []RawAssertion {
	var out []RawAssertion
	walk(n, func(el *html.Node) {
		if el.DataAtom != atom.Meta {
			return
		}
		prop := attr(el, "property")
		if !strings.HasPrefix(prop, "og:") {
			return
		}
		content := attr(el, "content")
		if content == "" {
			return
		}
		out = append(out, RawAssertion{FieldKey: prop, RawValue: content, EvidenceQuote: prop + "=" + content, Method: "opengraph"})
	})
	return out
}

func extractMicrodata(n *html.Node) []RawAssertion {
	var out []RawAssertion
	walk(n, func(el *html.Node) {
		prop := attr(el, "itemprop")
		if prop == "" {
			return
		}
		value := attr(el, "content")
		if value == "" {
			value = textContent(el)
		}
		if value == "" {
			return
		}
		out = append(out, RawAssertion{FieldKey: prop, RawValue: value, EvidenceQuote: prop + ": " + value, Method: "microdata"})
	})
	return out
}

func walk(n *html.Node, fn func(*html.Node)) {
	if n.Type == html.ElementNode {
		fn(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return strings.TrimSpace(b.String())
}
