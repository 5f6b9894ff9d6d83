package parse

import (
	"bytes"
	"context"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/spec-harvester/harvester/pkg/domain"
)

// ArticleParser picks the DOM subtree with the best text-to-tag ratio — a
// readability-style main-content heuristic (spec.md §4.4 step 5) — and
// emits it as a single unstructured field for the LLM roles to mine,
// since article/review prose rarely maps cleanly onto one selector.
type ArticleParser struct {
	FieldKey string // defaults to "article_body"
}

func (ArticleParser) Name() string { return "article" }

var skipTags = map[string]bool{"script": true, "style": true, "nav": true, "footer": true, "header": true, "aside": true}

func (p ArticleParser) Extract(ctx context.Context, artifact domain.Artifact) ([]RawAssertion, error) {
	doc, err := html.Parse(bytes.NewReader(artifact.Body))
	if err != nil {
		return nil, err
	}

	best := findBestSubtree(doc)
	if best == nil {
		return nil, nil
	}
	text := strings.TrimSpace(textContent(best))
	if len(text) < 200 {
		return nil, nil
	}

	field := p.FieldKey
	if field == "" {
		field = "article_body"
	}
	return []RawAssertion{{FieldKey: field, RawValue: text, EvidenceQuote: snippet(text, 240), Method: "article"}}, nil
}

// findBestSubtree returns the element with the highest text-length to
// descendant-tag-count ratio among candidate container tags.
func findBestSubtree(n *html.Node) *html.Node {
	var best *html.Node
	bestScore := 0.0

	var visit func(*html.Node)
	visit = func(node *html.Node) {
		if node.Type == html.ElementNode {
			if skipTags[node.Data] {
				return
			}
			if node.DataAtom == atom.Div || node.DataAtom == atom.Article || node.DataAtom == atom.Main || node.DataAtom == atom.Section {
				textLen := len(textContent(node))
				tagCount := countTags(node)
				if tagCount == 0 {
					tagCount = 1
				}
				score := float64(textLen) / float64(tagCount)
				if textLen > 200 && score > bestScore {
					bestScore = score
					best = node
				}
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return best
}

func countTags(n *html.Node) int {
	count := 0
	walk(n, func(*html.Node) { count++ })
	return count
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
