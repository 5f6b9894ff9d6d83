package parse

import (
	"bytes"
	"context"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/spec-harvester/harvester/pkg/domain"
)

// UnitTable maps a lower-cased row-label token to the unit it implies, the
// category-configurable unit inference spec.md §4.4 step 4 calls for.
type UnitTable map[string]string

// TableParser reads tables that carry at least one th cell. Each row with
// a td cell yields one assertion pairing its first cell (the label) with
// its last cell (the value); a row of th cells only is a header and is
// skipped. The unit comes from a unit suffix on the value, else from a
// Units token contained in the label (spec.md §4.4 step 4).
type TableParser struct {
	Units UnitTable
}

func (TableParser) Name() string { return "table" }

var unitSuffixRE = regexp.MustCompile(`(?i)\b(g|kg|mm|cm|hz|khz|dpi|ips|ms|v|w|oz|in)\b\s*$`)

func (p TableParser) Extract(ctx context.Context, artifact domain.Artifact) ([]RawAssertion, error) {
	doc, err := html.Parse(bytes.NewReader(artifact.Body))
	if err != nil {
		return nil, err
	}

	var out []RawAssertion
	walk(doc, func(table *html.Node) {
		if table.DataAtom != atom.Table {
			return
		}
		headers := tableHeaders(table)
		if len(headers) == 0 {
			return
		}
		forEachRow(table, func(row *html.Node) {
			dataRow := false
			for c := row.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && c.DataAtom == atom.Td {
					dataRow = true
				}
			}
			if !dataRow {
				return
			}
			cells := rowCells(row)
			if len(cells) < 2 {
				return
			}
			field := strings.ToLower(strings.TrimSpace(cells[0]))
			if field == "" {
				return
			}
			value := strings.TrimSpace(cells[len(cells)-1])
			if value == "" {
				return
			}
			unit := p.inferUnit(field, value)
			out = append(out, RawAssertion{
				FieldKey: field, RawValue: value, Unit: unit,
				EvidenceQuote: field + " | " + value, Method: "table",
			})
		})
	})
	return out, nil
}

func (p TableParser) inferUnit(field, value string) string {
	if m := unitSuffixRE.FindString(value); m != "" {
		return strings.ToLower(strings.TrimSpace(m))
	}
	for token, unit := range p.Units {
		if strings.Contains(field, token) {
			return unit
		}
	}
	return ""
}

func tableHeaders(table *html.Node) []string {
	var headers []string
	walk(table, func(n *html.Node) {
		if n.DataAtom == atom.Th {
			headers = append(headers, textContent(n))
		}
	})
	return headers
}

func forEachRow(table *html.Node, fn func(row *html.Node)) {
	walk(table, func(n *html.Node) {
		if n.DataAtom == atom.Tr {
			fn(n)
		}
	})
}

func rowCells(row *html.Node) []string {
	var cells []string
	for c := row.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (c.DataAtom == atom.Td || c.DataAtom == atom.Th) {
			cells = append(cells, textContent(c))
		}
	}
	return cells
}
