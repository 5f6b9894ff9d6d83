package parse

import (
	"context"
	"regexp"

	"github.com/go-faster/jx"
	"github.com/itchyny/gojq"

	"github.com/spec-harvester/harvester/pkg/domain"
)

// embeddedStateRE locates the common "initial store" script patterns
// (Next.js __NEXT_DATA__, a generic window.__INITIAL_STATE__ assignment)
// without needing a full DOM parse — these blobs can run into the
// multi-MB range. The match ends at the blob's opening brace,
// extractBalancedJSON finds its closing one, and go-faster/jx then
// decodes only that blob instead of the page.
var embeddedStateRE = regexp.MustCompile(`(?:__NEXT_DATA__|__INITIAL_STATE__|window\.__APOLLO_STATE__)\s*=\s*(\{)`)

// EmbeddedParser extracts fields from embedded framework state blobs via
// jq-style queries (spec.md §4.4 step 2).
type EmbeddedParser struct {
	// Queries maps a field_key to the jq expression that extracts it from
	// the located JSON blob, e.g. ".props.pageProps.product.sensor".
	Queries map[string]string
}

func (EmbeddedParser) Name() string { return "embedded" }

func (p EmbeddedParser) Extract(ctx context.Context, artifact domain.Artifact) ([]RawAssertion, error) {
	loc := embeddedStateRE.FindSubmatchIndex(artifact.Body)
	if loc == nil {
		return nil, nil
	}
	braceStart := loc[2]
	blob, ok := extractBalancedJSON(artifact.Body[braceStart:])
	if !ok {
		return nil, nil
	}

	// go-faster/jx streams the tokens into a plain any tree without a full
	// encoding/json unmarshal pass, which matters once these blobs run
	// into the multi-MB range; gojq then queries that tree directly.
	doc, err := decodeJX(jx.DecodeBytes(blob))
	if err != nil {
		return nil, nil
	}

	var out []RawAssertion
	for field, expr := range p.Queries {
		query, err := gojq.Parse(expr)
		if err != nil {
			continue
		}
		iter := query.RunWithContext(ctx, doc)
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, ok := v.(error); ok {
				_ = err
				break
			}
			str, ok := toStringValue(v)
			if !ok {
				continue
			}
			out = append(out, RawAssertion{
				FieldKey: field, RawValue: str, EvidenceQuote: expr + " => " + str, Method: "embedded",
			})
		}
	}
	return out, nil
}

// extractBalancedJSON scans forward from an opening '{' and returns the
// balanced object, handling nested braces and quoted strings.
func extractBalancedJSON(body []byte) ([]byte, bool) {
	depth := 0
	inString := false
	escaped := false
	for i, b := range body {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return body[:i+1], true
			}
		}
	}
	return nil, false
}

func decodeJX(d *jx.Decoder) (any, error) {
	var decodeValue func(d *jx.Decoder) (any, error)
	decodeValue = func(d *jx.Decoder) (any, error) {
		switch d.Next() {
		case jx.Object:
			m := map[string]any{}
			err := d.Obj(func(d *jx.Decoder, key string) error {
				v, err := decodeValue(d)
				if err != nil {
					return err
				}
				m[key] = v
				return nil
			})
			return m, err
		case jx.Array:
			var arr []any
			err := d.Arr(func(d *jx.Decoder) error {
				v, err := decodeValue(d)
				if err != nil {
					return err
				}
				arr = append(arr, v)
				return nil
			})
			return arr, err
		case jx.String:
			return d.Str()
		case jx.Number:
			n, err := d.Num()
			if err != nil {
				return nil, err
			}
			f, _ := n.Float64()
			return f, nil
		case jx.Bool:
			return d.Bool()
		case jx.Null:
			return nil, d.Null()
		default:
			return nil, d.Skip()
		}
	}
	return decodeValue(d)
}

func toStringValue(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		return trimFloat(val), true
	case bool:
		if val {
			return "true", true
		}
		return "false", true
	default:
		return "", false
	}
}
