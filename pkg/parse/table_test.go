package parse_test

import (
	"context"
	"testing"

	"github.com/spec-harvester/harvester/pkg/domain"
	"github.com/spec-harvester/harvester/pkg/parse"
)

func TestTableParserPairsHeaderAndRowCells(t *testing.T) {
	html := `<table>
		<tr><th>Spec</th><th>Value</th></tr>
		<tr><td>DPI Max</td><td>32000</td></tr>
		<tr><td>Weight</td><td>60 g</td></tr>
	</table>`

	p := parse.TableParser{Units: parse.UnitTable{"dpi max": "dpi"}}
	out, err := p.Extract(context.Background(), domain.Artifact{Body: []byte(html)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 rows extracted, got %d: %+v", len(out), out)
	}
	if out[1].RawValue != "60 g" || out[1].Unit != "g" {
		t.Errorf("expected weight row with inferred unit g, got %+v", out[1])
	}
}
