package llmrouter

import (
	"strings"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/spec-harvester/harvester/pkg/domain"
	"github.com/spec-harvester/harvester/pkg/retrieval"
)

func TestValidateSchemaRejectsMissingRequiredField(t *testing.T) {
	schema := openapi3.NewObjectSchema().
		WithProperty("value", openapi3.NewStringSchema()).
		WithProperty("confidence", openapi3.NewFloat64Schema())
	schema.Required = []string{"value", "confidence"}

	if _, err := validateSchema(`{"value":"60 g"}`, schema); err == nil {
		t.Fatal("expected schema validation to fail without confidence")
	}
	if _, err := validateSchema(`{"value":"60 g","confidence":0.8}`, schema); err != nil {
		t.Fatalf("expected schema validation to pass, got %v", err)
	}
}

func TestValidateSchemaRejectsInvalidJSON(t *testing.T) {
	if _, err := validateSchema("not json", nil); err == nil {
		t.Fatal("expected an error for invalid JSON")
	}
}

func TestToCandidateMapsConventionalKeys(t *testing.T) {
	packet := retrieval.Packet{Contract: domain.FieldContract{FieldKey: "weight_g"}}
	c := toCandidate(packet, map[string]any{"value": "60", "unit": "g", "confidence": 0.9})
	if c.FieldKey != "weight_g" || c.Value != "60" || c.Unit != "g" || c.Score != 0.9 {
		t.Errorf("unexpected candidate: %+v", c)
	}
}

func TestRenderPromptIncludesPrimeAndSupportRows(t *testing.T) {
	packet := retrieval.Packet{
		Contract: domain.FieldContract{FieldKey: "dpi_max", RequiredLevel: domain.RequiredCritical},
		PrimeSources: []retrieval.PrimeRow{
			{Ref: domain.EvidenceRef{Tier: domain.TierManufacturer, Quote: "32000 DPI"}, RootDomain: "razer.com"},
		},
		SupportRows: []retrieval.SupportRow{
			{Ref: domain.EvidenceRef{Tier: domain.TierRetailer, Quote: "30000 DPI"}, RootDomain: "shop.example"},
		},
	}
	prompt := renderPrompt(packet)
	if !strings.Contains(prompt, "32000 DPI") || !strings.Contains(prompt, "30000 DPI") || !strings.Contains(prompt, "dpi_max") {
		t.Errorf("prompt missing expected content: %s", prompt)
	}
}
