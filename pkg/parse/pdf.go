package parse

import (
	"bytes"
	"context"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/spec-harvester/harvester/pkg/domain"
)

// PDFParser extracts the native text layer of a PDF artifact (spec.md
// §4.4 step 6). It only fires for artifact.Kind == domain.ArtifactMetadata
// carrying a PDF mime type, or an explicit "application/pdf" artifact —
// scanned PDFs with no text layer fall through to OCRParser.
type PDFParser struct {
	// FieldKeys maps a recognizable line prefix (lower-cased) to the field
	// it should be attributed to, e.g. "polling rate:" -> "polling_rate".
	// Lines that don't match any prefix still surface under "pdf_body" so
	// downstream LLM extraction has the full text to work with.
	FieldKeys map[string]string
}

func (PDFParser) Name() string { return "pdf" }

func (p PDFParser) Extract(ctx context.Context, artifact domain.Artifact) ([]RawAssertion, error) {
	if artifact.MIME != "application/pdf" {
		return nil, nil
	}

	r, err := pdf.NewReader(bytes.NewReader(artifact.Body), int64(len(artifact.Body)))
	if err != nil {
		return nil, err
	}

	var all strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		all.WriteString(text)
		all.WriteString("\n")
	}

	body := strings.TrimSpace(all.String())
	if body == "" {
		return nil, nil // no text layer; caller falls through to OCR
	}

	out := []RawAssertion{{FieldKey: "pdf_body", RawValue: body, EvidenceQuote: snippet(body, 240), Method: "pdf"}}
	for _, line := range strings.Split(body, "\n") {
		lower := strings.ToLower(strings.TrimSpace(line))
		for prefix, field := range p.FieldKeys {
			if strings.HasPrefix(lower, prefix) {
				value := strings.TrimSpace(strings.TrimPrefix(lower, prefix))
				if value != "" {
					out = append(out, RawAssertion{FieldKey: field, RawValue: value, EvidenceQuote: line, Method: "pdf"})
				}
			}
		}
	}
	return out, nil
}
