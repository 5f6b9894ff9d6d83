package parse

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/spec-harvester/harvester/pkg/domain"
)

// OCRBudget gates OCR output quality before it is trusted as an assertion
// source (spec.md §4.4 step 7: "budgeted; minimum chars/lines/confidence
// gate").
type OCRBudget struct {
	MinChars      int
	MinLines      int
	MinConfidence float64 // 0..100, gosseract's MeanConfidence scale
}

// DefaultOCRBudget is a conservative gate: OCR is the last-resort rung of
// the ladder and should only surface clearly legible scans.
func DefaultOCRBudget() OCRBudget {
	return OCRBudget{MinChars: 40, MinLines: 2, MinConfidence: 60}
}

// OCRParser runs Tesseract over a scanned PDF page image (spec.md §4.4
// step 7), the final rung of the ladder.
type OCRParser struct {
	Budget OCRBudget
}

func (OCRParser) Name() string { return "ocr" }

func (p OCRParser) Extract(ctx context.Context, artifact domain.Artifact) ([]RawAssertion, error) {
	if artifact.Kind != domain.ArtifactImage && artifact.Kind != domain.ArtifactScreenshot {
		return nil, nil
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetImageFromBytes(artifact.Body); err != nil {
		return nil, fmt.Errorf("ocr: set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return nil, fmt.Errorf("ocr: recognize: %w", err)
	}

	meanConf := 0.0
	if mc, mcErr := client.GetBoundingBoxesVerbose(); mcErr == nil {
		meanConf = averageConfidence(mc)
	}

	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(strings.TrimSpace(text)) < p.Budget.MinChars || len(lines) < p.Budget.MinLines {
		return nil, nil
	}
	if meanConf > 0 && meanConf < p.Budget.MinConfidence {
		return nil, nil
	}

	return []RawAssertion{{FieldKey: "ocr_body", RawValue: text, EvidenceQuote: snippet(text, 240), Method: "ocr"}}, nil
}

func averageConfidence(boxes []gosseract.BoundingBox) float64 {
	if len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence
	}
	return sum / float64(len(boxes))
}
