// Package output writes the per-run output layout from spec.md §6: raw
// captures under raw/, the normalized field record, per-field provenance,
// the per-round analysis documents, and the NDJSON event log, all rooted
// at outputs/{category}/{product_id}/runs/{run_id}/, with a latest/
// pointer mirroring the most recent successful run.
package output

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spec-harvester/harvester/pkg/discovery"
	"github.com/spec-harvester/harvester/pkg/domain"
	"github.com/spec-harvester/harvester/pkg/events"
	"github.com/spec-harvester/harvester/pkg/needset"
	"github.com/spec-harvester/harvester/pkg/retrieval"
)

// FieldRecord is one finalized field in the normalized record and the
// provenance document.
type FieldRecord struct {
	FieldKey      string   `json:"field_key"`
	Value         string   `json:"value"`
	Unit          string   `json:"unit,omitempty"`
	Confidence    float64  `json:"confidence"`
	ReasonCodes   []string `json:"reason_codes,omitempty"`
	SourceID      string   `json:"source_id,omitempty"`
	CandidateID   string   `json:"candidate_id,omitempty"`
}

// NetworkResponse is one raw/network/{host}/responses.ndjson.gz line.
type NetworkResponse struct {
	URL         string `json:"url"`
	Method      string `json:"method"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Size        int    `json:"size"`
	Outcome     string `json:"outcome"`
}

// roundNeedSet is one analysis/needset.json entry.
type roundNeedSet struct {
	Round int               `json:"round"`
	Rows  []needset.NeedRow `json:"rows"`
}

// roundProfile is one analysis/search_profile.json entry.
type roundProfile struct {
	Round   int               `json:"round"`
	Queries []discovery.Query `json:"queries"`
}

// packetRecord is one analysis/phase07_retrieval.json entry.
type packetRecord struct {
	FieldKey string           `json:"field_key"`
	Packet   retrieval.Packet `json:"packet"`
}

// ExtractionRecord is one analysis/phase08_extraction.json entry: the
// role-call trace shape without depending on the router package itself, so
// the archive stays a leaf the orchestrator can hand any role's trace to.
type ExtractionRecord struct {
	FieldKey        string `json:"field_key"`
	Role            string `json:"role"`
	Model           string `json:"model"`
	PromptPreview   string `json:"prompt_preview,omitempty"`
	ResponsePreview string `json:"response_preview,omitempty"`
	Status          string `json:"status"`
}

// Archive accumulates a run's analysis documents in memory and writes the
// on-disk layout. Raw pages and PDFs are written immediately (append-only:
// a second page from the same host gets a numbered sibling, per §5);
// network response lines and the JSON analysis documents are buffered and
// written once at Finalize so each file is a single complete document.
type Archive struct {
	runDir string

	mu         sync.Mutex
	needset    []roundNeedSet
	profiles   []roundProfile
	packets    []packetRecord
	extraction []ExtractionRecord
	network    map[string][]NetworkResponse
}

// New creates the run directory skeleton under runDir.
func New(runDir string) (*Archive, error) {
	for _, sub := range []string{
		filepath.Join("raw", "pages"),
		filepath.Join("raw", "network"),
		filepath.Join("raw", "pdfs"),
		"normalized",
		"provenance",
		"analysis",
		"logs",
	} {
		if err := os.MkdirAll(filepath.Join(runDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("output: create %s: %w", sub, err)
		}
	}
	return &Archive{runDir: runDir, network: map[string][]NetworkResponse{}}, nil
}

// RunDir returns the archive root.
func (a *Archive) RunDir() string { return a.runDir }

// Rename moves the archive root. The run id is minted by the orchestrator
// partway through setup, so callers stage the archive under a pending
// directory and move it once the id is known.
func (a *Archive) Rename(newDir string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(newDir), 0o755); err != nil {
		return fmt.Errorf("output: create run parent: %w", err)
	}
	_ = os.RemoveAll(newDir)
	if err := os.Rename(a.runDir, newDir); err != nil {
		return fmt.Errorf("output: rename archive: %w", err)
	}
	a.runDir = newDir
	return nil
}

// hostDir sanitizes a host into a directory segment.
func hostDir(host string) string {
	if host == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, host)
}

// SaveRawPage writes body to raw/pages/{host}/page.html.gz and returns the
// run-relative path for the artifact row. A second page from the same host
// gets a numbered sibling rather than overwriting the first (artifacts are
// append-only, invariant 8).
func (a *Archive) SaveRawPage(host string, body []byte) (string, error) {
	dir := filepath.Join(a.runDir, "raw", "pages", hostDir(host))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("output: create page dir: %w", err)
	}
	name := "page.html.gz"
	for i := 2; ; i++ {
		if _, err := os.Stat(filepath.Join(dir, name)); os.IsNotExist(err) {
			break
		}
		name = fmt.Sprintf("page_%d.html.gz", i)
	}
	path := filepath.Join(dir, name)
	if err := writeGzip(path, body); err != nil {
		return "", err
	}
	rel, _ := filepath.Rel(a.runDir, path)
	return rel, nil
}

// SavePDF writes a fetched PDF body under raw/pdfs/{host}/ and returns the
// run-relative path.
func (a *Archive) SavePDF(host, name string, body []byte) (string, error) {
	dir := filepath.Join(a.runDir, "raw", "pdfs", hostDir(host))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("output: create pdf dir: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(name))
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("output: write pdf: %w", err)
	}
	rel, _ := filepath.Rel(a.runDir, path)
	return rel, nil
}

// RecordNetworkResponse buffers one response line for the host's
// raw/network/{host}/responses.ndjson.gz, flushed at Finalize.
func (a *Archive) RecordNetworkResponse(host string, resp NetworkResponse) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.network[hostDir(host)] = append(a.network[hostDir(host)], resp)
}

// RecordNeedSet buffers one round's ranked NeedSet for analysis/needset.json.
func (a *Archive) RecordNeedSet(round int, rows []needset.NeedRow) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.needset = append(a.needset, roundNeedSet{Round: round, Rows: rows})
}

// RecordSearchProfile buffers one round's SearchProfile for
// analysis/search_profile.json.
func (a *Archive) RecordSearchProfile(round int, queries []discovery.Query) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.profiles = append(a.profiles, roundProfile{Round: round, Queries: queries})
}

// RecordRetrieval buffers one assembled prime-source packet for
// analysis/phase07_retrieval.json.
func (a *Archive) RecordRetrieval(fieldKey string, packet retrieval.Packet) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.packets = append(a.packets, packetRecord{FieldKey: fieldKey, Packet: packet})
}

// RecordExtraction buffers one role-call trace for
// analysis/phase08_extraction.json.
func (a *Archive) RecordExtraction(rec ExtractionRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.extraction = append(a.extraction, rec)
}

// WriteNormalized writes normalized/{category}.normalized.json and the
// single-row {category}.row.tsv (header line + one value row, tab-separated
// in field order).
func (a *Archive) WriteNormalized(category string, fields []FieldRecord) error {
	byKey := map[string]any{}
	for _, f := range fields {
		byKey[f.FieldKey] = f.Value
	}
	if err := writeJSON(filepath.Join(a.runDir, "normalized", category+".normalized.json"), byKey); err != nil {
		return err
	}

	header := make([]string, len(fields))
	row := make([]string, len(fields))
	for i, f := range fields {
		header[i] = f.FieldKey
		row[i] = strings.ReplaceAll(f.Value, "\t", " ")
	}
	tsv := strings.Join(header, "\t") + "\n" + strings.Join(row, "\t") + "\n"
	path := filepath.Join(a.runDir, "normalized", category+".row.tsv")
	if err := os.WriteFile(path, []byte(tsv), 0o644); err != nil {
		return fmt.Errorf("output: write row tsv: %w", err)
	}
	return nil
}

// WriteProvenance writes provenance/fields.provenance.json and
// fields.candidates.json.
func (a *Archive) WriteProvenance(fields []FieldRecord, candidates map[string][]domain.Candidate) error {
	if err := writeJSON(filepath.Join(a.runDir, "provenance", "fields.provenance.json"), fields); err != nil {
		return err
	}
	return writeJSON(filepath.Join(a.runDir, "provenance", "fields.candidates.json"), candidates)
}

// Finalize writes the buffered analysis documents, the NDJSON event log,
// and logs/summary.json.
func (a *Archive) Finalize(bus *events.Bus, summary any) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	analysis := filepath.Join(a.runDir, "analysis")
	if err := writeJSON(filepath.Join(analysis, "needset.json"), a.needset); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(analysis, "search_profile.json"), a.profiles); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(analysis, "phase07_retrieval.json"), a.packets); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(analysis, "phase08_extraction.json"), a.extraction); err != nil {
		return err
	}

	for host, lines := range a.network {
		dir := filepath.Join(a.runDir, "raw", "network", host)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("output: create network dir: %w", err)
		}
		if err := writeNDJSONGzip(filepath.Join(dir, "responses.ndjson.gz"), lines); err != nil {
			return err
		}
	}

	if err := writeJSON(filepath.Join(a.runDir, "logs", "summary.json"), summary); err != nil {
		return err
	}
	if bus != nil {
		if err := a.writeEventLog(bus); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archive) writeEventLog(bus *events.Bus) error {
	f, err := os.Create(filepath.Join(a.runDir, "logs", "events.jsonl.gz"))
	if err != nil {
		return fmt.Errorf("output: create event log: %w", err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	if err := bus.WriteNDJSON(gz); err != nil {
		_ = gz.Close()
		return fmt.Errorf("output: write event log: %w", err)
	}
	return gz.Close()
}

// MirrorLatest points latestDir at this run. A symlink where supported;
// falling back to a pointer file keeps the layout usable on filesystems
// without symlinks.
func (a *Archive) MirrorLatest(latestDir string) error {
	_ = os.RemoveAll(latestDir)
	if err := os.Symlink(a.runDir, latestDir); err == nil {
		return nil
	}
	return os.WriteFile(latestDir+".path", []byte(a.runDir+"\n"), 0o644)
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("output: encode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeGzip(path string, body []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	if _, err := gz.Write(body); err != nil {
		_ = gz.Close()
		return fmt.Errorf("output: write %s: %w", filepath.Base(path), err)
	}
	return gz.Close()
}

func writeNDJSONGzip(path string, lines []NetworkResponse) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	enc := json.NewEncoder(gz)
	for _, line := range lines {
		if err := enc.Encode(line); err != nil {
			_ = gz.Close()
			return fmt.Errorf("output: encode network line: %w", err)
		}
	}
	return gz.Close()
}
