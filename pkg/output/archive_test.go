package output_test

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/spec-harvester/harvester/pkg/domain"
	"github.com/spec-harvester/harvester/pkg/events"
	"github.com/spec-harvester/harvester/pkg/needset"
	"github.com/spec-harvester/harvester/pkg/output"
)

var _ = Describe("Archive", func() {
	var (
		root    string
		archive *output.Archive
	)

	BeforeEach(func() {
		root = filepath.Join(GinkgoT().TempDir(), "run-1")
		var err error
		archive, err = output.New(root)
		Expect(err).NotTo(HaveOccurred())
	})

	It("creates the full directory skeleton", func() {
		for _, sub := range []string{"raw/pages", "raw/network", "raw/pdfs", "normalized", "provenance", "analysis", "logs"} {
			info, err := os.Stat(filepath.Join(root, filepath.FromSlash(sub)))
			Expect(err).NotTo(HaveOccurred(), sub)
			Expect(info.IsDir()).To(BeTrue(), sub)
		}
	})

	Describe("SaveRawPage", func() {
		It("writes a gzipped page under the host directory", func() {
			rel, err := archive.SaveRawPage("www.razer.com", []byte("<html>Focus Pro 35K</html>"))
			Expect(err).NotTo(HaveOccurred())
			Expect(rel).To(Equal(filepath.FromSlash("raw/pages/www.razer.com/page.html.gz")))

			f, err := os.Open(filepath.Join(root, rel))
			Expect(err).NotTo(HaveOccurred())
			defer f.Close()
			gz, err := gzip.NewReader(f)
			Expect(err).NotTo(HaveOccurred())
			body, err := io.ReadAll(gz)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("Focus Pro 35K"))
		})

		It("never overwrites an earlier page from the same host", func() {
			first, err := archive.SaveRawPage("example.com", []byte("one"))
			Expect(err).NotTo(HaveOccurred())
			second, err := archive.SaveRawPage("example.com", []byte("two"))
			Expect(err).NotTo(HaveOccurred())
			Expect(second).NotTo(Equal(first))
		})

		It("folds a hostile host into a single path segment", func() {
			rel, err := archive.SaveRawPage("evil/../host", []byte("x"))
			Expect(err).NotTo(HaveOccurred())
			parts := strings.Split(rel, string(filepath.Separator))
			Expect(parts).To(HaveLen(4)) // raw/pages/<host>/page.html.gz
			Expect(parts[2]).To(Equal("evil_.._host"))
		})
	})

	Describe("WriteNormalized", func() {
		It("writes the normalized record and a header+row TSV", func() {
			Expect(archive.WriteNormalized("mouse", []output.FieldRecord{
				{FieldKey: "sensor", Value: "Focus Pro 35K", Confidence: 0.92},
				{FieldKey: "weight", Value: "54 g", Confidence: 0.88},
			})).To(Succeed())

			raw, err := os.ReadFile(filepath.Join(root, "normalized", "mouse.normalized.json"))
			Expect(err).NotTo(HaveOccurred())
			var record map[string]string
			Expect(json.Unmarshal(raw, &record)).To(Succeed())
			Expect(record).To(HaveKeyWithValue("sensor", "Focus Pro 35K"))

			tsv, err := os.ReadFile(filepath.Join(root, "normalized", "mouse.row.tsv"))
			Expect(err).NotTo(HaveOccurred())
			lines := strings.Split(strings.TrimRight(string(tsv), "\n"), "\n")
			Expect(lines).To(HaveLen(2))
			Expect(lines[0]).To(Equal("sensor\tweight"))
			Expect(lines[1]).To(Equal("Focus Pro 35K\t54 g"))
		})
	})

	Describe("Finalize", func() {
		It("writes every analysis document, the network log, and the event log", func() {
			archive.RecordNeedSet(1, []needset.NeedRow{{FieldKey: "sensor", Need: 0.9}})
			archive.RecordNetworkResponse("example.com", output.NetworkResponse{URL: "https://example.com", Status: 200, Outcome: "ok"})
			archive.RecordExtraction(output.ExtractionRecord{FieldKey: "sensor", Role: "extract", Status: "ok"})

			bus := events.New()
			bus.Publish(events.StageFetch, events.KindFetchFinished, "run-1", nil)
			Expect(archive.Finalize(bus, map[string]string{"status": "completed"})).To(Succeed())

			for _, name := range []string{"needset.json", "search_profile.json", "phase07_retrieval.json", "phase08_extraction.json"} {
				_, err := os.Stat(filepath.Join(root, "analysis", name))
				Expect(err).NotTo(HaveOccurred(), name)
			}
			_, err := os.Stat(filepath.Join(root, "raw", "network", "example.com", "responses.ndjson.gz"))
			Expect(err).NotTo(HaveOccurred())
			_, err = os.Stat(filepath.Join(root, "logs", "events.jsonl.gz"))
			Expect(err).NotTo(HaveOccurred())
			_, err = os.Stat(filepath.Join(root, "logs", "summary.json"))
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("WriteProvenance", func() {
		It("writes the provenance and candidates documents", func() {
			fields := []output.FieldRecord{{FieldKey: "dpi_max", Value: "32000", Confidence: 0.95}}
			cands := map[string][]domain.Candidate{
				"dpi_max": {{CandidateID: "c1", FieldKey: "dpi_max", Value: "32000", Tier: domain.TierManufacturer}},
			}
			Expect(archive.WriteProvenance(fields, cands)).To(Succeed())

			raw, err := os.ReadFile(filepath.Join(root, "provenance", "fields.candidates.json"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(raw)).To(ContainSubstring(`"32000"`))
		})
	})

	Describe("Rename", func() {
		It("moves the archive root and keeps prior captures", func() {
			_, err := archive.SaveRawPage("example.com", []byte("body"))
			Expect(err).NotTo(HaveOccurred())

			newRoot := filepath.Join(filepath.Dir(root), "run-final")
			Expect(archive.Rename(newRoot)).To(Succeed())
			Expect(archive.RunDir()).To(Equal(newRoot))
			_, err = os.Stat(filepath.Join(newRoot, "raw", "pages", "example.com", "page.html.gz"))
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("MirrorLatest", func() {
		It("points latest at the run directory", func() {
			latest := filepath.Join(filepath.Dir(root), "latest")
			Expect(archive.MirrorLatest(latest)).To(Succeed())
			resolved, err := os.Readlink(latest)
			if err == nil {
				Expect(resolved).To(Equal(root))
				return
			}
			raw, err := os.ReadFile(latest + ".path")
			Expect(err).NotTo(HaveOccurred())
			Expect(strings.TrimSpace(string(raw))).To(Equal(root))
		})
	})
})
