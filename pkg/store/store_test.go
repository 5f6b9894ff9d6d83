package store_test

import (
	"context"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/spec-harvester/harvester/pkg/domain"
	"github.com/spec-harvester/harvester/pkg/store"
)

var _ = Describe("Store", func() {
	var (
		ctx context.Context
		s   *store.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		dir := GinkgoT().TempDir()
		var err error
		s, err = store.Open(ctx, filepath.Join(dir, "evidence.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { Expect(s.Close()).To(Succeed()) })
	})

	Describe("Put", func() {
		It("indexes new snippet text as new", func() {
			_, status, err := s.Put(ctx, "src-1", "Focus Pro 35K optical sensor")
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(store.StatusNew))
		})

		It("dedupes identical text across sources to the same snippet_id", func() {
			id1, _, err := s.Put(ctx, "src-1", "32000 DPI max")
			Expect(err).NotTo(HaveOccurred())
			id2, status, err := s.Put(ctx, "src-2", "32000 DPI max")
			Expect(err).NotTo(HaveOccurred())
			Expect(id2).To(Equal(id1))
			Expect(status).To(Equal(store.StatusReused))
		})

		It("dedupes across whitespace-only differences", func() {
			id1, _, err := s.Put(ctx, "src-1", "60  g   weight")
			Expect(err).NotTo(HaveOccurred())
			id2, _, err := s.Put(ctx, "src-2", "60 g weight")
			Expect(err).NotTo(HaveOccurred())
			Expect(id2).To(Equal(id1))
		})
	})

	Describe("PutArtifact", func() {
		It("quarantines a mismatched content hash without dropping the artifact", func() {
			Expect(s.PutSource(ctx, domain.Source{
				SourceID: "src-1", RunID: "run-1", URL: "https://example.com", Host: "example.com",
				RootDomain: "example.com", Tier: domain.TierManufacturer, Method: "http",
				CrawlStatus: domain.CrawlOK,
			})).To(Succeed())

			quarantined, err := s.PutArtifact(ctx, domain.Artifact{
				SourceID: "src-1", Kind: domain.ArtifactHTML, Path: "raw/pages/example.com/page.html.gz",
				ContentHash: "deadbeef", MIME: "text/html", Size: 4, Body: []byte("body"),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(quarantined).To(BeTrue())
		})
	})

	Describe("ListDocuments", func() {
		It("counts artifacts and unique hashes per source", func() {
			Expect(s.PutRun(ctx, domain.Run{
				RunID: "run-1", ProductID: "p1", Category: "mouse", StartedAt: time.Now(),
				PhaseCursor: domain.PhaseNeedSet, Status: domain.RunActive,
			})).To(Succeed())
			Expect(s.PutSource(ctx, domain.Source{
				SourceID: "src-1", RunID: "run-1", URL: "https://example.com", Host: "example.com",
				RootDomain: "example.com", Tier: domain.TierManufacturer, Method: "http",
				CrawlStatus: domain.CrawlOK,
			})).To(Succeed())
			_, err := s.PutArtifact(ctx, domain.Artifact{SourceID: "src-1", Kind: domain.ArtifactHTML, Path: "p", MIME: "text/html", Body: []byte("a")})
			Expect(err).NotTo(HaveOccurred())

			docs, err := s.ListDocuments(ctx, store.Scope{RunID: "run-1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(docs).To(HaveLen(1))
			Expect(docs[0].ArtifactCount).To(Equal(1))
		})
	})

	Describe("Search", func() {
		seedRun := func(runID, productID, category, sourceID, value, quote string) {
			Expect(s.PutRun(ctx, domain.Run{
				RunID: runID, ProductID: productID, Category: category, StartedAt: time.Now(),
				PhaseCursor: domain.PhaseNeedSet, Status: domain.RunActive,
			})).To(Succeed())
			Expect(s.PutSource(ctx, domain.Source{
				SourceID: sourceID, RunID: runID, URL: "https://example.com/" + sourceID, Host: "example.com",
				RootDomain: "example.com", Tier: domain.TierManufacturer, Method: "http",
				CrawlStatus: domain.CrawlOK,
			})).To(Succeed())
			_, _, err := s.PutAssertion(ctx, domain.Assertion{
				AssertionID: sourceID + "-a1", SourceID: sourceID, FieldKey: "sensor",
				ContextKind: domain.ContextScalar, ValueRaw: value, ValueNormalized: value, Method: "jsonld",
			}, quote)
			Expect(err).NotTo(HaveOccurred())
		}

		It("restricts hits to the scoped run", func() {
			seedRun("run-1", "p1", "mouse", "src-1", "Focus Pro 35K", "sensor is Focus Pro 35K optical")
			seedRun("run-2", "p2", "mouse", "src-2", "HERO 2", "sensor is HERO 2 optical")

			hits, err := s.Search(ctx, "optical", store.Scope{RunID: "run-1"}, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(hits).To(HaveLen(1))
			Expect(hits[0].AssertionID).To(Equal("src-1-a1"))
		})

		It("restricts hits to the scoped product across runs", func() {
			seedRun("run-1", "p1", "mouse", "src-1", "Focus Pro 35K", "sensor is Focus Pro 35K optical")
			seedRun("run-2", "p2", "mouse", "src-2", "HERO 2", "sensor is HERO 2 optical")

			hits, err := s.Search(ctx, "optical", store.Scope{ProductID: "p2"}, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(hits).To(HaveLen(1))
			Expect(hits[0].AssertionID).To(Equal("src-2-a1"))
		})

		It("returns everything in category scope that matches", func() {
			seedRun("run-1", "p1", "mouse", "src-1", "Focus Pro 35K", "sensor is Focus Pro 35K optical")
			seedRun("run-2", "p2", "keyboard", "src-2", "Hall effect", "switches are Hall effect optical")

			hits, err := s.Search(ctx, "optical", store.Scope{Category: "mouse"}, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(hits).To(HaveLen(1))
			Expect(hits[0].FieldKey).To(Equal("sensor"))
		})
	})

	Describe("StuckReviewKeys", func() {
		It("ignores keys with no audit history", func() {
			Expect(s.UpsertReviewState(ctx, store.ReviewStateRow{
				LaneKind: "grid", KeyJSON: `{"product_id":"p1","field_key":"dpi_max"}`,
				AIStatus: "pending", UserStatus: "pending",
			})).To(Succeed())

			count, _, err := s.StuckReviewKeys(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(0))
		})

		It("counts a fully-untouched key whose earliest audit entry predates the cutoff", func() {
			key := `{"product_id":"p1","field_key":"dpi_max"}`
			Expect(s.UpsertReviewState(ctx, store.ReviewStateRow{
				LaneKind: "grid", KeyJSON: key, AIStatus: "pending", UserStatus: "pending",
			})).To(Succeed())
			old := time.Now().Add(-48 * time.Hour)
			Expect(s.AppendAudit(ctx, "run-1", "grid", key, "candidate_proposed", "", old)).To(Succeed())

			count, oldestAgeHours, err := s.StuckReviewKeys(ctx, time.Now().Add(-24*time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(1))
			Expect(oldestAgeHours).To(BeNumerically(">=", 47))
		})

		It("excludes a key that has since been accepted", func() {
			key := `{"product_id":"p1","field_key":"weight"}`
			old := time.Now().Add(-48 * time.Hour)
			Expect(s.AppendAudit(ctx, "run-1", "grid", key, "candidate_proposed", "", old)).To(Succeed())
			Expect(s.UpsertReviewState(ctx, store.ReviewStateRow{
				LaneKind: "grid", KeyJSON: key, AIStatus: "confirmed", UserStatus: "accepted",
			})).To(Succeed())

			count, _, err := s.StuckReviewKeys(ctx, time.Now().Add(-24*time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(0))
		})
	})
})
