package orchestrator_test

import (
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/spec-harvester/harvester/internal/config"
	"github.com/spec-harvester/harvester/internal/identity"
	"github.com/spec-harvester/harvester/pkg/consensus"
	"github.com/spec-harvester/harvester/pkg/domain"
	"github.com/spec-harvester/harvester/pkg/events"
	"github.com/spec-harvester/harvester/pkg/needset"
	"github.com/spec-harvester/harvester/pkg/orchestrator"
	"github.com/spec-harvester/harvester/pkg/policy"
	"github.com/spec-harvester/harvester/pkg/store"
)

// stubCatalog returns a fixed contract set for any category.
type stubCatalog struct {
	contracts []domain.FieldContract
}

func (c stubCatalog) FieldContracts(ctx context.Context, category string) ([]domain.FieldContract, error) {
	return c.contracts, nil
}

func testNeedSetWeights() policy.NeedSetWeights {
	return policy.NeedSetWeights{
		RequiredWeight: map[string]float64{
			"identity": 1.0, "critical": 0.9, "required": 0.7, "expected": 0.4, "optional": 0.2,
		},
		TierDeficitWeight:     0.15,
		MinRefsDeficitWeight:  0.12,
		ConflictMult:          1.35,
		FreshnessHalfLifeDays: 45,
		IdentityCap:           0.3,
	}
}

func testConsensusWeights() policy.ConsensusWeights {
	return policy.ConsensusWeights{
		TierWeight:              map[string]float64{"1": 1.0, "2": 0.8, "3": 0.5, "4": 0.25},
		MethodWeight:            map[string]float64{"jsonld": 1.0, "table": 0.9, "llm": 0.85},
		SourceWeightDefault:     1.0,
		DiversityBonusPerDomain: 0.05,
		DiversityBonusCap:       0.15,
		ConflictEpsilon:         0.05,
	}
}

var _ = Describe("Runner", func() {
	var (
		ctx   context.Context
		st    *store.Store
		bus   *events.Bus
		ident identity.ProductIdentity
	)

	BeforeEach(func() {
		ctx = context.Background()
		dir := GinkgoT().TempDir()
		var err error
		st, err = store.Open(ctx, filepath.Join(dir, "evidence.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { Expect(st.Close()).To(Succeed()) })

		bus = events.New()
		ident = identity.ProductIdentity{Category: "mouse", Brand: "Razer", Model: "Viper V3 Pro"}
	})

	newRunner := func(contracts []domain.FieldContract, conv config.Convergence) *orchestrator.Runner {
		return orchestrator.New(orchestrator.Deps{
			Store:       st,
			Bus:         bus,
			Catalog:     stubCatalog{contracts: contracts},
			Consensus:   consensus.Engine{Weights: testConsensusWeights(), DiversityThreshold: 2},
			NeedSet:     needset.Engine{Weights: testNeedSetWeights()},
			Convergence: conv,
		})
	}

	seedSource := func(sourceID, url string, tier domain.Tier) {
		Expect(st.PutSource(ctx, domain.Source{
			SourceID: sourceID, RunID: "seed", URL: url, Host: "www.razer.com",
			RootDomain: "razer.com", Tier: tier, Method: "http", CrawlStatus: domain.CrawlOK,
		})).To(Succeed())
	}

	seedAssertion := func(assertionID, sourceID, fieldKey, value, quote string) {
		_, _, err := st.PutAssertion(ctx, domain.Assertion{
			AssertionID: assertionID, SourceID: sourceID, FieldKey: fieldKey,
			ContextKind: domain.ContextScalar, ValueRaw: value, ValueNormalized: value, Method: "jsonld",
		}, quote)
		Expect(err).NotTo(HaveOccurred())
	}

	Describe("stop conditions", func() {
		It("terminates no_sources, not failed, when nothing is discovered", func() {
			contracts := []domain.FieldContract{{FieldKey: "sensor", RequiredLevel: domain.RequiredRequired, MinDistinctRefs: 1}}
			runner := newRunner(contracts, config.Convergence{MaxRounds: 5, ConfidenceGate: 0.75})

			summary, err := runner.Run(ctx, "mouse", ident, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.StopReason).To(Equal(domain.StopNoSources))
			Expect(summary.Status).To(Equal(domain.RunCompleted))
		})

		It("finalizes immediately when every field already satisfies its gate", func() {
			contracts := []domain.FieldContract{{FieldKey: "sensor", RequiredLevel: domain.RequiredRequired, MinDistinctRefs: 1}}
			seedSource("src-1", "https://www.razer.com/viper-v3-pro", domain.TierManufacturer)
			seedAssertion("as-1", "src-1", "sensor", "Focus Pro 35K", "Sensor: Focus Pro 35K optical")
			Expect(st.UpsertFieldState(ctx, domain.FieldState{
				ProductID: ident.ProductID(), FieldKey: "sensor",
				SelectedValue: "Focus Pro 35K", Confidence: 0.95,
			})).To(Succeed())

			runner := newRunner(contracts, config.Convergence{MaxRounds: 5, ConfidenceGate: 0.75})
			summary, err := runner.Run(ctx, "mouse", ident, []string{"https://www.razer.com/viper-v3-pro"})
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.StopReason).To(Equal(domain.StopAllFieldsGated))
			Expect(summary.Rounds).To(Equal(1))
		})

		It("stops after no_progress_limit rounds without a field-state delta", func() {
			contracts := []domain.FieldContract{{FieldKey: "sensor", RequiredLevel: domain.RequiredRequired, MinDistinctRefs: 1}}
			runner := newRunner(contracts, config.Convergence{MaxRounds: 10, NoProgressLimit: 2, ConfidenceGate: 0.75})

			summary, err := runner.Run(ctx, "mouse", ident, []string{"https://www.razer.com/viper-v3-pro"})
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.StopReason).To(Equal(domain.StopNoProgress))
		})

		It("stops at max_rounds", func() {
			contracts := []domain.FieldContract{{FieldKey: "sensor", RequiredLevel: domain.RequiredRequired, MinDistinctRefs: 1}}
			runner := newRunner(contracts, config.Convergence{MaxRounds: 2, ConfidenceGate: 0.75})

			summary, err := runner.Run(ctx, "mouse", ident, []string{"https://www.razer.com/viper-v3-pro"})
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.StopReason).To(Equal(domain.StopMaxRounds))
			Expect(summary.Rounds).To(Equal(2))
		})

		It("fast-fails on an identity conflict across tier-1 sources", func() {
			contracts := []domain.FieldContract{{FieldKey: "model", RequiredLevel: domain.RequiredIdentity, MinDistinctRefs: 2}}
			seedSource("src-1", "https://www.razer.com/viper-v3-pro", domain.TierManufacturer)
			seedSource("src-2", "https://www.razer.com/viper-v3-hyperspeed", domain.TierManufacturer)
			seedAssertion("as-1", "src-1", "model", "Viper V3 Pro", "Razer Viper V3 Pro wireless gaming mouse")
			seedAssertion("as-2", "src-2", "model", "Viper V3 Hyperspeed", "Razer Viper V3 Hyperspeed wireless mouse")

			runner := newRunner(contracts, config.Convergence{MaxRounds: 5, ConfidenceGate: 0.75})
			summary, err := runner.Run(ctx, "mouse", ident, []string{"https://www.razer.com/viper-v3-pro"})
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.StopReason).To(Equal(domain.StopIdentityConflict))
		})
	})

	Describe("summary", func() {
		It("carries per-field selections and their candidates", func() {
			contracts := []domain.FieldContract{{FieldKey: "sensor", RequiredLevel: domain.RequiredRequired, MinDistinctRefs: 1}}
			seedSource("src-1", "https://www.razer.com/viper-v3-pro", domain.TierManufacturer)
			seedAssertion("as-1", "src-1", "sensor", "Focus Pro 35K", "Sensor: Focus Pro 35K optical")

			runner := newRunner(contracts, config.Convergence{MaxRounds: 3, NoProgressLimit: 2, ConfidenceGate: 0.75})
			summary, err := runner.Run(ctx, "mouse", ident, []string{"https://www.razer.com/viper-v3-pro"})
			Expect(err).NotTo(HaveOccurred())

			Expect(summary.Fields).To(HaveLen(1))
			Expect(summary.Fields[0].SelectedValue).To(Equal("Focus Pro 35K"))
			Expect(summary.Candidates).To(HaveKey("sensor"))
			Expect(summary.Candidates["sensor"][0].Value).To(Equal("Focus Pro 35K"))
		})

		It("records the primary review lane as ai-pending for a fresh selection", func() {
			contracts := []domain.FieldContract{{FieldKey: "sensor", RequiredLevel: domain.RequiredRequired, MinDistinctRefs: 1}}
			seedSource("src-1", "https://www.razer.com/viper-v3-pro", domain.TierManufacturer)
			seedAssertion("as-1", "src-1", "sensor", "Focus Pro 35K", "Sensor: Focus Pro 35K optical")

			runner := newRunner(contracts, config.Convergence{MaxRounds: 3, NoProgressLimit: 2, ConfidenceGate: 0.75})
			_, err := runner.Run(ctx, "mouse", ident, []string{"https://www.razer.com/viper-v3-pro"})
			Expect(err).NotTo(HaveOccurred())

			key := domain.GridKey{ProductID: ident.ProductID(), FieldKey: "sensor"}
			row, found, err := st.GetReviewState(ctx, "grid", key.JSON())
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(row.AIStatus).To(Equal("pending"))
			Expect(row.SelectedValue).To(Equal("Focus Pro 35K"))
		})

		It("leaves an overridden item lane untouched by a fresh AI selection", func() {
			contracts := []domain.FieldContract{{FieldKey: "sensor", RequiredLevel: domain.RequiredRequired, MinDistinctRefs: 1}}
			seedSource("src-1", "https://www.razer.com/viper-v3-pro", domain.TierManufacturer)
			seedAssertion("as-1", "src-1", "sensor", "Focus Pro 35K", "Sensor: Focus Pro 35K optical")

			key := domain.GridKey{ProductID: ident.ProductID(), FieldKey: "sensor"}
			Expect(st.UpsertReviewState(ctx, store.ReviewStateRow{
				LaneKind: "grid", KeyJSON: key.JSON(), AIStatus: "confirmed", UserStatus: "overridden",
				SelectedValue: "manual sensor name",
			})).To(Succeed())

			runner := newRunner(contracts, config.Convergence{MaxRounds: 3, NoProgressLimit: 2, ConfidenceGate: 0.75})
			_, err := runner.Run(ctx, "mouse", ident, []string{"https://www.razer.com/viper-v3-pro"})
			Expect(err).NotTo(HaveOccurred())

			row, _, err := st.GetReviewState(ctx, "grid", key.JSON())
			Expect(err).NotTo(HaveOccurred())
			Expect(row.UserStatus).To(Equal("overridden"))
			Expect(row.SelectedValue).To(Equal("manual sensor name"))
		})
	})

	Describe("event stream", func() {
		It("emits run_context, needset_computed, and run_completed", func() {
			contracts := []domain.FieldContract{{FieldKey: "sensor", RequiredLevel: domain.RequiredRequired, MinDistinctRefs: 1}}
			runner := newRunner(contracts, config.Convergence{MaxRounds: 5, ConfidenceGate: 0.75})
			_, err := runner.Run(ctx, "mouse", ident, nil)
			Expect(err).NotTo(HaveOccurred())

			kinds := map[events.Kind]bool{}
			for _, ev := range bus.Snapshot() {
				kinds[ev.Event] = true
			}
			Expect(kinds).To(HaveKey(events.KindRunContext))
			Expect(kinds).To(HaveKey(events.KindNeedSetComputed))
			Expect(kinds).To(HaveKey(events.KindRunCompleted))
		})
	})
})
