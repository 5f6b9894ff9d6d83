package frontier_test

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/spec-harvester/harvester/pkg/frontier"
)

var _ = Describe("Frontier", func() {
	var (
		ctx    context.Context
		mr     *miniredis.Miniredis
		rdb    *redis.Client
		policy frontier.Policy
		f      *frontier.Frontier
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { mr.Close() })

		rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		DeferCleanup(func() { _ = rdb.Close() })

		policy = frontier.DefaultPolicy()
		policy.BaseCooldown = 2 * time.Second
		policy.DeadPathThreshold = 3
		f = frontier.New(rdb, nil, nil, policy)
	})

	Describe("RecordOutcome", func() {
		It("puts a host into cooldown after BlockedThreshold consecutive blocked outcomes", func() {
			for i := 0; i < policy.BlockedThreshold; i++ {
				Expect(f.RecordOutcome(ctx, "example.com", true)).To(Succeed())
			}
			cooling, err := f.InCooldown(ctx, "example.com")
			Expect(err).NotTo(HaveOccurred())
			Expect(cooling).To(BeTrue())
		})

		It("clears the failure counter on a non-blocked outcome", func() {
			for i := 0; i < policy.BlockedThreshold-1; i++ {
				Expect(f.RecordOutcome(ctx, "example.com", true)).To(Succeed())
			}
			Expect(f.RecordOutcome(ctx, "example.com", false)).To(Succeed())
			Expect(f.RecordOutcome(ctx, "example.com", true)).To(Succeed())
			cooling, err := f.InCooldown(ctx, "example.com")
			Expect(err).NotTo(HaveOccurred())
			Expect(cooling).To(BeFalse())
		})
	})

	Describe("PathShape", func() {
		It("folds numeric path segments into a wildcard", func() {
			host, shape, err := frontier.PathShape("https://example.com/support/drivers/legacy/42", "manual")
			Expect(err).NotTo(HaveOccurred())
			Expect(host).To(Equal("example.com"))
			Expect(shape).To(Equal("manual:/support/drivers/legacy/*"))
		})

		It("scopes the shape by doc_kind so review paths are distinct from manual paths", func() {
			_, shapeManual, err := frontier.PathShape("https://example.com/support/drivers/legacy/1", "manual")
			Expect(err).NotTo(HaveOccurred())
			_, shapeReview, err := frontier.PathShape("https://example.com/support/drivers/legacy/1", "review")
			Expect(err).NotTo(HaveOccurred())
			Expect(shapeManual).NotTo(Equal(shapeReview))
		})
	})

	Describe("RecordPathFailure / dead-path promotion", func() {
		It("promotes a pattern once K distinct sources fail the same shape", func() {
			host, shape, err := frontier.PathShape("https://example.com/support/drivers/legacy/1", "manual")
			Expect(err).NotTo(HaveOccurred())

			promoted, err := f.RecordPathFailure(ctx, host, shape, "src-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(promoted).To(BeFalse())

			promoted, err = f.RecordPathFailure(ctx, host, shape, "src-2")
			Expect(err).NotTo(HaveOccurred())
			Expect(promoted).To(BeFalse())

			promoted, err = f.RecordPathFailure(ctx, host, shape, "src-3")
			Expect(err).NotTo(HaveOccurred())
			Expect(promoted).To(BeTrue())
		})

		It("short-circuits admission for URLs matching a promoted dead pattern", func() {
			for i := 0; i < 3; i++ {
				host, shape, _ := frontier.PathShape("https://example.com/support/drivers/legacy/1", "manual")
				_, err := f.RecordPathFailure(ctx, host, shape, string(rune('a'+i)))
				Expect(err).NotTo(HaveOccurred())
			}
			admitted, reason, err := f.Admit(ctx, "https://example.com/support/drivers/legacy/99", "manual")
			Expect(err).NotTo(HaveOccurred())
			Expect(admitted).To(BeFalse())
			Expect(reason).To(Equal("dead_path_pattern"))
		})
	})

	Describe("RootDomain", func() {
		It("keeps the last two labels", func() {
			Expect(frontier.RootDomain("www.manufacturer.example.com")).To(Equal("example.com"))
		})
	})
})
