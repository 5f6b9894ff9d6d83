package automation_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/spec-harvester/harvester/pkg/automation"
	"github.com/spec-harvester/harvester/pkg/domain"
	"github.com/spec-harvester/harvester/pkg/store"
)

func TestAutomation(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Automation Queue Suite")
}

var _ = Describe("Queue", func() {
	var (
		ctx context.Context
		st  *store.Store
		q   *automation.Queue
	)

	BeforeEach(func() {
		ctx = context.Background()
		dir := GinkgoT().TempDir()
		var err error
		st, err = store.Open(ctx, filepath.Join(dir, "evidence.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { Expect(st.Close()).To(Succeed()) })
		q = automation.New(st, nil)
	})

	Describe("Enqueue", func() {
		It("assigns the job type's default priority", func() {
			job, err := q.Enqueue(ctx, automation.JobRequest{
				Type: domain.JobRepairSearch, Domain: "example.com", Reason: "dead_path_pattern",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Priority).To(Equal(automation.DefaultPriorities[domain.JobRepairSearch]))
			Expect(job.Status).To(Equal(domain.JobQueued))
		})

		It("never duplicates a job already queued for the same dedupe key", func() {
			req := automation.JobRequest{Type: domain.JobDeficitRediscovery, Domain: "example.com", FieldTargets: []string{"dpi_max"}, Reason: "min_refs_deficit"}
			first, err := q.Enqueue(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			second, err := q.Enqueue(ctx, req)
			Expect(err).NotTo(HaveOccurred())

			pending, err := q.Pending(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(1))
			Expect(second.DedupeKey).To(Equal(first.DedupeKey))
		})

		It("computes the same dedupe key regardless of field-target order", func() {
			a := automation.DedupeKey(automation.JobRequest{Type: domain.JobRepairSearch, FieldTargets: []string{"dpi_max", "weight_g"}})
			b := automation.DedupeKey(automation.JobRequest{Type: domain.JobRepairSearch, FieldTargets: []string{"weight_g", "dpi_max"}})
			Expect(a).To(Equal(b))
		})
	})

	Describe("Lease/Complete/Fail/Cooldown", func() {
		It("leases the lowest-priority-number job first", func() {
			_, err := q.Enqueue(ctx, automation.JobRequest{Type: domain.JobDomainBackoff, Domain: "slow.example.com"})
			Expect(err).NotTo(HaveOccurred())
			_, err = q.Enqueue(ctx, automation.JobRequest{Type: domain.JobRepairSearch, Domain: "fast.example.com"})
			Expect(err).NotTo(HaveOccurred())

			job, ok, err := q.Lease(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(job.JobType).To(Equal(domain.JobRepairSearch))
		})

		It("cycles queued -> running -> done", func() {
			created, err := q.Enqueue(ctx, automation.JobRequest{Type: domain.JobStalenessRefresh, Domain: "example.com"})
			Expect(err).NotTo(HaveOccurred())

			leased, ok, err := q.Lease(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(leased.JobID).To(Equal(created.JobID))

			Expect(q.Complete(ctx, leased.JobID)).To(Succeed())

			pending, err := q.Pending(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(BeEmpty())
		})

		It("does not re-lease a cooled-down job until next_run_at elapses", func() {
			created, err := q.Enqueue(ctx, automation.JobRequest{Type: domain.JobRepairSearch, Domain: "example.com"})
			Expect(err).NotTo(HaveOccurred())
			leased, ok, err := q.Lease(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(leased.JobID).To(Equal(created.JobID))

			future := time.Now().Add(1 * time.Hour)
			Expect(q.Cooldown(ctx, leased.JobID, future)).To(Succeed())

			_, ok, err = q.Lease(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())

			promoted, err := q.PromoteDue(ctx, future.Add(time.Second))
			Expect(err).NotTo(HaveOccurred())
			Expect(promoted).To(Equal(1))

			_, ok, err = q.Lease(ctx, future.Add(time.Second))
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
		})
	})
})
