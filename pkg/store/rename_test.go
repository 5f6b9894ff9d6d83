package store_test

import (
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/spec-harvester/harvester/pkg/domain"
	"github.com/spec-harvester/harvester/pkg/store"
)

var _ = Describe("canonical list values", func() {
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

	seedLinkedItems := func(value string, productIDs ...string) string {
		id, err := s.EnsureListValue(ctx, "switch_rating", value, value)
		Expect(err).NotTo(HaveOccurred())
		for _, pid := range productIDs {
			Expect(s.UpsertFieldState(ctx, domain.FieldState{
				ProductID: pid, FieldKey: "switch_rating", SelectedValue: value, Confidence: 0.9,
			})).To(Succeed())
			Expect(s.LinkItemToListValue(ctx, pid, "switch_rating", id)).To(Succeed())
		}
		return id
	}

	Describe("EnsureListValue", func() {
		It("returns the existing row instead of duplicating it", func() {
			first, err := s.EnsureListValue(ctx, "switch_rating", "Flawless", "Flawless")
			Expect(err).NotTo(HaveOccurred())
			second, err := s.EnsureListValue(ctx, "switch_rating", "Flawless", "Flawless!")
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(Equal(first))
		})
	})

	Describe("RenameListValue", func() {
		It("relinks every linked item and creates no duplicate canonical row", func() {
			id := seedLinkedItems("Flawless", "p1", "p2")

			relinked, err := s.RenameListValue(ctx, id, "Flawless (verified)", "Flawless (verified)")
			Expect(err).NotTo(HaveOccurred())
			Expect(relinked).To(Equal(2))

			for _, pid := range []string{"p1", "p2"} {
				state, found, err := s.GetFieldState(ctx, pid, "switch_rating")
				Expect(err).NotTo(HaveOccurred())
				Expect(found).To(BeTrue())
				Expect(state.SelectedValue).To(Equal("Flawless (verified)"))
			}

			// A later sync against the new value resolves to the same row.
			again, err := s.EnsureListValue(ctx, "switch_rating", "Flawless (verified)", "Flawless (verified)")
			Expect(err).NotTo(HaveOccurred())
			Expect(again).To(Equal(id))
		})

		It("skips an item whose grid lane is overridden", func() {
			id := seedLinkedItems("Flawless", "p1", "p2")
			key := domain.GridKey{ProductID: "p2", FieldKey: "switch_rating"}
			Expect(s.UpsertReviewState(ctx, store.ReviewStateRow{
				LaneKind: "grid", KeyJSON: key.JSON(), AIStatus: "confirmed", UserStatus: "overridden",
			})).To(Succeed())

			relinked, err := s.RenameListValue(ctx, id, "Flawless (verified)", "Flawless (verified)")
			Expect(err).NotTo(HaveOccurred())
			Expect(relinked).To(Equal(1))

			state, _, err := s.GetFieldState(ctx, "p2", "switch_rating")
			Expect(err).NotTo(HaveOccurred())
			Expect(state.SelectedValue).To(Equal("Flawless"))
		})

		It("restores every link after a rename and its inverse", func() {
			id := seedLinkedItems("Flawless", "p1", "p2")

			_, err := s.RenameListValue(ctx, id, "Flawless (verified)", "Flawless (verified)")
			Expect(err).NotTo(HaveOccurred())
			relinked, err := s.RenameListValue(ctx, id, "Flawless", "Flawless")
			Expect(err).NotTo(HaveOccurred())
			Expect(relinked).To(Equal(2))

			for _, pid := range []string{"p1", "p2"} {
				state, _, err := s.GetFieldState(ctx, pid, "switch_rating")
				Expect(err).NotTo(HaveOccurred())
				Expect(state.SelectedValue).To(Equal("Flawless"))
			}
		})
	})
})
