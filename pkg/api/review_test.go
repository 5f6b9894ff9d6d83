package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/go-logr/logr"

	"github.com/spec-harvester/harvester/pkg/api"
	"github.com/spec-harvester/harvester/pkg/domain"
	"github.com/spec-harvester/harvester/pkg/events"
	"github.com/spec-harvester/harvester/pkg/store"
)

var _ = Describe("review mutation endpoints", func() {
	var (
		ctx context.Context
		st  *store.Store
		srv *httptest.Server
	)

	BeforeEach(func() {
		ctx = context.Background()
		dir := GinkgoT().TempDir()
		var err error
		st, err = store.Open(ctx, filepath.Join(dir, "evidence.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { Expect(st.Close()).To(Succeed()) })

		handler, err := api.NewServer(api.ServerConfig{
			Review: api.NewReviewService(st),
			Bus:    events.New(),
			Log:    logr.Discard(),
		})
		Expect(err).NotTo(HaveOccurred())
		srv = httptest.NewServer(handler)
		DeferCleanup(srv.Close)
	})

	post := func(path string, req api.MutationRequest) (*http.Response, api.MutationResponse) {
		body, err := json.Marshal(req)
		Expect(err).NotTo(HaveOccurred())
		resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(body))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = resp.Body.Close() })
		var decoded api.MutationResponse
		if resp.StatusCode == http.StatusOK {
			Expect(json.NewDecoder(resp.Body).Decode(&decoded)).To(Succeed())
		}
		return resp, decoded
	}

	gridTarget := func(productID, fieldKey string) string {
		id, err := api.EncodeTargetID(api.TargetGrid, domain.GridKey{ProductID: productID, FieldKey: fieldKey})
		Expect(err).NotTo(HaveOccurred())
		return id
	}

	enumTarget := func(fieldKey, valueNorm string) string {
		id, err := api.EncodeTargetID(api.TargetEnum, domain.EnumKey{FieldKey: fieldKey, EnumValueNorm: valueNorm})
		Expect(err).NotTo(HaveOccurred())
		return id
	}

	Describe("key-review-accept", func() {
		It("accepts a candidate on the primary lane and persists it", func() {
			resp, decoded := post("/review/mouse/key-review-accept", api.MutationRequest{
				TargetKind: api.TargetGrid, TargetID: gridTarget("p1", "sensor"),
				Lane: api.LanePrimary, CandidateID: "cand-1", Value: "Focus Pro 35K", Confidence: 0.92,
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decoded.State).To(Equal("accepted"))
			Expect(decoded.SelectedValue).To(Equal("Focus Pro 35K"))

			key := domain.GridKey{ProductID: "p1", FieldKey: "sensor"}
			row, found, err := st.GetReviewState(ctx, "grid", key.JSON())
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(row.UserStatus).To(Equal("accepted"))
			Expect(row.SelectedCandidate).To(Equal("cand-1"))
		})

		It("rejects the primary lane on a non-grid target", func() {
			resp, _ := post("/review/mouse/key-review-accept", api.MutationRequest{
				TargetKind: api.TargetEnum, TargetID: enumTarget("switch_rating", "Flawless"),
				Lane: api.LanePrimary, CandidateID: "cand-1", Value: "Flawless",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
		})

		It("re-links matching items on a shared enum accept, skipping overridden ones", func() {
			for _, pid := range []string{"p1", "p2"} {
				Expect(st.UpsertFieldState(ctx, domain.FieldState{
					ProductID: pid, FieldKey: "switch_rating", SelectedValue: "Flawless", Confidence: 0.9,
				})).To(Succeed())
			}
			overriddenKey := domain.GridKey{ProductID: "p2", FieldKey: "switch_rating"}
			Expect(st.UpsertReviewState(ctx, store.ReviewStateRow{
				LaneKind: "grid", KeyJSON: overriddenKey.JSON(), AIStatus: "confirmed", UserStatus: "overridden",
			})).To(Succeed())

			resp, decoded := post("/review/mouse/key-review-accept", api.MutationRequest{
				TargetKind: api.TargetEnum, TargetID: enumTarget("switch_rating", "Flawless"),
				Lane: api.LaneShared, CandidateID: "cand-7", Value: "Flawless", Confidence: 0.95,
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decoded.Relinked).To(Equal(1))
		})
	})

	Describe("request validation", func() {
		It("rejects a body missing required fields before any handler runs", func() {
			resp, err := http.Post(srv.URL+"/review/mouse/key-review-accept", "application/json",
				bytes.NewReader([]byte(`{"lane":"primary"}`)))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects an unknown target_kind enum value", func() {
			resp, err := http.Post(srv.URL+"/review/mouse/key-review-confirm", "application/json",
				bytes.NewReader([]byte(`{"target_kind":"row","target_id":"abc","lane":"primary"}`)))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects an out-of-range confidence", func() {
			resp, err := http.Post(srv.URL+"/review/mouse/key-review-accept", "application/json",
				bytes.NewReader([]byte(`{"target_kind":"grid","target_id":"abc","lane":"primary","confidence":1.5}`)))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("key-review-confirm", func() {
		It("clears AI-pending without mutating the selected value", func() {
			key := domain.GridKey{ProductID: "p1", FieldKey: "weight_g"}
			Expect(st.UpsertReviewState(ctx, store.ReviewStateRow{
				LaneKind: "grid", KeyJSON: key.JSON(), AIStatus: "pending", UserStatus: "pending",
				SelectedValue: "54 g", Confidence: 0.8,
			})).To(Succeed())

			resp, decoded := post("/review/mouse/key-review-confirm", api.MutationRequest{
				TargetKind: api.TargetGrid, TargetID: gridTarget("p1", "weight_g"), Lane: api.LanePrimary,
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decoded.State).To(Equal("ai_confirmed"))
			Expect(decoded.SelectedValue).To(Equal("54 g"))

			row, _, err := st.GetReviewState(ctx, "grid", key.JSON())
			Expect(err).NotTo(HaveOccurred())
			Expect(row.AIStatus).To(Equal("confirmed"))
			Expect(row.UserStatus).To(Equal("pending"))
			Expect(row.SelectedValue).To(Equal("54 g"))
		})
	})

	Describe("key-review-override", func() {
		It("sets no candidate and leaves shared state untouched", func() {
			enumKey := domain.EnumKey{FieldKey: "switch_rating", EnumValueNorm: "Flawless"}
			Expect(st.UpsertReviewState(ctx, store.ReviewStateRow{
				LaneKind: "enum", KeyJSON: enumKey.JSON(), AIStatus: "confirmed", UserStatus: "accepted",
				SelectedCandidate: "cand-7", SelectedValue: "Flawless",
			})).To(Succeed())

			resp, decoded := post("/review/mouse/key-review-override", api.MutationRequest{
				TargetKind: api.TargetGrid, TargetID: gridTarget("p1", "switch_rating"),
				Lane: api.LanePrimary, Value: "my own rating",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decoded.State).To(Equal("overridden"))

			shared, _, err := st.GetReviewState(ctx, "enum", enumKey.JSON())
			Expect(err).NotTo(HaveOccurred())
			Expect(shared.UserStatus).To(Equal("accepted"))
			Expect(shared.SelectedCandidate).To(Equal("cand-7"))
		})
	})

	It("serves healthz", func() {
		resp, err := http.Get(srv.URL + "/healthz")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})
})
