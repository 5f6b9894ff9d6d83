// Package api exposes the spec.md §6 external interfaces that aren't the
// NDJSON event log itself: the id-based review mutation endpoints, an
// SSE mirror of the event bus, and a Prometheus metrics endpoint. Routing
// follows the teacher's go-chi/chi conventions.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"

	"github.com/spec-harvester/harvester/pkg/domain"
	"github.com/spec-harvester/harvester/pkg/review"
	"github.com/spec-harvester/harvester/pkg/store"
)

// TargetKind names the review key family a mutation targets, matching
// pkg/store's lane_kind column.
type TargetKind string

const (
	TargetGrid      TargetKind = "grid"
	TargetComponent TargetKind = "component"
	TargetEnum      TargetKind = "enum"
)

// Lane selects which of the two review axes a mutation applies to
// (invariant 6: primary only ever applies to a grid target).
type Lane string

const (
	LanePrimary Lane = "primary"
	LaneShared  Lane = "shared"
)

// MutationRequest is the request body for key-review-accept,
// key-review-confirm and key-review-override. target_id is an opaque, encoded form of the
// underlying GridKey/ComponentKey/EnumKey (see decodeTargetID) rather than
// a raw JSON key, keeping routing strictly id-based per spec.md §6.
type MutationRequest struct {
	TargetKind  TargetKind `json:"target_kind"`
	TargetID    string     `json:"target_id"`
	Lane        Lane       `json:"lane"`
	CandidateID string     `json:"candidate_id,omitempty"`
	Value       string     `json:"value,omitempty"`
	Confidence  float64    `json:"confidence,omitempty"`
}

// MutationResponse reports the lane's state after applying the mutation.
type MutationResponse struct {
	TargetKind    TargetKind `json:"target_kind"`
	TargetID      string     `json:"target_id"`
	Lane          Lane       `json:"lane"`
	State         string     `json:"state"`
	SelectedValue string     `json:"selected_value"`
	Confidence    float64    `json:"confidence"`
	Relinked      int        `json:"relinked,omitempty"`
}

// ReviewService applies accept/confirm/override mutations against the
// Evidence Store's key_review_state table through the pkg/review state
// machine, rather than writing rows directly, so every HTTP mutation goes
// through the same total-function transitions pkg/review's own tests
// exercise.
type ReviewService struct {
	Store *store.Store
	Now   func() time.Time
}

// NewReviewService builds a ReviewService.
func NewReviewService(st *store.Store) *ReviewService {
	return &ReviewService{Store: st, Now: time.Now}
}

func (s *ReviewService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Confirm applies the confirm action (primary or shared).
func (s *ReviewService) Confirm(ctx context.Context, req MutationRequest) (MutationResponse, error) {
	return s.apply(ctx, req, "confirm")
}

// Accept applies the accept action (primary or shared).
func (s *ReviewService) Accept(ctx context.Context, req MutationRequest) (MutationResponse, error) {
	return s.apply(ctx, req, "accept")
}

func (s *ReviewService) apply(ctx context.Context, req MutationRequest, action string) (MutationResponse, error) {
	keyJSON, laneKind, err := decodeTargetID(req.TargetKind, req.TargetID)
	if err != nil {
		return MutationResponse{}, err
	}
	if req.Lane == LanePrimary && req.TargetKind != TargetGrid {
		return MutationResponse{}, fmt.Errorf("api: lane %q only applies to a grid target", LanePrimary)
	}

	row, _, err := s.Store.GetReviewState(ctx, laneKind, keyJSON)
	if err != nil {
		return MutationResponse{}, fmt.Errorf("api: load review state: %w", err)
	}
	state := stateFromRow(row)
	now := s.now()

	var (
		next     review.KeyState
		ev       review.AuditEvent
		relinked int
	)
	lane := review.Lane(req.Lane)

	switch action {
	case "confirm":
		next, ev, err = review.Confirm(lane, state, now)
	case "accept":
		if req.Lane == LaneShared {
			var syncer review.EnumLinkSyncer
			var enumKey *domain.EnumKey
			if req.TargetKind == TargetEnum {
				syncer = s.Store
				k, derr := decodeEnumKey(req.TargetID)
				if derr != nil {
					return MutationResponse{}, derr
				}
				enumKey = &k
			}
			shared := review.SharedLane{EnumKey: enumKey, State: state, Sync: syncer}
			ev, relinked, err = shared.SharedAccept(ctx, req.CandidateID, req.Value, req.Confidence, now)
			next = shared.State
		} else {
			next, ev, err = review.Accept(lane, state, req.CandidateID, req.Value, req.Confidence, now)
		}
	default:
		err = fmt.Errorf("api: unknown action %q", action)
	}
	if err != nil {
		return MutationResponse{}, err
	}

	if err := s.Store.UpsertReviewState(ctx, rowFromState(laneKind, keyJSON, next)); err != nil {
		return MutationResponse{}, fmt.Errorf("api: persist review state: %w", err)
	}
	if err := s.Store.AppendAudit(ctx, "", laneKind, keyJSON, ev.Action, auditDetail(ev), now); err != nil {
		return MutationResponse{}, fmt.Errorf("api: append audit: %w", err)
	}

	return MutationResponse{
		TargetKind: req.TargetKind, TargetID: req.TargetID, Lane: req.Lane,
		State: string(next.State), SelectedValue: next.SelectedValue, Confidence: next.Confidence,
		Relinked: relinked,
	}, nil
}

// Override applies a manual override (valid from any state, either lane).
func (s *ReviewService) Override(ctx context.Context, req MutationRequest) (MutationResponse, error) {
	keyJSON, laneKind, err := decodeTargetID(req.TargetKind, req.TargetID)
	if err != nil {
		return MutationResponse{}, err
	}
	row, _, err := s.Store.GetReviewState(ctx, laneKind, keyJSON)
	if err != nil {
		return MutationResponse{}, fmt.Errorf("api: load review state: %w", err)
	}
	state := stateFromRow(row)
	now := s.now()

	next, ev, err := review.Override(review.Lane(req.Lane), state, req.Value, now)
	if err != nil {
		return MutationResponse{}, err
	}
	if err := s.Store.UpsertReviewState(ctx, rowFromState(laneKind, keyJSON, next)); err != nil {
		return MutationResponse{}, fmt.Errorf("api: persist review state: %w", err)
	}
	if err := s.Store.AppendAudit(ctx, "", laneKind, keyJSON, ev.Action, auditDetail(ev), now); err != nil {
		return MutationResponse{}, fmt.Errorf("api: append audit: %w", err)
	}
	return MutationResponse{
		TargetKind: req.TargetKind, TargetID: req.TargetID, Lane: req.Lane,
		State: string(next.State), SelectedValue: next.SelectedValue, Confidence: next.Confidence,
	}, nil
}

func auditDetail(ev review.AuditEvent) string {
	if ev.CandidateID == "" && ev.Value == "" {
		return ""
	}
	b, _ := json.Marshal(map[string]string{"candidate_id": ev.CandidateID, "value": ev.Value})
	return string(b)
}

// stateFromRow bridges key_review_state's two independent status columns
// onto review's single closed LaneState: ai_status tracks whether the
// AI-proposed value has been confirmed, user_status tracks the
// accepted/overridden decision, and the two combine into exactly one of
// the four lifecycle states.
func stateFromRow(row store.ReviewStateRow) review.KeyState {
	state := review.StateAIPending
	switch {
	case row.UserStatus == "overridden":
		state = review.StateOverridden
	case row.UserStatus == "accepted":
		state = review.StateAccepted
	case row.AIStatus == "confirmed":
		state = review.StateAIConfirmed
	}
	return review.KeyState{
		State: state, SelectedCandidateID: row.SelectedCandidate,
		SelectedValue: row.SelectedValue, Confidence: row.Confidence,
	}
}

func rowFromState(laneKind, keyJSON string, s review.KeyState) store.ReviewStateRow {
	aiStatus, userStatus := "pending", "pending"
	switch s.State {
	case review.StateAIConfirmed:
		aiStatus = "confirmed"
	case review.StateAccepted:
		aiStatus, userStatus = "confirmed", "accepted"
	case review.StateOverridden:
		aiStatus, userStatus = "confirmed", "overridden"
	}
	return store.ReviewStateRow{
		LaneKind: laneKind, KeyJSON: keyJSON, AIStatus: aiStatus, UserStatus: userStatus,
		SelectedCandidate: s.SelectedCandidateID, SelectedValue: s.SelectedValue, Confidence: s.Confidence,
	}
}

// RegisterReviewRoutes mounts the id-based mutation endpoints
// key-review-accept, key-review-confirm and key-review-override under
// /review/{category}/, matching
// spec.md §6's literal path shape `.../review/{category}/key-review-accept`.
func RegisterReviewRoutes(r chi.Router, svc *ReviewService, log logr.Logger) {
	r.Route("/review/{category}", func(r chi.Router) {
		r.Post("/key-review-accept", mutationHandler(svc.Accept, log))
		r.Post("/key-review-confirm", mutationHandler(svc.Confirm, log))
		r.Post("/key-review-override", mutationHandler(svc.Override, log))
	})
}

type mutateFunc func(ctx context.Context, req MutationRequest) (MutationResponse, error)

func mutationHandler(fn mutateFunc, log logr.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body MutationRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		resp, err := fn(req.Context(), body)
		if err != nil {
			log.Info("api: review mutation failed", "error", err.Error(), "target_id", body.TargetID)
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
