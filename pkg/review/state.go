// Package review implements the §4.10 Review State Machine: a closed sum
// type over a key's lifecycle, with item-lane and shared-lane wrappers that
// enforce the §3 invariants governing canonical rows and overrides.
package review

import (
	"fmt"
	"time"
)

// LaneState is the closed set of lifecycle states a review key can be in.
// There is no other valid value — transitions are total functions over
// this type, never a free-form string.
type LaneState string

const (
	StateAIPending   LaneState = "ai_pending"
	StateAIConfirmed LaneState = "ai_confirmed"
	StateAccepted    LaneState = "accepted"
	StateOverridden  LaneState = "overridden"
)

// Lane is the kind of review lane a key belongs to (invariant 6: primary
// only applies to grid_key).
type Lane string

const (
	LanePrimary Lane = "primary"
	LaneShared  Lane = "shared"
)

// AuditEvent is one append-only record of a lane transition (§3 invariant
// 8, §4.10 "audit events are append-only").
type AuditEvent struct {
	TS            time.Time
	Lane          Lane
	FromState     LaneState
	ToState       LaneState
	Action        string
	CandidateID   string
	Value         string
}

// KeyState is the full mutable state of one review key: the lane state
// plus whatever candidate/value it currently resolves to.
type KeyState struct {
	State               LaneState
	SelectedCandidateID string
	SelectedValue       string
	Confidence          float64
}

// ErrInvalidTransition is returned when an action is not valid from the
// key's current state.
type ErrInvalidTransition struct {
	From   LaneState
	Action string
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("review: action %q is not valid from state %q", e.Action, e.From)
}

// Confirm clears AI-pending without mutating the selected value (rule:
// "confirm never mutates selected_value"). Only valid from AIPending.
func Confirm(lane Lane, s KeyState, now time.Time) (KeyState, AuditEvent, error) {
	if s.State != StateAIPending {
		return s, AuditEvent{}, ErrInvalidTransition{From: s.State, Action: "confirm"}
	}
	next := s
	next.State = StateAIConfirmed
	return next, AuditEvent{TS: now, Lane: lane, FromState: s.State, ToState: next.State, Action: "confirm"}, nil
}

// Accept sets selected_candidate_id and mirrors selected_value. Valid from
// any state except Overridden — accepting after an override is a fresh
// decision, not a transition out of Overridden via this function (callers
// needing that should construct a new KeyState).
func Accept(lane Lane, s KeyState, candidateID, value string, confidence float64, now time.Time) (KeyState, AuditEvent, error) {
	if s.State == StateOverridden {
		return s, AuditEvent{}, ErrInvalidTransition{From: s.State, Action: "accept"}
	}
	next := KeyState{State: StateAccepted, SelectedCandidateID: candidateID, SelectedValue: value, Confidence: confidence}
	return next, AuditEvent{TS: now, Lane: lane, FromState: s.State, ToState: next.State, Action: "accept", CandidateID: candidateID, Value: value}, nil
}

// Override sets the value directly with no candidate backing it (rule 7:
// "a manual override sets none"). Valid from any state.
func Override(lane Lane, s KeyState, value string, now time.Time) (KeyState, AuditEvent, error) {
	next := KeyState{State: StateOverridden, SelectedCandidateID: "", SelectedValue: value, Confidence: 1}
	return next, AuditEvent{TS: now, Lane: lane, FromState: s.State, ToState: next.State, Action: "override", Value: value}, nil
}
