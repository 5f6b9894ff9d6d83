package review

import (
	"context"
	"time"

	"github.com/spec-harvester/harvester/pkg/domain"
)

// ItemLane is the per-product field decision (grid_key), invariant 6:
// "primary lane applies only to grid_key".
type ItemLane struct {
	Key   domain.GridKey
	State KeyState
}

func (l *ItemLane) PrimaryConfirm(now time.Time) (AuditEvent, error) {
	next, ev, err := Confirm(LanePrimary, l.State, now)
	if err != nil {
		return AuditEvent{}, err
	}
	l.State = next
	return ev, nil
}

func (l *ItemLane) PrimaryAccept(candidateID, value string, confidence float64, now time.Time) (AuditEvent, error) {
	next, ev, err := Accept(LanePrimary, l.State, candidateID, value, confidence, now)
	if err != nil {
		return AuditEvent{}, err
	}
	l.State = next
	return ev, nil
}

// PrimaryOverride detaches the item's link without touching any shared
// canonical row (invariant: "item override detaches the item link without
// touching shared state").
func (l *ItemLane) PrimaryOverride(value string, now time.Time) (AuditEvent, error) {
	next, ev, err := Override(LanePrimary, l.State, value, now)
	if err != nil {
		return AuditEvent{}, err
	}
	l.State = next
	return ev, nil
}

// EnumLinkSyncer relinks every item currently resolving to oldValue onto
// the canonical row identified by candidateID/newValue, used by both
// shared_accept's enum-link-sync and canonical renames (invariant 4:
// "canonical master rename propagates to all linked items; the reverse
// never happens").
type EnumLinkSyncer interface {
	RelinkItems(ctx context.Context, key domain.EnumKey, normalizedValue string) (relinked int, err error)
}

// SharedLane is the canonical decision for a component_key or enum_key
// (invariant 3: "shared-lane accepts never upsert canonical masters; they
// select an existing row or remain unlinked").
type SharedLane struct {
	ComponentKey *domain.ComponentKey
	EnumKey      *domain.EnumKey
	State        KeyState
	Sync         EnumLinkSyncer
}

func (l *SharedLane) SharedConfirm(now time.Time) (AuditEvent, error) {
	next, ev, err := Confirm(LaneShared, l.State, now)
	if err != nil {
		return AuditEvent{}, err
	}
	l.State = next
	return ev, nil
}

// SharedAccept selects an existing canonical candidate row — it never
// creates one — and, for an enum_key lane, re-links every item whose
// item lane already resolved to the same normalized value.
func (l *SharedLane) SharedAccept(ctx context.Context, candidateID, value string, confidence float64, now time.Time) (AuditEvent, int, error) {
	next, ev, err := Accept(LaneShared, l.State, candidateID, value, confidence, now)
	if err != nil {
		return AuditEvent{}, 0, err
	}
	l.State = next

	relinked := 0
	if l.EnumKey != nil && l.Sync != nil {
		relinked, err = l.Sync.RelinkItems(ctx, *l.EnumKey, value)
		if err != nil {
			return ev, 0, err
		}
	}
	return ev, relinked, nil
}

func (l *SharedLane) SharedOverride(value string, now time.Time) (AuditEvent, error) {
	next, ev, err := Override(LaneShared, l.State, value, now)
	if err != nil {
		return AuditEvent{}, err
	}
	l.State = next
	return ev, nil
}
