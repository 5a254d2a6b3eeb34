// Package draft owns the OrderDraft lifecycle: the legal state transitions
// and the create, edit and delete operations on drafts.
//
//	DRAFT ──check──▶ CHECKED ──confirm──▶ CONFIRMED ──settle──▶ EXECUTED
//	  ▲  ◀──edit───    │                       └──error──▶ FAILED
//	  └─delete─▶ REJECTED ◀─delete─┘
package draft

import (
	"errors"
	"fmt"
	"time"

	"github.com/workbench/simengine/internal/model"
)

// ErrIllegalTransition is wrapped with model.ErrValidation when a draft is
// asked to move along an edge the lifecycle does not allow.
var ErrIllegalTransition = errors.New("draft: illegal state transition")

var transitions = map[model.DraftStatus][]model.DraftStatus{
	model.DraftStatusDraft: {
		model.DraftStatusDraft, // edit
		model.DraftStatusChecked,
		model.DraftStatusRejected,
	},
	model.DraftStatusChecked: {
		model.DraftStatusChecked, // re-check
		model.DraftStatusDraft,   // edit invalidates the check
		model.DraftStatusConfirmed,
		model.DraftStatusRejected,
	},
	model.DraftStatusConfirmed: {
		model.DraftStatusExecuted,
		model.DraftStatusFailed,
	},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to model.DraftStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves d to status to, stamping UpdatedAt.
func Transition(d *model.OrderDraft, to model.DraftStatus, now time.Time) error {
	if !CanTransition(d.Status, to) {
		return fmt.Errorf("%w: %w: draft %s %s → %s",
			model.ErrValidation, ErrIllegalTransition, d.ID, d.Status, to)
	}
	d.Status = to
	d.UpdatedAt = now
	return nil
}

// Editable reports whether a draft in status s may be edited or deleted.
func Editable(s model.DraftStatus) bool {
	return s == model.DraftStatusDraft || s == model.DraftStatusChecked
}
