package settlement

import (
	"fmt"
	"slices"

	"github.com/workbench/simengine/internal/model"
	"github.com/workbench/simengine/internal/rules"
)

// CodeWarnNotAcknowledged prefixes the refusal of a WARN check confirmed
// without acknowledgement.
const CodeWarnNotAcknowledged = "RISK_WARN_NOT_ACKNOWLEDGED"

// verifyDraftStates rejects drafts that cannot be confirmed. A draft that
// already left CHECKED through confirmation is an idempotency conflict; a
// draft back in DRAFT was edited after its check.
func verifyDraftStates(drafts []model.OrderDraft) error {
	for _, dr := range drafts {
		switch dr.Status {
		case model.DraftStatusExecuted, model.DraftStatusFailed, model.DraftStatusConfirmed:
			return fmt.Errorf("%w: draft %s is already %s", model.ErrIdempotencyConflict, dr.ID, dr.Status)
		}
	}
	for _, dr := range drafts {
		switch dr.Status {
		case model.DraftStatusRejected:
			return fmt.Errorf("%w: draft %s was rejected", model.ErrValidation, dr.ID)
		case model.DraftStatusDraft:
			return fmt.Errorf("%w: draft %s changed since its last check (revision %d); re-check before confirming",
				model.ErrStaleRiskCheck, dr.ID, dr.Revision)
		}
	}
	return nil
}

// verify checks that chk still describes drafts exactly and that its
// outcome permits confirmation.
func verify(drafts []model.OrderDraft, chk *model.RiskCheckResult, rs *rules.Ruleset, ack bool) error {
	if err := verifyDraftStates(drafts); err != nil {
		return err
	}

	if chk.PortfolioID != drafts[0].PortfolioID {
		return fmt.Errorf("%w: check %s belongs to portfolio %s", model.ErrStaleRiskCheck, chk.ID, chk.PortfolioID)
	}
	want := slices.Clone(chk.DraftIDs)
	got := make([]string, len(drafts))
	for i, dr := range drafts {
		got[i] = dr.ID
	}
	slices.Sort(want)
	slices.Sort(got)
	if !slices.Equal(want, got) {
		return fmt.Errorf("%w: check %s covers drafts %v, not %v", model.ErrStaleRiskCheck, chk.ID, chk.DraftIDs, got)
	}
	for _, dr := range drafts {
		if rev, ok := chk.DraftRevisions[dr.ID]; !ok || rev != dr.Revision {
			return fmt.Errorf("%w: draft %s is at revision %d, check %s saw %d",
				model.ErrStaleRiskCheck, dr.ID, dr.Revision, chk.ID, rev)
		}
		if dr.LatestCheckID != chk.ID {
			return fmt.Errorf("%w: check %s is superseded by %s for draft %s",
				model.ErrStaleRiskCheck, chk.ID, dr.LatestCheckID, dr.ID)
		}
	}
	if chk.RulesetVersion != rs.Version {
		return fmt.Errorf("%w: check computed under ruleset %s, active is %s",
			model.ErrStaleRiskCheck, chk.RulesetVersion, rs.Version)
	}

	switch chk.Status {
	case model.SeverityFail:
		return fmt.Errorf("%w: check %s has status FAIL", model.ErrRiskCheckFail, chk.ID)
	case model.SeverityWarn:
		if !ack {
			return fmt.Errorf("%w: %s: check %s has warnings not acknowledged",
				model.ErrRiskCheckFail, CodeWarnNotAcknowledged, chk.ID)
		}
	}
	return nil
}
