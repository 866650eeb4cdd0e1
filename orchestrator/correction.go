package orchestrator

import (
	"context"
	"errors"

	"github.com/billbatista/acasinha-ledger/extraction"
	"github.com/billbatista/acasinha-ledger/ledger"
	"github.com/billbatista/acasinha-ledger/session"
	"go.uber.org/zap"
)

// startCorrection finds the entry being corrected and opens a session whose
// only candidate is that entry with the requested changes applied.
func (o *Orchestrator) startCorrection(ctx context.Context, t *turn, req *extraction.CorrectionSpec) (Reply, error) {
	s := t.s
	if req == nil {
		req = &extraction.CorrectionSpec{}
	}

	target, err := o.correctionTarget(ctx, t, req)
	if err != nil {
		o.discard(ctx, s)
		if errors.Is(err, ledger.ErrNotFound) {
			return Reply{
				Kind:  ReplyRejected,
				State: session.StateIdle,
				Text:  "I couldn't find an entry to correct. Nothing was changed.",
			}, nil
		}
		o.logger.Error("loading correction target failed", zap.Error(err))
		return o.failed(t, failureValidation, Reply{
			Kind:  ReplyUnavailable,
			State: session.StateIdle,
			Text:  "I couldn't read the ledger just now. Please try again in a moment.",
		}, err), nil
	}

	c := extraction.FromEntry(*target, t.sender).Merge(req.Changes)
	if c.Kind != ledger.KindSettlement {
		c.Kind = ledger.KindCorrection
	}
	if req.Changes.Confidence == 0 {
		c.Confidence = 1
	}

	s.Intent = extraction.IntentCorrection
	s.Correction = &session.Correction{Target: *target}
	s.Candidates = []extraction.Candidate{c}

	if emptyPatch(req.Changes) {
		return o.startEdit(ctx, t)
	}
	return o.validate(ctx, t)
}

func (o *Orchestrator) correctionTarget(ctx context.Context, t *turn, req *extraction.CorrectionSpec) (*ledger.Entry, error) {
	if req.EntryID != nil {
		e, err := o.ledger.Entry(ctx, *req.EntryID)
		if err != nil {
			return nil, err
		}
		if e.PartnershipID != t.p.ID || !e.Active() {
			return nil, ledger.ErrNotFound
		}
		return e, nil
	}

	entries, err := o.ledger.Query(ctx, t.p.ID, ledger.Filter{Category: req.Category})
	if err != nil {
		return nil, err
	}
	var latest *ledger.Entry
	for i := range entries {
		if latest == nil || !entries[i].CreatedAt.Before(latest.CreatedAt) {
			latest = &entries[i]
		}
	}
	if latest == nil {
		return nil, ledger.ErrNotFound
	}
	return latest, nil
}

// emptyPatch reports whether a correction names no change at all.
func emptyPatch(c extraction.Candidate) bool {
	return c.Amount == nil &&
		c.Currency == "" &&
		c.Category == "" &&
		c.Description == "" &&
		c.Payer == "" &&
		c.SplitCue == "" &&
		c.SplitPayerPct == nil &&
		c.SplitOtherPct == nil &&
		c.EventDate == nil &&
		len(c.Tags) == 0 &&
		!c.FullAmount
}
