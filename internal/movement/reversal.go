package movement

import (
	"context"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// CreateReversal derives a DRAFT that undoes a POSTED document. The original
// is locked while the duplicate check runs, so two concurrent requests cannot
// both produce an active reversal.
func (s *Service) CreateReversal(ctx context.Context, actor shared.Actor, id int64, idempotencyKey string) (Document, error) {
	doc, err := s.createReversal(ctx, actor, id, idempotencyKey)
	return doc, s.finish(ActionReverse, err)
}

func (s *Service) createReversal(ctx context.Context, actor shared.Actor, id int64, idempotencyKey string) (Document, error) {
	if err := requireActor(actor); err != nil {
		return Document{}, err
	}
	return s.withIdempotency(ctx, idempotencyKey, "movement.reversal", func() (Document, error) {
		var doc Document
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			original, err := s.guardReversal(ctx, tx, id, 0)
			if err != nil {
				return err
			}
			if original.Status != StatusPosted {
				return &StateConflictError{DocNumber: original.DocNumber, Action: ActionReverse, Status: original.Status}
			}
			lines := make([]Line, 0, len(original.Lines))
			for _, line := range original.Lines {
				lines = append(lines, reverseLine(original.Type, line))
			}
			link := &DocumentLink{Kind: LinkReversal, TargetID: original.ID}
			doc, err = s.insertDraft(ctx, tx, actor, original.Type.Reverse(), "Reversal of "+original.DocNumber, link, lines)
			return err
		})
		if err != nil {
			return Document{}, err
		}
		s.afterTransition(ctx, actor, doc, ActionReverse, "")
		return doc, nil
	})
}

// guardReversal locks targetID and fails when another active reversal of it
// exists. self excludes the reversal being resubmitted. An ISSUE with a
// return that is not cancelled cannot be reversed: both would bring the
// same quantity back.
func (s *Service) guardReversal(ctx context.Context, tx TxRepository, targetID, self int64) (Document, error) {
	target, err := tx.LockDocument(ctx, targetID)
	if err != nil {
		return Document{}, err
	}
	linked, err := tx.Linked(ctx, LinkReversal, targetID)
	if err != nil {
		return Document{}, err
	}
	for _, other := range linked {
		if other.ID != self && other.Status.IsActive() {
			return Document{}, &DuplicateOperationError{Operation: "reversal", DocNumber: target.DocNumber, Existing: other.DocNumber}
		}
	}
	if target.Type != TypeIssue {
		return target, nil
	}
	returns, err := tx.Linked(ctx, LinkReturnFrom, targetID)
	if err != nil {
		return Document{}, err
	}
	for _, ret := range returns {
		if ret.Status != StatusCancelled {
			return Document{}, &DuplicateOperationError{Operation: "reversal", DocNumber: target.DocNumber, Existing: ret.DocNumber}
		}
	}
	return target, nil
}

// activeReversal returns the reversal of targetID that still claims it.
func activeReversal(ctx context.Context, tx TxRepository, targetID int64) (Document, bool, error) {
	linked, err := tx.Linked(ctx, LinkReversal, targetID)
	if err != nil {
		return Document{}, false, err
	}
	for _, doc := range linked {
		if doc.Status.IsActive() {
			return doc, true, nil
		}
	}
	return Document{}, false, nil
}

// reverseLine inverts the effect of line, which belongs to a document of
// type t. Lot data is copied unchanged.
func reverseLine(t MovementType, line Line) Line {
	out := Line{
		LineNo:       line.LineNo,
		ProductID:    line.ProductID,
		VariantID:    line.VariantID,
		Qty:          line.Qty,
		UnitCost:     line.UnitCost,
		SourceLineID: ptr(line.ID),
	}
	switch t {
	case TypeReceive, TypeReturn:
		out.FromLocationID = line.ToLocationID
	case TypeIssue:
		out.ToLocationID = line.FromLocationID
	case TypeTransfer:
		out.FromLocationID = line.ToLocationID
		out.ToLocationID = line.FromLocationID
	case TypeAdjust:
		out.ToLocationID = line.ToLocationID
		out.Qty = line.Qty.Neg()
	default:
		panic("movement: unhandled type " + string(t))
	}
	if line.Lot != nil {
		lot := *line.Lot
		out.Lot = &lot
	}
	return out
}
