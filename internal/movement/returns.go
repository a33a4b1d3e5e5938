package movement

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// CreateReturn derives a DRAFT RETURN from lines of a POSTED ISSUE. The ISSUE
// is locked while the request is checked against every return already
// raised against it, so concurrent returns can never exceed what was issued.
// Returns that are not cancelled keep their claim; a rejected return may be
// resubmitted. An ISSUE with an active reversal accepts no returns.
func (s *Service) CreateReturn(ctx context.Context, actor shared.Actor, issueID int64, in ReturnInput) (Document, error) {
	doc, err := s.createReturn(ctx, actor, issueID, in)
	return doc, s.finish(ActionReturn, err)
}

func (s *Service) createReturn(ctx context.Context, actor shared.Actor, issueID int64, in ReturnInput) (Document, error) {
	if err := requireActor(actor); err != nil {
		return Document{}, err
	}
	if len(in.Lines) == 0 {
		return Document{}, invalid("lines", "at least one line required")
	}
	if len(in.Lines) > MaxLines {
		return Document{}, invalid("lines", "at most %d lines per document", MaxLines)
	}
	if err := checkNote(in.Note); err != nil {
		return Document{}, err
	}
	return s.withIdempotency(ctx, in.IdempotencyKey, "movement.return", func() (Document, error) {
		var doc Document
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			issue, err := tx.LockDocument(ctx, issueID)
			if err != nil {
				return err
			}
			if issue.Type != TypeIssue {
				return invalid("id", "%s is a %s document; only ISSUE documents can be returned", issue.DocNumber, issue.Type)
			}
			if issue.Status != StatusPosted {
				return &StateConflictError{DocNumber: issue.DocNumber, Action: ActionReturn, Status: issue.Status}
			}
			if rev, ok, err := activeReversal(ctx, tx, issueID); err != nil {
				return err
			} else if ok {
				return &DuplicateOperationError{Operation: "return", DocNumber: issue.DocNumber, Existing: rev.DocNumber}
			}
			linked, err := tx.Linked(ctx, LinkReturnFrom, issueID)
			if err != nil {
				return err
			}
			lines, err := returnLines(issue, claimedQty(linked), in.Lines)
			if err != nil {
				return err
			}
			note := in.Note
			if note == "" {
				note = "Return from " + issue.DocNumber
			}
			link := &DocumentLink{Kind: LinkReturnFrom, TargetID: issue.ID}
			doc, err = s.insertDraft(ctx, tx, actor, TypeReturn, note, link, lines)
			return err
		})
		if err != nil {
			return Document{}, err
		}
		s.afterTransition(ctx, actor, doc, ActionReturn, "")
		return doc, nil
	})
}

// returnLines validates requests against the ISSUE lines and builds the
// RETURN lines. Stock goes back to where it was issued from.
func returnLines(issue Document, claimed map[int64]decimal.Decimal, requests []ReturnLineInput) ([]Line, error) {
	byID := make(map[int64]Line, len(issue.Lines))
	for _, line := range issue.Lines {
		byID[line.ID] = line
	}
	seen := make(map[int64]struct{}, len(requests))
	lines := make([]Line, 0, len(requests))
	for i, req := range requests {
		field := fmt.Sprintf("lines[%d]", i)
		src, ok := byID[req.LineID]
		if !ok {
			return nil, invalid(field+".line_id", "line %d does not belong to %s", req.LineID, issue.DocNumber)
		}
		if _, dup := seen[req.LineID]; dup {
			return nil, invalid(field+".line_id", "line %d requested twice", req.LineID)
		}
		seen[req.LineID] = struct{}{}
		if !req.Qty.IsPositive() {
			return nil, invalid(field+".qty", "must be > 0")
		}
		if err := checkNumeric(field+".qty", req.Qty); err != nil {
			return nil, err
		}
		if req.Qty.GreaterThan(src.Qty) {
			return nil, invalid(field+".qty", "%s exceeds issued quantity %s on line %d", req.Qty, src.Qty, src.LineNo)
		}
		remaining := src.Qty.Sub(claimed[src.ID])
		if req.Qty.GreaterThan(remaining) {
			return nil, invalid(field+".qty", "%s exceeds returnable quantity %s on line %d (issued %s, already returned or pending %s)",
				req.Qty, decimal.Max(remaining, decimal.Zero), src.LineNo, src.Qty, claimed[src.ID])
		}
		line := Line{
			LineNo:       i + 1,
			ProductID:    src.ProductID,
			VariantID:    src.VariantID,
			ToLocationID: src.FromLocationID,
			Qty:          req.Qty,
			UnitCost:     src.UnitCost,
			SourceLineID: ptr(src.ID),
		}
		if src.Lot != nil {
			lot := *src.Lot
			lot.Qty = decimal.Min(lot.Qty, req.Qty)
			line.Lot = &lot
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// claimedQty sums, per source line, every return that is not cancelled.
func claimedQty(returns []Document) map[int64]decimal.Decimal {
	out := make(map[int64]decimal.Decimal)
	for _, doc := range returns {
		if doc.Status == StatusCancelled {
			continue
		}
		for _, line := range doc.Lines {
			if line.SourceLineID == nil {
				continue
			}
			out[*line.SourceLineID] = out[*line.SourceLineID].Add(line.Qty)
		}
	}
	return out
}

// Returnable reports, per line of an ISSUE, how much has come back, how
// much is pending in open returns and how much can still be returned.
func (s *Service) Returnable(ctx context.Context, issueID int64) ([]ReturnableLine, error) {
	out, err := s.returnable(ctx, issueID)
	return out, classify("returnable", err)
}

func (s *Service) returnable(ctx context.Context, issueID int64) ([]ReturnableLine, error) {
	issue, err := s.repo.Get(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if issue.Type != TypeIssue {
		return nil, invalid("id", "%s is a %s document; only ISSUE documents can be returned", issue.DocNumber, issue.Type)
	}
	linked, err := s.repo.Linked(ctx, LinkReturnFrom, issueID)
	if err != nil {
		return nil, err
	}
	returned := make(map[int64]decimal.Decimal)
	pending := make(map[int64]decimal.Decimal)
	for _, doc := range linked {
		var bucket map[int64]decimal.Decimal
		switch doc.Status {
		case StatusPosted:
			bucket = returned
		case StatusCancelled:
			continue
		default:
			bucket = pending
		}
		for _, line := range doc.Lines {
			if line.SourceLineID != nil {
				bucket[*line.SourceLineID] = bucket[*line.SourceLineID].Add(line.Qty)
			}
		}
	}
	out := make([]ReturnableLine, 0, len(issue.Lines))
	for _, line := range issue.Lines {
		r := ReturnableLine{
			LineID:     line.ID,
			LineNo:     line.LineNo,
			ProductID:  line.ProductID,
			VariantID:  line.VariantID,
			LocationID: deref(line.FromLocationID),
			Issued:     line.Qty,
			Returned:   returned[line.ID],
			Pending:    pending[line.ID],
		}
		if line.Lot != nil {
			r.LotNumber = line.Lot.LotNumber
		}
		r.Remaining = decimal.Max(r.Issued.Sub(r.Returned).Sub(r.Pending), decimal.Zero)
		out = append(out, r)
	}
	return out, nil
}
