package movement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/balance"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Post applies an APPROVED document to balances and marks it POSTED. The
// whole document commits or nothing does; on any failure, timeout included,
// the document stays APPROVED.
func (s *Service) Post(ctx context.Context, actor shared.Actor, id int64) (Document, error) {
	started := time.Now()
	doc, err := s.post(ctx, actor, id)
	err = s.finish(ActionPost, err)
	if s.metrics != nil {
		s.metrics.ObservePosting(time.Since(started), len(doc.Lines), OutcomeOf(err).Code)
	}
	return doc, err
}

func (s *Service) post(ctx context.Context, actor shared.Actor, id int64) (Document, error) {
	if err := requireActor(actor); err != nil {
		return Document{}, err
	}
	postCtx, cancel := context.WithTimeout(ctx, s.cfg.PostTimeout)
	defer cancel()

	var doc Document
	err := s.repo.WithTx(postCtx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.LockDocument(ctx, id)
		if err != nil {
			return err
		}
		if current.Status != StatusApproved {
			return &StateConflictError{DocNumber: current.DocNumber, Action: ActionPost, Status: current.Status}
		}
		if len(current.Lines) == 0 {
			return invalid("lines", "%s has no lines", current.DocNumber)
		}
		for _, line := range current.Lines {
			if err := s.applyLine(ctx, tx, current, line); err != nil {
				return err
			}
		}
		postedAt := s.now()
		if err := tx.UpdateStatus(ctx, id, []Status{StatusApproved}, StatusChange{To: StatusPosted, PostedAt: &postedAt}); err != nil {
			return err
		}
		doc, err = tx.LockDocument(ctx, id)
		return err
	})
	if err != nil {
		return Document{}, err
	}
	if s.balances != nil {
		s.balances.Invalidate(context.WithoutCancel(ctx))
	}
	s.afterTransition(ctx, actor, doc, ActionPost, "")
	return doc, nil
}

// effect is one balance change produced by a line.
type effect struct {
	locationID int64
	increment  bool
}

// lineEffects is the per-type effect table. TRANSFER lists the decrement
// first so a shortfall fails before anything is added.
func lineEffects(t MovementType, line Line) []effect {
	switch t {
	case TypeReceive, TypeReturn:
		return []effect{{locationID: deref(line.ToLocationID), increment: true}}
	case TypeIssue:
		return []effect{{locationID: deref(line.FromLocationID)}}
	case TypeTransfer:
		return []effect{
			{locationID: deref(line.FromLocationID)},
			{locationID: deref(line.ToLocationID), increment: true},
		}
	case TypeAdjust:
		return []effect{{locationID: deref(line.ToLocationID), increment: !line.Qty.IsNegative()}}
	}
	panic(fmt.Sprintf("movement: unhandled type %q", t))
}

func (s *Service) applyLine(ctx context.Context, tx TxRepository, doc Document, line Line) error {
	var lotID *int64
	if line.Lot != nil {
		id, err := s.resolveLot(ctx, tx, doc.Type, line)
		if err != nil {
			return err
		}
		lotID = &id
	}
	qty := line.Qty.Abs()
	for _, e := range lineEffects(doc.Type, line) {
		if e.locationID == 0 {
			return invalid(fmt.Sprintf("lines[%d]", line.LineNo-1), "missing location for %s", doc.Type)
		}
		key := balance.StockKey{ProductID: line.ProductID, VariantID: line.VariantID, LocationID: e.locationID}
		if err := mutateStock(ctx, tx, key, qty, e.increment); err != nil {
			return lineError(doc, line, err)
		}
		if lotID == nil {
			continue
		}
		lotKey := balance.LotKey{LotID: *lotID, LocationID: e.locationID}
		if err := mutateLot(ctx, tx, lotKey, line.Lot.Qty, e.increment); err != nil {
			return lineError(doc, line, err)
		}
	}
	return nil
}

func mutateStock(ctx context.Context, tx TxRepository, key balance.StockKey, qty decimal.Decimal, increment bool) error {
	var err error
	if increment {
		_, err = tx.IncrementStock(ctx, key, qty)
	} else {
		_, err = tx.DecrementStock(ctx, key, qty)
	}
	return err
}

func mutateLot(ctx context.Context, tx TxRepository, key balance.LotKey, qty decimal.Decimal, increment bool) error {
	var err error
	if increment {
		_, err = tx.IncrementLot(ctx, key, qty)
	} else {
		_, err = tx.DecrementLot(ctx, key, qty)
	}
	return err
}

// resolveLot returns the lot id for line and records it on the line. Lots
// named on increment lines are created here on first use.
func (s *Service) resolveLot(ctx context.Context, tx TxRepository, t MovementType, line Line) (int64, error) {
	if line.Lot.LotID != nil {
		return *line.Lot.LotID, nil
	}
	if decrements(t, line.Qty) {
		lot, err := tx.FindLot(ctx, line.ProductID, line.Lot.LotNumber)
		if errors.Is(err, balance.ErrLotNotFound) {
			return 0, invalid(fmt.Sprintf("lines[%d].lot.lot_number", line.LineNo-1), "lot %s does not exist for product %d", line.Lot.LotNumber, line.ProductID)
		}
		if err != nil {
			return 0, err
		}
		if err := tx.SetLineLot(ctx, line.ID, lot.ID); err != nil {
			return 0, err
		}
		return lot.ID, nil
	}
	lot, err := tx.EnsureLot(ctx, balance.LotSpec{
		ProductID:   line.ProductID,
		LotNumber:   line.Lot.LotNumber,
		ExpiresAt:   line.Lot.ExpiresAt,
		QtyReceived: line.Lot.Qty,
	})
	if err != nil {
		return 0, err
	}
	if err := tx.SetLineLot(ctx, line.ID, lot.ID); err != nil {
		return 0, err
	}
	return lot.ID, nil
}

// lineError names the document, line and product of a balance failure.
func lineError(doc Document, line Line, err error) error {
	var short *balance.InsufficientStockError
	if errors.As(err, &short) {
		short.ProductID = line.ProductID
		short.VariantID = line.VariantID
		if line.Lot != nil && short.LotID != nil {
			short.LotNumber = line.Lot.LotNumber
		}
		return fmt.Errorf("post %s line %d: %w", doc.DocNumber, line.LineNo, short)
	}
	return err
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
