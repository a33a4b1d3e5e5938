package movement

import (
	"context"
	"errors"
	"strings"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// ImportAdjustment books externally sourced quantities, such as opening
// balances, as one ADJUST document linked to reference. The document goes
// through submit, approve and post like any other, so balances are only ever
// written by the posting engine. When posting fails the document is cancelled
// with the failure reason and the posting error is returned.
func (s *Service) ImportAdjustment(ctx context.Context, actor shared.Actor, in ImportInput) (Document, error) {
	doc, err := s.importAdjustment(ctx, actor, in)
	return doc, s.finish(ActionImport, err)
}

func (s *Service) importAdjustment(ctx context.Context, actor shared.Actor, in ImportInput) (Document, error) {
	if err := requireActor(actor); err != nil {
		return Document{}, err
	}
	ref := strings.TrimSpace(in.Reference)
	if ref == "" {
		return Document{}, invalid("reference", "required")
	}
	if len(in.Lines) == 0 {
		return Document{}, invalid("lines", "at least one line required")
	}
	if err := checkNote(in.Note); err != nil {
		return Document{}, err
	}
	lines, err := newLineValidator(s.catalog, s.repo).build(ctx, TypeAdjust, in.Lines)
	if err != nil {
		return Document{}, err
	}
	existing, _, err := s.repo.List(ctx, ListFilter{LinkKind: LinkImport, LinkReference: ref, PerPage: 200})
	if err != nil {
		return Document{}, err
	}
	for _, doc := range existing {
		if doc.Status != StatusCancelled {
			return Document{}, &DuplicateOperationError{Operation: "import", DocNumber: ref, Existing: doc.DocNumber}
		}
	}

	note := in.Note
	if note == "" {
		note = "Import " + ref
	}
	var doc Document
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		doc, err = s.insertDraft(ctx, tx, actor, TypeAdjust, note, &DocumentLink{Kind: LinkImport, Reference: ref}, lines)
		return err
	})
	if err != nil {
		return Document{}, err
	}
	s.afterTransition(ctx, actor, doc, ActionImport, "")

	steps := []func(context.Context, shared.Actor, int64) (Document, error){s.Submit, s.Approve, s.Post}
	for _, step := range steps {
		next, err := step(ctx, actor, doc.ID)
		if err == nil {
			doc = next
			continue
		}
		var infra *InfrastructureError
		if errors.As(err, &infra) {
			return doc, err
		}
		if _, cancelErr := s.Cancel(context.WithoutCancel(ctx), actor, doc.ID, "import failed: "+err.Error()); cancelErr != nil {
			s.logger.Warn("cancel failed import", "doc_number", doc.DocNumber, "error", cancelErr)
		}
		return doc, err
	}
	return doc, nil
}
