package movement

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// BatchAction is a transition the batch runner can apply.
type BatchAction string

const (
	BatchApprove BatchAction = "approve"
	BatchReject  BatchAction = "reject"
	BatchPost    BatchAction = "post"
	BatchCancel  BatchAction = "cancel"
)

// IsValid reports whether a is a supported batch action.
func (a BatchAction) IsValid() bool {
	switch a {
	case BatchApprove, BatchReject, BatchPost, BatchCancel:
		return true
	}
	return false
}

// BatchInput names the documents and the transition to apply to each.
type BatchInput struct {
	Action BatchAction
	IDs    []int64
	Reason string
}

// BatchItemResult is the outcome for one id.
type BatchItemResult struct {
	ID        int64  `json:"id"`
	DocNumber string `json:"doc_number,omitempty"`
	Success   bool   `json:"success"`
	Code      string `json:"code"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// BatchResult aggregates per-id outcomes in input order.
type BatchResult struct {
	Results   []BatchItemResult `json:"results"`
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
}

// RunBatch applies one transition to each id independently. Each id runs
// through the same single-document operation, posting included, so a failed
// id never affects the others. Only malformed requests return an error.
func (s *Service) RunBatch(ctx context.Context, actor shared.Actor, in BatchInput) (BatchResult, error) {
	if err := requireActor(actor); err != nil {
		return BatchResult{}, classify("batch", err)
	}
	if !in.Action.IsValid() {
		return BatchResult{}, classify("batch", invalid("action", "unknown batch action %q", in.Action))
	}
	if len(in.IDs) == 0 {
		return BatchResult{}, classify("batch", invalid("ids", "at least one id required"))
	}
	if len(in.IDs) > s.cfg.BatchLimit {
		return BatchResult{}, classify("batch", invalid("ids", "at most %d ids per batch, got %d", s.cfg.BatchLimit, len(in.IDs)))
	}
	if in.Action == BatchReject && isBlank(in.Reason) {
		return BatchResult{}, classify("batch", invalid("reason", "required to reject"))
	}

	results := make([]BatchItemResult, len(in.IDs))
	first := make(map[int64]int, len(in.IDs))
	var g errgroup.Group
	g.SetLimit(s.cfg.BatchConcurrency)
	for i, id := range in.IDs {
		if prev, dup := first[id]; dup {
			results[i] = BatchItemResult{
				ID:    id,
				Code:  CodeDuplicateOperation,
				Error: fmt.Sprintf("id %d already listed at position %d", id, prev),
			}
			continue
		}
		first[id] = i
		g.Go(func() error {
			results[i] = s.batchItem(ctx, actor, in, id)
			return nil
		})
	}
	_ = g.Wait()

	out := BatchResult{Results: results, Total: len(results)}
	for _, r := range results {
		if r.Success {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}
	s.logger.Info("movement batch",
		"action", string(in.Action), "total", out.Total, "succeeded", out.Succeeded, "failed", out.Failed)
	return out, nil
}

func (s *Service) batchItem(ctx context.Context, actor shared.Actor, in BatchInput, id int64) BatchItemResult {
	if err := ctx.Err(); err != nil {
		o := OutcomeOf(classify("batch", err))
		return BatchItemResult{ID: id, Code: o.Code, Error: o.Message, Retryable: o.Retryable}
	}
	var (
		doc Document
		err error
	)
	switch in.Action {
	case BatchApprove:
		doc, err = s.Approve(ctx, actor, id)
	case BatchReject:
		doc, err = s.Reject(ctx, actor, id, in.Reason)
	case BatchPost:
		doc, err = s.Post(ctx, actor, id)
	case BatchCancel:
		doc, err = s.Cancel(ctx, actor, id, in.Reason)
	}
	o := OutcomeOf(err)
	r := BatchItemResult{ID: id, DocNumber: doc.DocNumber, Success: o.Success, Code: o.Code, Error: o.Message, Retryable: o.Retryable}
	if !o.Success && r.DocNumber == "" {
		if current, getErr := s.repo.Get(ctx, id); getErr == nil {
			r.DocNumber = current.DocNumber
		}
	}
	return r
}
