package movement

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/balance"
	"github.com/odyssey-erp/stockledger/internal/catalog"
	"github.com/odyssey-erp/stockledger/internal/sequence"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Module is the audit entity and approval module name for documents.
const Module = "MOVEMENT"

// Actions reported to audit, metrics and batch results.
const (
	ActionCreate  = "create"
	ActionUpdate  = "update"
	ActionSubmit  = "submit"
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionCancel  = "cancel"
	ActionPost    = "post"
	ActionReverse = "reverse"
	ActionReturn  = "return"
	ActionImport  = "import"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Document, error)
	List(ctx context.Context, filter ListFilter) ([]Document, int, error)
	Linked(ctx context.Context, kind LinkKind, targetID int64) ([]Document, error)
	FindLot(ctx context.Context, productID int64, lotNumber string) (balance.Lot, error)
}

// BalanceInvalidator drops cached balance reads after a posting.
type BalanceInvalidator interface {
	Invalidate(ctx context.Context)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ApprovalPort stores the approval trail.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
	List(ctx context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error)
}

// IdempotencyPort deduplicates client retries of generating requests.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Complete(ctx context.Context, key, module string, resourceID int64) error
	Lookup(ctx context.Context, key, module string) (int64, error)
	Delete(ctx context.Context, key, module string) error
}

// MetricsPort receives transition and posting observations.
type MetricsPort interface {
	ObserveTransition(action, outcome string)
	ObservePosting(d time.Duration, lines int, outcome string)
}

// Deps groups the collaborators of Service. Everything except Repo and
// Catalog is optional.
type Deps struct {
	Repo        RepositoryPort
	Catalog     catalog.Lookup
	Numbers     *sequence.Generator
	Balances    BalanceInvalidator
	Audit       AuditPort
	Approvals   ApprovalPort
	Notifier    Notifier
	Idempotency IdempotencyPort
	Metrics     MetricsPort
	Logger      *slog.Logger
}

// Config tunes posting and batch behaviour.
type Config struct {
	PostTimeout      time.Duration
	BatchLimit       int
	BatchConcurrency int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{PostTimeout: 30 * time.Second, BatchLimit: 50, BatchConcurrency: 4}
}

// Service coordinates the movement document lifecycle.
type Service struct {
	repo        RepositoryPort
	catalog     catalog.Lookup
	numbers     *sequence.Generator
	balances    BalanceInvalidator
	audit       AuditPort
	approvals   ApprovalPort
	notifier    Notifier
	idempotency IdempotencyPort
	metrics     MetricsPort
	logger      *slog.Logger
	cfg         Config
	now         func() time.Time
}

// NewService builds Service.
func NewService(deps Deps, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.PostTimeout <= 0 {
		cfg.PostTimeout = def.PostTimeout
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = def.BatchLimit
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = def.BatchConcurrency
	}
	numbers := deps.Numbers
	if numbers == nil {
		numbers = sequence.NewGenerator()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        deps.Repo,
		catalog:     deps.Catalog,
		numbers:     numbers,
		balances:    deps.Balances,
		audit:       deps.Audit,
		approvals:   deps.Approvals,
		notifier:    deps.Notifier,
		idempotency: deps.Idempotency,
		metrics:     deps.Metrics,
		logger:      logger.With(slog.String("component", "movement")),
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new DRAFT document.
func (s *Service) Create(ctx context.Context, actor shared.Actor, in CreateInput) (Document, error) {
	doc, err := s.create(ctx, actor, in)
	return doc, s.finish(ActionCreate, err)
}

func (s *Service) create(ctx context.Context, actor shared.Actor, in CreateInput) (Document, error) {
	if err := requireActor(actor); err != nil {
		return Document{}, err
	}
	if !in.Type.IsValid() {
		return Document{}, invalid("type", "unknown movement type %q", in.Type)
	}
	if err := checkNote(in.Note); err != nil {
		return Document{}, err
	}
	lines, err := newLineValidator(s.catalog, s.repo).build(ctx, in.Type, in.Lines)
	if err != nil {
		return Document{}, err
	}
	return s.withIdempotency(ctx, in.IdempotencyKey, "movement.create", func() (Document, error) {
		var doc Document
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			doc, err = s.insertDraft(ctx, tx, actor, in.Type, in.Note, nil, lines)
			return err
		})
		if err != nil {
			return Document{}, err
		}
		s.afterTransition(ctx, actor, doc, ActionCreate, "")
		return doc, nil
	})
}

// insertDraft numbers and stores a DRAFT inside tx. A rolled back
// transaction also rolls back the counter, so failed creations leave no gap.
func (s *Service) insertDraft(ctx context.Context, tx TxRepository, actor shared.Actor, t MovementType, note string, link *DocumentLink, lines []Line) (Document, error) {
	number, err := s.numbers.Next(ctx, tx, string(t))
	if err != nil {
		return Document{}, err
	}
	return tx.InsertDocument(ctx, Document{
		DocNumber: number,
		Type:      t,
		Status:    StatusDraft,
		Note:      note,
		Link:      link,
		CreatedBy: actor.ID,
		Lines:     lines,
	})
}

// Update edits the note and optionally replaces every line of a DRAFT or
// REJECTED document.
func (s *Service) Update(ctx context.Context, actor shared.Actor, id int64, in UpdateInput) (Document, error) {
	doc, err := s.update(ctx, actor, id, in)
	return doc, s.finish(ActionUpdate, err)
}

func (s *Service) update(ctx context.Context, actor shared.Actor, id int64, in UpdateInput) (Document, error) {
	if err := requireActor(actor); err != nil {
		return Document{}, err
	}
	if in.Note != nil {
		if err := checkNote(*in.Note); err != nil {
			return Document{}, err
		}
	}
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Document{}, err
	}
	var lines []Line
	if in.Lines != nil {
		if generated(current) {
			return Document{}, invalid("lines", "lines of a %s document are derived from %d and cannot be edited", current.Link.Kind, current.Link.TargetID)
		}
		lines, err = newLineValidator(s.catalog, s.repo).build(ctx, current.Type, *in.Lines)
		if err != nil {
			return Document{}, err
		}
	}

	var doc Document
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.LockDocument(ctx, id)
		if err != nil {
			return err
		}
		if !locked.Status.CanEdit() {
			return &StateConflictError{DocNumber: locked.DocNumber, Action: ActionUpdate, Status: locked.Status}
		}
		if in.Lines != nil {
			if _, err := tx.ReplaceLines(ctx, id, lines); err != nil {
				return err
			}
		}
		if in.Note != nil {
			if err := tx.UpdateNote(ctx, id, *in.Note); err != nil {
				return err
			}
		}
		doc, err = tx.LockDocument(ctx, id)
		return err
	})
	if err != nil {
		return Document{}, err
	}
	s.afterTransition(ctx, actor, doc, ActionUpdate, "")
	return doc, nil
}

func generated(doc Document) bool {
	return doc.Link != nil && (doc.Link.Kind == LinkReversal || doc.Link.Kind == LinkReturnFrom)
}

// Submit moves a DRAFT or REJECTED document into approval.
func (s *Service) Submit(ctx context.Context, actor shared.Actor, id int64) (Document, error) {
	doc, err := s.transition(ctx, actor, id, ActionSubmit, []Status{StatusDraft, StatusRejected},
		func(ctx context.Context, tx TxRepository, doc Document) (StatusChange, error) {
			if len(doc.Lines) == 0 {
				return StatusChange{}, invalid("lines", "%s has no lines", doc.DocNumber)
			}
			if doc.Status == StatusRejected && doc.Link != nil && doc.Link.Kind == LinkReversal {
				if _, err := s.guardReversal(ctx, tx, doc.Link.TargetID, doc.ID); err != nil {
					return StatusChange{}, err
				}
			}
			return StatusChange{To: StatusSubmitted}, nil
		})
	return doc, s.finish(ActionSubmit, err)
}

// Approve records the approver on a SUBMITTED document.
func (s *Service) Approve(ctx context.Context, actor shared.Actor, id int64) (Document, error) {
	doc, err := s.transition(ctx, actor, id, ActionApprove, []Status{StatusSubmitted},
		func(_ context.Context, _ TxRepository, _ Document) (StatusChange, error) {
			at := s.now()
			return StatusChange{To: StatusApproved, ApprovedBy: ptr(actor.ID), ApprovedAt: &at}, nil
		})
	return doc, s.finish(ActionApprove, err)
}

// Reject returns a SUBMITTED document for correction. A reason is required
// and appended to the note.
func (s *Service) Reject(ctx context.Context, actor shared.Actor, id int64, reason string) (Document, error) {
	doc, err := s.transition(ctx, actor, id, ActionReject, []Status{StatusSubmitted},
		func(_ context.Context, _ TxRepository, doc Document) (StatusChange, error) {
			if isBlank(reason) {
				return StatusChange{}, invalid("reason", "required")
			}
			return StatusChange{To: StatusRejected, Note: ptr(appendNote(doc.Note, "REJECTED", reason))}, nil
		})
	return doc, s.finish(ActionReject, err)
}

// Cancel withdraws a document that has not been posted.
func (s *Service) Cancel(ctx context.Context, actor shared.Actor, id int64, reason string) (Document, error) {
	doc, err := s.transition(ctx, actor, id, ActionCancel, []Status{StatusDraft, StatusSubmitted, StatusApproved},
		func(_ context.Context, _ TxRepository, doc Document) (StatusChange, error) {
			return StatusChange{To: StatusCancelled, Note: ptr(appendNote(doc.Note, "CANCELLED", reason))}, nil
		})
	return doc, s.finish(ActionCancel, err)
}

type changeFunc func(ctx context.Context, tx TxRepository, doc Document) (StatusChange, error)

// transition locks the header, checks the current status against from,
// and applies the change with a conditional update.
func (s *Service) transition(ctx context.Context, actor shared.Actor, id int64, action string, from []Status, change changeFunc) (Document, error) {
	if err := requireActor(actor); err != nil {
		return Document{}, err
	}
	var (
		doc  Document
		note string
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.LockDocument(ctx, id)
		if err != nil {
			return err
		}
		if !slices.Contains(from, current.Status) {
			return &StateConflictError{DocNumber: current.DocNumber, Action: action, Status: current.Status}
		}
		c, err := change(ctx, tx, current)
		if err != nil {
			return err
		}
		if c.Note != nil {
			note = *c.Note
		}
		if err := tx.UpdateStatus(ctx, id, from, c); err != nil {
			return err
		}
		doc, err = tx.LockDocument(ctx, id)
		return err
	})
	if err != nil {
		return Document{}, err
	}
	s.afterTransition(ctx, actor, doc, action, note)
	return doc, nil
}

// Get loads a document.
func (s *Service) Get(ctx context.Context, id int64) (Document, error) {
	if id <= 0 {
		return Document{}, classify("get", invalid("id", "required"))
	}
	doc, err := s.repo.Get(ctx, id)
	return doc, classify("get", err)
}

// List returns document headers with pagination metadata.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Document, shared.Pagination, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, shared.Pagination{}, classify("list", invalid("status", "unknown status %q", filter.Status))
	}
	if filter.Type != "" && !filter.Type.IsValid() {
		return nil, shared.Pagination{}, classify("list", invalid("type", "unknown movement type %q", filter.Type))
	}
	if filter.LinkKind != "" && !filter.LinkKind.IsValid() {
		return nil, shared.Pagination{}, classify("list", invalid("link_kind", "unknown link kind %q", filter.LinkKind))
	}
	perPage, _ := listBounds(filter.Page, filter.PerPage)
	docs, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, classify("list", err)
	}
	return docs, shared.NewPagination(filter.Page, perPage, total), nil
}

// History returns the approval trail of a document.
func (s *Service) History(ctx context.Context, id int64) ([]shared.ApprovalLog, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, classify("history", err)
	}
	if s.approvals == nil {
		return nil, nil
	}
	logs, err := s.approvals.List(ctx, Module, shared.ApprovalRef(Module, id))
	return logs, classify("history", err)
}

// withIdempotency runs fn once per key. A replay of a completed key
// returns the document produced the first time.
func (s *Service) withIdempotency(ctx context.Context, key, scope string, fn func() (Document, error)) (Document, error) {
	if key == "" || s.idempotency == nil {
		return fn()
	}
	if err := s.idempotency.CheckAndInsert(ctx, key, scope); err != nil {
		if !errors.Is(err, shared.ErrIdempotencyConflict) {
			return Document{}, err
		}
		id, lookupErr := s.idempotency.Lookup(ctx, key, scope)
		if lookupErr != nil {
			return Document{}, &DuplicateOperationError{Operation: scope, DocNumber: "idempotency key " + key}
		}
		return s.repo.Get(ctx, id)
	}
	doc, err := fn()
	if err != nil {
		if delErr := s.idempotency.Delete(context.WithoutCancel(ctx), key, scope); delErr != nil {
			s.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", delErr))
		}
		return Document{}, err
	}
	if err := s.idempotency.Complete(ctx, key, scope, doc.ID); err != nil {
		s.logger.Warn("complete idempotency key", slog.String("key", key), slog.Any("error", err))
	}
	return doc, nil
}

// afterTransition emits the audit record, approval trail and notification
// for a committed change. None of these can fail the change.
func (s *Service) afterTransition(ctx context.Context, actor shared.Actor, doc Document, action, note string) {
	ctx = context.WithoutCancel(ctx)
	logger := s.logger.With(slog.String("doc_number", doc.DocNumber), slog.String("action", action))

	if s.audit != nil {
		meta := map[string]any{
			"doc_number": doc.DocNumber,
			"type":       string(doc.Type),
			"status":     string(doc.Status),
			"lines":      len(doc.Lines),
		}
		if doc.Link != nil {
			meta["link_kind"] = string(doc.Link.Kind)
			meta["link_target_id"] = doc.Link.TargetID
		}
		err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actor.ID,
			Action:   "movement:" + action,
			Entity:   Module,
			EntityID: strconv.FormatInt(doc.ID, 10),
			Meta:     meta,
			At:       s.now(),
		})
		if err != nil {
			logger.Warn("audit record failed", slog.Any("error", err))
		}
	}

	if s.approvals != nil {
		var approval shared.ApprovalAction
		switch action {
		case ActionSubmit:
			approval = shared.ApprovalSubmit
		case ActionApprove:
			approval = shared.ApprovalApprove
		case ActionReject:
			approval = shared.ApprovalReject
		}
		if approval != "" {
			err := s.approvals.Record(ctx, shared.ApprovalLog{
				Module:  Module,
				RefID:   shared.ApprovalRef(Module, doc.ID),
				ActorID: actor.ID,
				Action:  approval,
				Note:    note,
				At:      s.now(),
			})
			if err != nil {
				logger.Warn("approval trail failed", slog.Any("error", err))
			}
		}
	}

	if s.notifier != nil {
		var event Event
		switch action {
		case ActionSubmit:
			event = EventSubmitted
		case ActionPost:
			event = EventPosted
		}
		if event != "" {
			err := s.notifier.Notify(ctx, Notification{
				MovementID: doc.ID,
				DocNumber:  doc.DocNumber,
				Type:       doc.Type,
				Event:      event,
				ActorID:    actor.ID,
				ActorName:  actor.Name,
				OccurredAt: s.now(),
			})
			if err != nil {
				logger.Warn("notification failed", slog.Any("error", err))
			}
		}
	}
	logger.Info("movement transition", slog.Int64("id", doc.ID), slog.String("status", string(doc.Status)))
}

// finish classifies err and reports the transition outcome.
func (s *Service) finish(action string, err error) error {
	err = classify(action, err)
	if s.metrics != nil {
		s.metrics.ObserveTransition(action, OutcomeOf(err).Code)
	}
	if err != nil {
		var infra *InfrastructureError
		if errors.As(err, &infra) {
			s.logger.Error("movement operation failed", slog.String("action", action), slog.Bool("retryable", infra.Retryable), slog.Any("error", infra.Err))
		}
	}
	return err
}

func requireActor(actor shared.Actor) error {
	if actor.ID == 0 {
		return ErrUnauthorized
	}
	return nil
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
