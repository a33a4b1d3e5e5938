package movement

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// IdempotencyHeader carries the client supplied key for generating requests.
const IdempotencyHeader = "Idempotency-Key"

// Handler wires HTTP endpoints for movement documents.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	batchMW   []func(http.Handler) http.Handler
}

// NewHandler constructs the movement handler. batchMW wraps only the batch
// endpoint, typically with a tighter rate limit.
func NewHandler(logger *slog.Logger, service *Service, batchMW ...func(http.Handler) http.Handler) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: newValidator(), batchMW: batchMW}
}

// MountRoutes registers movement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.With(h.batchMW...).Post("/batch", h.handleBatch)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Put("/", h.handleUpdate)
		r.Get("/history", h.handleHistory)
		r.Get("/returnable", h.handleReturnable)
		r.Post("/submit", h.handleSubmit)
		r.Post("/approve", h.handleApprove)
		r.Post("/reject", h.handleReject)
		r.Post("/cancel", h.handleCancel)
		r.Post("/post", h.handlePost)
		r.Post("/reversal", h.handleReversal)
		r.Post("/returns", h.handleReturn)
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		Status:        Status(q.Get("status")),
		Type:          MovementType(q.Get("type")),
		LinkKind:      LinkKind(q.Get("link_kind")),
		LinkReference: q.Get("reference"),
	}
	var err error
	if filter.LinkTargetID, err = queryInt64(q.Get("link_target_id")); err != nil {
		h.respondError(w, r, invalid("link_target_id", "must be an integer"))
		return
	}
	page, err := queryInt64(q.Get("page"))
	if err != nil {
		h.respondError(w, r, invalid("page", "must be an integer"))
		return
	}
	perPage, err := queryInt64(q.Get("per_page"))
	if err != nil {
		h.respondError(w, r, invalid("per_page", "must be an integer"))
		return
	}
	filter.Page, filter.PerPage = int(page), int(perPage)
	docs, pagination, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if docs == nil {
		docs = []Document{}
	}
	httpx.OK(w, http.StatusOK, docs, pagination)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !h.decode(w, r, &req) {
		return
	}
	in, err := req.toInput(r.Header.Get(IdempotencyHeader))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	doc, err := h.service.Create(r.Context(), actorOf(r), in)
	h.respondDocument(w, r, http.StatusCreated, doc, err)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	doc, err := h.service.Get(r.Context(), id)
	h.respondDocument(w, r, http.StatusOK, doc, err)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if !h.decode(w, r, &req) {
		return
	}
	in, err := req.toInput()
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	doc, err := h.service.Update(r.Context(), actorOf(r), id, in)
	h.respondDocument(w, r, http.StatusOK, doc, err)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	logs, err := h.service.History(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if logs == nil {
		logs = []shared.ApprovalLog{}
	}
	httpx.OK(w, http.StatusOK, logs, nil)
}

func (h *Handler) handleReturnable(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	lines, err := h.service.Returnable(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.OK(w, http.StatusOK, lines, nil)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	doc, err := h.service.Submit(r.Context(), actorOf(r), id)
	h.respondDocument(w, r, http.StatusOK, doc, err)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	doc, err := h.service.Approve(r.Context(), actorOf(r), id)
	h.respondDocument(w, r, http.StatusOK, doc, err)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !h.decode(w, r, &req) {
		return
	}
	doc, err := h.service.Reject(r.Context(), actorOf(r), id, req.Reason)
	h.respondDocument(w, r, http.StatusOK, doc, err)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	doc, err := h.service.Cancel(r.Context(), actorOf(r), id, req.Reason)
	h.respondDocument(w, r, http.StatusOK, doc, err)
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	doc, err := h.service.Post(r.Context(), actorOf(r), id)
	h.respondDocument(w, r, http.StatusOK, doc, err)
}

func (h *Handler) handleReversal(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	doc, err := h.service.CreateReversal(r.Context(), actorOf(r), id, r.Header.Get(IdempotencyHeader))
	h.respondDocument(w, r, http.StatusCreated, doc, err)
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req returnRequest
	if !h.decode(w, r, &req) {
		return
	}
	doc, err := h.service.CreateReturn(r.Context(), actorOf(r), id, req.toInput(r.Header.Get(IdempotencyHeader)))
	h.respondDocument(w, r, http.StatusCreated, doc, err)
}

func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.RunBatch(r.Context(), actorOf(r), BatchInput{
		Action: BatchAction(req.Action),
		IDs:    req.IDs,
		Reason: req.Reason,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	status := http.StatusOK
	if result.Failed > 0 {
		status = http.StatusMultiStatus
	}
	httpx.JSON(w, status, httpx.Envelope{Success: result.Failed == 0, Code: CodeOK, Data: result})
}

// decode reads and validates the body into dst, answering the request on
// failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		h.respondError(w, r, &ValidationError{Field: "body", Reason: err.Error()})
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		h.respondError(w, r, validationError(err))
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, r, invalid("id", "must be a positive integer"))
		return 0, false
	}
	return id, true
}

func (h *Handler) respondDocument(w http.ResponseWriter, r *http.Request, status int, doc Document, err error) {
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.OK(w, status, doc, nil)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	o := OutcomeOf(err)
	status := StatusFor(o)
	if status >= http.StatusInternalServerError {
		h.logger.Error("movement request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.WriteProblem(w, httpx.ProblemDetail{
		Title:     http.StatusText(status),
		Status:    status,
		Detail:    o.Message,
		Code:      o.Code,
		Retryable: o.Retryable,
	})
}

// StatusFor maps an Outcome onto an HTTP status.
func StatusFor(o Outcome) int {
	switch o.Code {
	case CodeOK:
		return http.StatusOK
	case CodeValidation:
		return http.StatusBadRequest
	case CodeStateConflict, CodeDuplicateOperation:
		return http.StatusConflict
	case CodeInsufficientStock:
		return http.StatusUnprocessableEntity
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	}
	if o.Retryable {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func actorOf(r *http.Request) shared.Actor {
	actor, _ := shared.ActorFromContext(r.Context())
	return actor
}

func queryInt64(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.New("not an integer")
	}
	return v, nil
}
