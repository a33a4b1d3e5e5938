package balance

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
)

// Handler exposes read-only balance endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers balance routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/stock", h.handleStock)
	r.Get("/lots", h.handleLots)
	r.Get("/lots/{id}", h.handleLot)
}

// handleStock returns a single balance when product_id and location_id are
// both given, otherwise a listing.
func (h *Handler) handleStock(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ints, err := parseInts(q, "product_id", "variant_id", "location_id", "limit", "offset")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var variant *int64
	if q.Get("variant_id") != "" {
		v := ints["variant_id"]
		variant = &v
	}
	if ints["product_id"] != 0 && ints["location_id"] != 0 && q.Get("limit") == "" {
		bal, err := h.service.Stock(r.Context(), StockKey{ProductID: ints["product_id"], VariantID: variant, LocationID: ints["location_id"]})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		httpx.OK(w, http.StatusOK, bal, nil)
		return
	}
	list, err := h.service.ListStock(r.Context(), StockFilter{
		ProductID:  ints["product_id"],
		VariantID:  variant,
		LocationID: ints["location_id"],
		NonZero:    q.Get("non_zero") == "true",
		Limit:      int(ints["limit"]),
		Offset:     int(ints["offset"]),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []StockBalance{}
	}
	httpx.OK(w, http.StatusOK, list, nil)
}

func (h *Handler) handleLots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ints, err := parseInts(q, "product_id", "lot_id", "location_id", "limit", "offset")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter := LotFilter{
		ProductID:  ints["product_id"],
		LotID:      ints["lot_id"],
		LocationID: ints["location_id"],
		NonZero:    q.Get("non_zero") == "true",
		Limit:      int(ints["limit"]),
		Offset:     int(ints["offset"]),
	}
	if raw := q.Get("expiring_before"); raw != "" {
		at, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: expiring_before: expected YYYY-MM-DD", httpx.ErrValidation))
			return
		}
		filter.ExpiringBefore = &at
	}
	list, err := h.service.ListLots(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []LotBalance{}
	}
	httpx.OK(w, http.StatusOK, list, nil)
}

func (h *Handler) handleLot(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: id must be a positive integer", httpx.ErrValidation))
		return
	}
	lot, err := h.service.Lot(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.OK(w, http.StatusOK, lot, nil)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidFilter):
		err = fmt.Errorf("%w: %w", httpx.ErrValidation, err)
	case errors.Is(err, ErrLotNotFound):
		err = fmt.Errorf("%w: %w", httpx.ErrNotFound, err)
	default:
		h.logger.Error("balance request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func parseInts(q map[string][]string, names ...string) (map[string]int64, error) {
	out := make(map[string]int64, len(names))
	for _, name := range names {
		vals := q[name]
		if len(vals) == 0 || vals[0] == "" {
			continue
		}
		v, err := strconv.ParseInt(vals[0], 10, 64)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("%w: %s must be a non-negative integer", httpx.ErrValidation, name)
		}
		out[name] = v
	}
	return out, nil
}
