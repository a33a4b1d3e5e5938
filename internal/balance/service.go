package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
)

// loaderError marks errors coming from the Reader so they are returned as-is
// instead of triggering the cache fallback.
type loaderError struct{ err error }

func (e loaderError) Error() string { return e.err.Error() }

func (e loaderError) Unwrap() error { return e.err }

// Service serves balance reads through the cache, falling back to the
// repository whenever Redis misbehaves.
type Service struct {
	repo   Reader
	cache  *Cache
	logger *slog.Logger
}

// NewService constructs Service. cache may be nil.
func NewService(repo Reader, cache *Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, logger: logger}
}

// Stock returns the balance for key.
func (s *Service) Stock(ctx context.Context, key StockKey) (StockBalance, error) {
	if key.ProductID == 0 || key.LocationID == 0 {
		return StockBalance{}, fmt.Errorf("%w: product and location required", ErrInvalidFilter)
	}
	var out StockBalance
	err := s.cached(ctx, &out, func(ctx context.Context) (any, error) {
		return s.repo.GetStock(ctx, key)
	}, "stock", key.String())
	return out, err
}

// ListStock lists balances for filter.
func (s *Service) ListStock(ctx context.Context, filter StockFilter) ([]StockBalance, error) {
	var out []StockBalance
	variant := "-"
	if filter.VariantID != nil {
		variant = strconv.FormatInt(*filter.VariantID, 10)
	}
	err := s.cached(ctx, &out, func(ctx context.Context) (any, error) {
		return s.repo.ListStock(ctx, filter)
	}, "stock_list", itoa(filter.ProductID), variant, itoa(filter.LocationID),
		strconv.FormatBool(filter.NonZero), strconv.Itoa(filter.Limit), strconv.Itoa(filter.Offset))
	return out, err
}

// ListLots lists lot balances for filter.
func (s *Service) ListLots(ctx context.Context, filter LotFilter) ([]LotBalance, error) {
	if filter.ExpiringBefore != nil {
		return s.repo.ListLots(ctx, filter)
	}
	var out []LotBalance
	err := s.cached(ctx, &out, func(ctx context.Context) (any, error) {
		return s.repo.ListLots(ctx, filter)
	}, "lot_list", itoa(filter.ProductID), itoa(filter.LotID), itoa(filter.LocationID),
		strconv.FormatBool(filter.NonZero), strconv.Itoa(filter.Limit), strconv.Itoa(filter.Offset))
	return out, err
}

// Lot loads lot metadata.
func (s *Service) Lot(ctx context.Context, id int64) (Lot, error) {
	return s.repo.GetLot(ctx, id)
}

// Invalidate drops every cached read. Failures are logged, not returned:
// the cache only ever serves data that is at most one TTL stale.
func (s *Service) Invalidate(ctx context.Context) {
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("balance cache bump", slog.Any("error", err))
	}
}

func (s *Service) cached(ctx context.Context, dest any, load func(context.Context) (any, error), parts ...string) error {
	key, err := s.cache.BuildKey(ctx, parts...)
	if err == nil {
		err = s.cache.FetchJSON(ctx, key, dest, func(ctx context.Context) (any, error) {
			v, err := load(ctx)
			if err != nil {
				return nil, loaderError{err: err}
			}
			return v, nil
		})
		if err == nil {
			return nil
		}
		var le loaderError
		if errors.As(err, &le) {
			return le.err
		}
	}
	s.logger.Warn("balance cache unavailable", slog.Any("error", err))
	v, err := load(ctx)
	if err != nil {
		return err
	}
	return assign(dest, v)
}

func assign(dest, v any) error {
	switch d := dest.(type) {
	case *StockBalance:
		*d = v.(StockBalance)
	case *[]StockBalance:
		*d = v.([]StockBalance)
	case *[]LotBalance:
		*d = v.([]LotBalance)
	default:
		return fmt.Errorf("balance: unsupported cache target %T", dest)
	}
	return nil
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
