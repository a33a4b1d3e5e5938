// Package sequence issues human-readable document numbers from per-type
// counters stored in doc_sequences.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrUnknownDocType is returned when no counter row exists for a document
// type. It is a configuration problem and must not be retried.
var ErrUnknownDocType = errors.New("sequence: unknown document type")

// Counter is the state of a counter immediately after it was advanced.
type Counter struct {
	DocType  string
	Prefix   string
	PadWidth int
	Value    int64
}

// Incrementer atomically advances the counter for docType and returns it.
type Incrementer interface {
	Increment(ctx context.Context, docType string) (Counter, error)
}

// Querier is satisfied by a pool, a connection or a pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store increments counters in PostgreSQL.
type Store struct {
	q Querier
}

// NewStore binds a Store to q. Pass a pgx.Tx to make the number part of a
// larger transaction: if that transaction rolls back the number is released.
func NewStore(q Querier) *Store {
	return &Store{q: q}
}

const incrementSQL = `UPDATE doc_sequences SET counter = counter + 1
WHERE doc_type = $1
RETURNING prefix, pad_width, counter`

// Increment performs a single UPDATE ... RETURNING so concurrent callers are
// serialised by the row lock and never observe the same value.
func (s *Store) Increment(ctx context.Context, docType string) (Counter, error) {
	c := Counter{DocType: docType}
	err := s.q.QueryRow(ctx, incrementSQL, docType).Scan(&c.Prefix, &c.PadWidth, &c.Value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Counter{}, fmt.Errorf("%w: %s", ErrUnknownDocType, docType)
		}
		return Counter{}, fmt.Errorf("sequence: increment %s: %w", docType, err)
	}
	return c, nil
}

// Generator formats counters as {prefix}{YY}{MM}-{padded}.
type Generator struct {
	now func() time.Time
}

// NewGenerator returns a Generator using the wall clock in UTC.
func NewGenerator() *Generator {
	return &Generator{now: func() time.Time { return time.Now().UTC() }}
}

// NewGeneratorWithClock is used by tests to pin the period.
func NewGeneratorWithClock(now func() time.Time) *Generator {
	return &Generator{now: now}
}

// Next advances the counter via inc and returns the formatted number.
func (g *Generator) Next(ctx context.Context, inc Incrementer, docType string) (string, error) {
	if docType == "" {
		return "", fmt.Errorf("%w: empty", ErrUnknownDocType)
	}
	c, err := inc.Increment(ctx, docType)
	if err != nil {
		return "", err
	}
	return Format(c, g.now()), nil
}

// Format renders a counter for the period containing at. Values wider than
// the pad width are printed in full.
func Format(c Counter, at time.Time) string {
	width := c.PadWidth
	if width <= 0 {
		width = 1
	}
	return fmt.Sprintf("%s%s-%0*d", c.Prefix, at.Format("0601"), width, c.Value)
}
